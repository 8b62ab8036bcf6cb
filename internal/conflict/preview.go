package conflict

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fieldbook/sync-core/internal/store"
)

// remoteTombstone stands in for the remote side of a delete_edit preview.
const remoteTombstone = "(deleted remotely)\n"

// Preview renders a line diff of the two sides for display: unchanged
// lines indented, local-only lines prefixed "- ", remote-only lines
// prefixed "+ ". Safe to call on delete_edit conflicts where Remote is
// nil.
func Preview(c Conflict) string {
	localText := renderSide(&c.Local)
	remoteText := remoteTombstone
	if c.Remote != nil {
		remoteText = renderSide(c.Remote)
	}

	dmp := diffmatchpatch.New()
	lt, rt, lineIndex := dmp.DiffLinesToChars(localText, remoteText)
	diffs := dmp.DiffMain(lt, rt, false)
	diffs = dmp.DiffCharsToLines(diffs, lineIndex)

	var b strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}

		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func renderSide(rec *store.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title: %s\n", rec.Title)
	fmt.Fprintf(&b, "note: %s\n", rec.Note)

	media := rec.MediaPath
	if media == "" {
		media = rec.RemoteURL
	}
	if media != "" {
		fmt.Fprintf(&b, "media: %s\n", media)
	}
	if rec.Deleted {
		b.WriteString("(deleted)\n")
	}

	return b.String()
}
