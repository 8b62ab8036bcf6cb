// Package media resolves and watches the device-local media spool.
// Records reference spool files by absolute path; the upload processor
// turns those paths into backend object keys and streams the bytes up.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
)

// Info describes a spool file at the moment it was checked.
type Info struct {
	// Path is the form that resolved on disk, which may differ from the
	// requested path in Unicode normalization.
	Path    string
	Size    int64
	ModTime time.Time
}

// Stat returns the size and modification time of the media file at path.
// If the exact path is absent it retries the NFC- and NFD-normalized
// forms: a row written on one device may reference a name that another
// filesystem stored in the other composition. Directories are rejected.
// A file absent under every form is reported as ErrMediaMissing, with the
// underlying not-exist error still in the chain.
func Stat(path string) (Info, error) {
	fi, err := os.Stat(path)

	if err != nil && os.IsNotExist(err) {
		for _, alt := range []string{norm.NFC.String(path), norm.NFD.String(path)} {
			if alt == path {
				continue
			}

			afi, altErr := os.Stat(alt)
			if altErr == nil {
				path, fi, err = alt, afi, nil

				break
			}
		}
	}

	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %w", syncerrors.ErrMediaMissing, err)
		}

		return Info{}, err
	}

	if fi.IsDir() {
		return Info{}, fmt.Errorf("media path %q is a directory", path)
	}

	return Info{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// ObjectKey returns the backend object key for a record's media:
// table/id plus the lower-cased file extension. The key is a pure
// function of the record so an upload resumed after a restart lands on
// the same object.
func ObjectKey(table, id, path string) string {
	ext := strings.ToLower(filepath.Ext(path))

	return table + "/" + id + ext
}
