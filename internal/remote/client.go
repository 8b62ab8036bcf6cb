// Package remote talks to the sync backend: a REST surface for record
// mutations and media transfer, and a WebSocket change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/store"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-2xx response from the backend. Transient statuses
// arrive wrapped in a TransientError.
type StatusError struct {
	Method   string
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Endpoint, e.Code, e.Message)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided. Media transfers run without it
	// on their own per-call contexts.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	device     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token cannot leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client. The device ID rides along on every
// request so the feed can filter out this device's own writes. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token, device string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		device:     device,
	}
}

// sanitizeResponseBody truncates and scrubs a response body for inclusion
// in error messages: 256 bytes max, control characters and invalid UTF-8
// replaced so the result is safe to log.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError {
			return '?'
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return '?'
		}

		return r
	}, string(body))
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Device-ID", c.device)

	return req, nil
}

// do executes req and decodes the JSON response into result when result
// is non-nil. Network failures and transient statuses come back as
// TransientError; other non-2xx responses as StatusError.
func (c *Client) do(req *http.Request, result any) error {
	endpoint := req.URL.Path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		statusErr := &StatusError{
			Method:   req.Method,
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Message:  msg,
		}
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: statusErr}
		}

		return statusErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// doJSON sends an optional JSON body and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, result any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, result)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return 0
}

// Snapshot fetches the server's current version of a record. Both an
// explicit tombstone and a 404 report Deleted: records only reach
// reconciliation after a successful push, so a missing row means the
// backend dropped it.
func (c *Client) Snapshot(ctx context.Context, table, id string) (*Snapshot, error) {
	endpoint := "/v1/records/" + url.PathEscape(table) + "/" + url.PathEscape(id)

	var rec store.Record
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rec); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return &Snapshot{Deleted: true}, nil
		}

		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}

	if rec.Deleted {
		return &Snapshot{Deleted: true}, nil
	}

	return &Snapshot{Record: &rec}, nil
}

// Apply pushes one queued mutation to the backend.
func (c *Client) Apply(ctx context.Context, item store.QueueItem) error {
	table := url.PathEscape(item.Table)
	id := url.PathEscape(item.RecordID)

	switch item.Op {
	case store.OpCreate, store.OpUpdate:
		if len(item.Payload) == 0 {
			return fmt.Errorf("applying %s to %s/%s: empty payload", item.Op, item.Table, item.RecordID)
		}
		if item.Op == store.OpCreate {
			return c.doJSON(ctx, http.MethodPost, "/v1/records/"+table, item.Payload, nil)
		}

		return c.doJSON(ctx, http.MethodPut, "/v1/records/"+table+"/"+id, item.Payload, nil)

	case store.OpDelete:
		err := c.doJSON(ctx, http.MethodDelete, "/v1/records/"+table+"/"+id, nil, nil)
		if statusCode(err) == http.StatusNotFound {
			// Already gone; deleting is idempotent.
			return nil
		}

		return err

	default:
		return fmt.Errorf("unknown operation %q", item.Op)
	}
}

// progressReader reports the percentage of total consumed through Read.
// Reports are throttled to whole-percent steps plus a final 100.
type progressReader struct {
	r       io.Reader
	total   int64
	sent    int64
	lastPct float64
	report  func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		pct := 100.0
		if p.total > 0 {
			pct = min(float64(p.sent)/float64(p.total)*100, 100)
		}
		if pct-p.lastPct >= 1 || (pct == 100 && p.lastPct != 100) {
			p.lastPct = pct
			p.report(pct)
		}
	}

	return n, err
}

// Put uploads a whole object in one shot and returns its stable URL.
// progress, when non-nil, receives percentages in [0, 100].
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, progress func(float64)) (string, error) {
	endpoint := "/v1/media/" + url.PathEscape(key)

	body := r
	if progress != nil {
		body = &progressReader{r: r, total: size, report: progress}
	}

	req, err := c.newRequest(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var out objectResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	return out.URL, nil
}

// CreateSession opens a multipart upload session for key.
func (c *Client) CreateSession(ctx context.Context, key string, size int64) (string, error) {
	var out sessionResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/media/sessions", sessionRequest{Key: key, Size: size}, &out)
	if err != nil {
		return "", fmt.Errorf("creating upload session for %s: %w", key, err)
	}

	return out.SessionID, nil
}

// UploadPart sends one part of a multipart session and returns its tag.
// A session the backend no longer knows reports ErrSessionInvalid; the
// caller restarts with a fresh session.
func (c *Client) UploadPart(ctx context.Context, sessionID string, part int, r io.Reader, size int64) (string, error) {
	endpoint := fmt.Sprintf("/v1/media/sessions/%s/parts/%d", url.PathEscape(sessionID), part)

	req, err := c.newRequest(ctx, http.MethodPut, endpoint, r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var out partResponse
	if err := c.do(req, &out); err != nil {
		if code := statusCode(err); code == http.StatusNotFound || code == http.StatusGone {
			return "", fmt.Errorf("part %d: %w", part, syncerrors.ErrSessionInvalid)
		}

		return "", fmt.Errorf("uploading part %d: %w", part, err)
	}

	return out.ETag, nil
}

// CompleteSession finalizes a multipart session, handing the backend the
// ordered part tags, and returns the stored object's URL.
func (c *Client) CompleteSession(ctx context.Context, sessionID string, parts []string) (string, error) {
	endpoint := "/v1/media/sessions/" + url.PathEscape(sessionID) + "/complete"

	var out objectResponse
	err := c.doJSON(ctx, http.MethodPost, endpoint, completeRequest{Parts: parts}, &out)
	if err != nil {
		if code := statusCode(err); code == http.StatusNotFound || code == http.StatusGone {
			return "", fmt.Errorf("completing session: %w", syncerrors.ErrSessionInvalid)
		}

		return "", fmt.Errorf("completing session: %w", err)
	}

	return out.URL, nil
}

// AbortSession discards a multipart session. Aborting a session the
// backend already dropped is a no-op.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	endpoint := "/v1/media/sessions/" + url.PathEscape(sessionID)

	err := c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil)
	if code := statusCode(err); code == http.StatusNotFound || code == http.StatusGone {
		return nil
	}

	return err
}
