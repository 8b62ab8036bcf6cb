package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// feedReadLimit caps feed frames. Change notifications are tiny;
	// anything bigger is a server bug.
	feedReadLimit = 512 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// hintChanSize is the buffer size for change hints handed to the
	// engine. The engine debounces hints into sync passes, so dropping
	// under burst costs nothing: the next pass picks the change up.
	hintChanSize = 64
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Feed can be tested without
// a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Feed follows the backend's change notifications over a WebSocket.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound messages and
// heartbeat ticks; all writes to the connection happen there. Change
// notifications become Hints on a buffered channel the engine consumes.
// The feed is best-effort by contract: on any connection trouble it
// backs off and redials until its context ends, and sync degrades to
// schedule-only passes in the meantime.
type Feed struct {
	url    string
	token  string
	device string
	logger *slog.Logger

	conn      wsConn
	inboundCh chan inboundMsg

	lastMessage time.Time

	hints chan Hint

	// dial is swapped out in tests to inject a mock connection.
	dial func(ctx context.Context) (wsConn, error)
}

// NewFeed prepares a change feed against a ws:// or wss:// URL. The
// device ID lets the loop drop echoes of this device's own writes.
func NewFeed(url, token, device string, logger *slog.Logger) *Feed {
	f := &Feed{
		url:    url,
		token:  token,
		device: device,
		logger: logger,
		hints:  make(chan Hint, hintChanSize),
	}
	f.dial = f.dialWebSocket

	return f
}

// Hints is the channel of remote change notifications. It stays open for
// the life of the feed; a slow consumer loses bursts, not correctness.
func (f *Feed) Hints() <-chan Hint {
	return f.hints
}

func (f *Feed) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + f.token},
			"X-Device-ID":   []string{f.device},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures the channel and conn by value so a stale reader
// from a previous connection cannot feed the new loop.
func (f *Feed) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	f.inboundCh = ch
	conn := f.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run connects and processes the feed until ctx is cancelled, redialing
// with exponential backoff and jitter after every failure. Connection
// errors are logged, never returned: a dead feed only degrades change
// latency.
func (f *Feed) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			f.logger.Warn("feed connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if err := f.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel := context.WithCancel(ctx)
		f.startReader(connCtx)
		backoff = reconnectMin

		err := f.eventLoop(ctx, connCtx)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := f.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

func (f *Feed) sleep(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *Feed) connect(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}

	conn.SetReadLimit(feedReadLimit)
	f.conn = conn
	f.lastMessage = time.Now()

	return nil
}

// eventLoop processes one connection: inbound frames and heartbeat
// ticks. Returns on read error, heartbeat timeout, or cancellation.
func (f *Feed) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-f.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			f.lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				f.logger.Debug("unexpected binary frame on feed", slog.Int("bytes", len(msg.data)))
				continue
			}

			f.handleInbound(msg.data)

		case <-ticker.C:
			elapsed := time.Since(f.lastMessage)
			if elapsed > disconnectAfter {
				f.logger.Warn("feed timed out, closing")
				f.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				ping, _ := json.Marshal(map[string]string{"op": "ping"})
				if err := f.conn.Write(ctx, websocket.MessageText, ping); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			f.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound peeks at the frame's op and turns change notifications
// into hints. Frames that don't parse are skipped; the feed carries no
// state worth failing over.
func (f *Feed) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").String()

	switch op {
	case "pong":
		return

	case "change":
		var change changeMessage
		if err := json.Unmarshal(data, &change); err != nil {
			f.logger.Warn("failed to decode change", slog.String("error", err.Error()))
			return
		}

		if change.Device == f.device {
			// Echo of our own push.
			return
		}

		select {
		case f.hints <- Hint{Table: change.Table, RecordID: change.RecordID}:
		default:
			f.logger.Debug("hint buffer full, dropping",
				slog.String("table", change.Table),
				slog.String("record", change.RecordID),
			)
		}

	default:
		f.logger.Debug("unexpected feed op", slog.String("op", op))
	}
}
