package clientsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrTransport    = errors.New("realtime transport failure")
	ErrNotConnected = errors.New("not connected")
)

// TransportError reports a failed send or receive on the realtime channel.
// The frame is dropped; the next sync cycle sends fresh state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Transport carries frames to the room coordinator.
type Transport interface {
	Send(ctx context.Context, frame room.Frame) error
}

type FrameHandler func(ctx context.Context, frame room.Frame) error

type WebSocketOptions struct {
	BaseURL    string
	RoomID     string
	Token      string
	Handler    FrameHandler
	HTTPClient *http.Client
	ReadLimit  int64
	// NewBackOff builds the reconnect schedule. The default grows from
	// 250ms to 30s and never gives up.
	NewBackOff func() backoff.BackOff
	Logger     Logger
}

// WebSocketTransport keeps one connection to /v1/rooms/{roomId}/connect
// open, redialing with exponential backoff whenever it drops.
type WebSocketTransport struct {
	endpoint   string
	token      string
	handler    FrameHandler
	httpClient *http.Client
	readLimit  int64
	newBackOff func() backoff.BackOff
	logger     Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
}

func NewWebSocketTransport(opts WebSocketOptions) (*WebSocketTransport, error) {
	roomID := strings.TrimSpace(opts.RoomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("frame handler is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 16 << 20
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &WebSocketTransport{
		endpoint:   baseURL + "/v1/rooms/" + url.PathEscape(roomID) + "/connect",
		token:      strings.TrimSpace(opts.Token),
		handler:    opts.Handler,
		httpClient: opts.HTTPClient,
		readLimit:  readLimit,
		newBackOff: newBackOff,
		logger:     opts.Logger,
		connected:  make(chan struct{}),
	}, nil
}

// Run dials and reads until ctx is done. Every (re)connect starts with a
// full-sync frame from the server, which the handler uses to re-baseline.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	schedule := t.newBackOff()
	for {
		conn, err := t.dial(ctx)
		if err == nil {
			schedule.Reset()
			err = t.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return &TransportError{Op: "connect", Err: err}
		}
		t.logf("realtime connection lost (%v); retrying in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := websocket.Dial(ctx, t.endpoint, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.readLimit)
	t.mu.Lock()
	t.conn = conn
	close(t.connected)
	t.mu.Unlock()
	return conn, nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.connected = make(chan struct{})
		}
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		var frame room.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if err := t.handler(ctx, frame); err != nil {
			t.logf("apply %s frame for page %d failed: %v", frame.Type, frame.PageIdx, err)
		}
	}
}

// WaitConnected blocks until a connection is established.
func (t *WebSocketTransport) WaitConnected(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, frame room.Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *WebSocketTransport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
