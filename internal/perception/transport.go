package perception

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
)

var (
	// ErrConnection is surfaced once a monitor has used up its reconnects.
	ErrConnection = errors.New("connection_error")
	// ErrClosed is returned by Next after Close was called.
	ErrClosed = errors.New("perception channel closed")
	// ErrUnexpectedClose marks a remote closure or broken read that may be retried.
	ErrUnexpectedClose = errors.New("perception channel closed unexpectedly")
)

// Stream is one open real-time channel to the perception service.
type Stream interface {
	// Next blocks until the next inbound message, ctx cancellation or closure.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the channel. Closing twice is a no-op.
	Close() error
}

// Opener opens a Stream to an endpoint.
type Opener interface {
	Open(ctx context.Context, endpoint string) (Stream, error)
}

// Dialer opens websocket channels to the perception service.
type Dialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewDialer creates a dialer with the given handshake timeout
func NewDialer(handshakeTimeout time.Duration) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = constants.DefaultDialTimeout
	}
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: http.Header{},
	}
}

// Open dials endpoint and returns a connection owned by the caller.
// The connection is closed automatically when ctx is cancelled.
func (d *Dialer) Open(ctx context.Context, endpoint string) (Stream, error) {
	ws, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("could not open %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("could not open %s: %w", endpoint, err)
	}
	c := &Conn{ws: ws, endpoint: endpoint}
	c.mu.Lock()
	c.stop = context.AfterFunc(ctx, func() { c.Close() })
	c.mu.Unlock()
	return c, nil
}

// Conn is a single websocket connection with an idempotent Close.
type Conn struct {
	ws        *websocket.Conn
	endpoint  string
	mu        sync.Mutex // guards stop
	stop      func() bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// Next reads the next message. A cancelled ctx wins over the closure it causes.
func (c *Conn) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedClose, err)
	}
	return data, nil
}

// Close sends a close frame and tears the socket down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		deadline := time.Now().Add(time.Second)
		// Best effort, the peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Endpoint returns the URL this connection was opened to
func (c *Conn) Endpoint() string {
	return c.endpoint
}
