// Package mock provides an in-memory perception channel for tests.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/perception"
)

// ErrDialRefused is returned by Open while dial failures are scripted.
var ErrDialRefused = errors.New("mock: connection refused")

// Opener hands out Streams and records every dial.
type Opener struct {
	mu         sync.Mutex
	failures   int
	failAlways bool
	dials      int
	streams    []*Stream
	opened     chan *Stream
}

// NewOpener creates an opener whose dials succeed until told otherwise.
func NewOpener() *Opener {
	return &Opener{opened: make(chan *Stream, 64)}
}

// FailNext makes the next n dials fail.
func (o *Opener) FailNext(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = n
}

// FailAlways makes every dial fail.
func (o *Opener) FailAlways() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failAlways = true
}

// Open implements perception.Opener.
func (o *Opener) Open(ctx context.Context, endpoint string) (perception.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.failAlways {
		return nil, ErrDialRefused
	}
	if o.failures > 0 {
		o.failures--
		return nil, ErrDialRefused
	}
	s := newStream(endpoint)
	o.streams = append(o.streams, s)
	select {
	case o.opened <- s:
	default:
	}
	return s, nil
}

// Dials returns the number of Open calls so far.
func (o *Opener) Dials() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dials
}

// Streams returns every stream opened so far.
func (o *Opener) Streams() []*Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Stream, len(o.streams))
	copy(out, o.streams)
	return out
}

// WaitStream returns the next opened stream, or nil after timeout.
func (o *Opener) WaitStream(timeout time.Duration) *Stream {
	select {
	case s := <-o.opened:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// Stream is a scripted perception channel.
type Stream struct {
	Endpoint string

	msgs      chan []byte
	drop      chan struct{}
	closed    chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once
}

func newStream(endpoint string) *Stream {
	return &Stream{
		Endpoint: endpoint,
		msgs:     make(chan []byte, 64),
		drop:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Send queues a raw message.
func (s *Stream) Send(raw string) {
	s.msgs <- []byte(raw)
}

// SendJSON queues v encoded as JSON.
func (s *Stream) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.msgs <- data
}

// Drop simulates the remote end going away.
func (s *Stream) Drop() {
	s.dropOnce.Do(func() { close(s.drop) })
}

// IsClosed reports whether the owner closed the stream.
func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Next implements perception.Stream. Queued messages are delivered before a drop.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	default:
	}
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.drop:
		return nil, perception.ErrUnexpectedClose
	case <-s.closed:
		return nil, perception.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements perception.Stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
