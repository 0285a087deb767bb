// Package wire implements the message-framed duplex channel both
// broker endpoints speak: named events with optional asynchronous
// acknowledgements, multiplexed over a single net.Conn.
//
// Frames are CBOR-encoded and streamed; a frame either carries an
// event (with a non-zero correlation id when the sender expects an
// acknowledgement) or an acknowledgement answering a previous id.
// Request handlers run in their own goroutine so a handler may block
// on downstream hardware without stalling the channel; fire-and-forget
// listeners registered with On run synchronously inside the read loop,
// which is what guarantees per-connection ordering of progress
// streams.
package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ErrClosed is returned by Request when the underlying connection
// closes before the acknowledgement arrives.
var ErrClosed = errors.New("wire: connection closed")

const (
	kindEvent = "evt"
	kindAck   = "ack"
)

// frame is the single unit of the protocol. Payload stays raw until a
// handler or requester decodes it into its own type.
type frame struct {
	Kind    string          `cbor:"kind"`
	Event   string          `cbor:"event,omitempty"`
	ID      uint64          `cbor:"id,omitempty"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// HandlerFunc answers a request event. The returned value is encoded
// as the acknowledgement payload; returning a nil value acknowledges
// with CBOR null. An error also acknowledges with null so the remote
// side never hangs, and is reported to the caller of Serve via the
// connection's error callback chain (the connection itself survives).
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// Subscription is the handle for a listener registered with On.
// Cancel is idempotent and safe to call concurrently with delivery.
type Subscription struct {
	conn  *Conn
	event string
	seq   uint64
}

// Cancel removes the listener. A listener that has already been
// replaced or cancelled is left untouched.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if cur, ok := s.conn.listeners[s.event]; ok && cur.seq == s.seq {
		delete(s.conn.listeners, s.event)
	}
}

type listener struct {
	seq uint64
	fn  func(payload []byte)
}

type pendingAck struct {
	ch chan cbor.RawMessage
}

// Conn is one duplex channel endpoint. All methods are safe for
// concurrent use.
type Conn struct {
	id string
	nc net.Conn

	writeMu sync.Mutex
	enc     *cbor.Encoder

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	listeners map[string]*listener
	pending   map[uint64]*pendingAck
	onClose   []func(err error)
	closed    bool
	closedCh  chan struct{}

	nextID  atomic.Uint64
	nextSub atomic.Uint64
}

// NewConn wraps an established net.Conn. The caller registers
// handlers and listeners, then calls Serve (usually in the accepting
// goroutine) to start dispatching frames.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		nc:        nc,
		enc:       encMode.NewEncoder(nc),
		handlers:  make(map[string]HandlerFunc),
		listeners: make(map[string]*listener),
		pending:   make(map[uint64]*pendingAck),
		closedCh:  make(chan struct{}),
	}
}

// ID is a per-connection identifier used for log correlation.
func (c *Conn) ID() string { return c.id }

// RemoteAddr reports the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Closed is closed once the read loop has exited.
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

// OnClose registers fn to run when the connection shuts down. If the
// connection is already closed, fn runs immediately.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(ErrClosed)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Handle registers the request handler for event, replacing any prior
// handler. Must not be called after Serve has delivered a frame for
// the same event; in practice all handlers are registered before
// Serve starts.
func (c *Conn) Handle(event string, h HandlerFunc) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// On registers a fire-and-forget listener for event. The listener is
// invoked synchronously in the read loop, so deliveries for one
// connection never reorder. A previous listener for the same event is
// replaced; at most one orchestration observes a station's progress
// stream at a time.
func (c *Conn) On(event string, fn func(payload []byte)) *Subscription {
	seq := c.nextSub.Add(1)
	c.mu.Lock()
	c.listeners[event] = &listener{seq: seq, fn: fn}
	c.mu.Unlock()
	return &Subscription{conn: c, event: event, seq: seq}
}

// Emit sends a fire-and-forget event.
func (c *Conn) Emit(event string, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode %q payload: %w", event, err)
	}
	return c.send(frame{Kind: kindEvent, Event: event, Payload: payload})
}

// Request sends an event expecting a single acknowledgement and
// decodes it into reply (which may be nil to discard the payload).
// It returns ErrClosed if the connection closes first, or the context
// error on cancellation/timeout.
func (c *Conn) Request(ctx context.Context, event string, v any, reply any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode %q payload: %w", event, err)
	}

	id := c.nextID.Add(1)
	pending := &pendingAck{ch: make(chan cbor.RawMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = pending
	c.mu.Unlock()

	if err := c.send(frame{Kind: kindEvent, Event: event, ID: id, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case ack := <-pending.ch:
		if reply == nil || len(ack) == 0 {
			return nil
		}
		if err := decMode.Unmarshal(ack, reply); err != nil {
			return fmt.Errorf("wire: decode %q ack: %w", event, err)
		}
		return nil
	case <-c.closedCh:
		return ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Serve reads and dispatches frames until the connection fails or is
// closed. It always returns a non-nil error describing why the
// channel ended (io.EOF wrapped for a clean peer close).
func (c *Conn) Serve(ctx context.Context) error {
	dec := decMode.NewDecoder(c.nc)
	var err error
	for {
		var f frame
		if err = dec.Decode(&f); err != nil {
			break
		}
		switch f.Kind {
		case kindAck:
			c.deliverAck(f)
		case kindEvent:
			c.dispatchEvent(ctx, f)
		}
	}
	c.shutdown(err)
	return err
}

// Close tears the connection down. Pending requests fail with
// ErrClosed once the read loop notices.
func (c *Conn) Close() error {
	return c.nc.Close()
}

func (c *Conn) deliverAck(f frame) {
	c.mu.Lock()
	pending, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if ok {
		pending.ch <- f.Payload
	}
}

func (c *Conn) dispatchEvent(ctx context.Context, f frame) {
	c.mu.Lock()
	l := c.listeners[f.Event]
	h := c.handlers[f.Event]
	c.mu.Unlock()

	if l != nil {
		l.fn(f.Payload)
		return
	}
	if h == nil {
		// Unknown event with an ack expected: answer null so the
		// sender does not wait forever.
		if f.ID != 0 {
			_ = c.send(frame{Kind: kindAck, ID: f.ID})
		}
		return
	}

	// Handlers may await hardware for the whole transaction, so they
	// run off the read loop.
	go func() {
		result, err := h(ctx, f.Payload)
		if f.ID == 0 {
			return
		}
		ack := frame{Kind: kindAck, ID: f.ID}
		if err == nil && result != nil {
			if payload, encErr := encMode.Marshal(result); encErr == nil {
				ack.Payload = payload
			}
		}
		_ = c.send(ack)
	}()
}

func (c *Conn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("wire: send %q: %w", f.Event, err)
	}
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	c.pending = make(map[uint64]*pendingAck)
	c.mu.Unlock()

	close(c.closedCh)
	_ = c.nc.Close()
	for _, fn := range callbacks {
		fn(cause)
	}
}

// Marshal encodes v with the protocol's encoder configuration. Used
// by tests and tools that need byte-identical payloads.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes a payload with the protocol's decoder
// configuration.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
