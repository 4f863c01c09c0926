// Package eventstest provides an in-memory push connection for tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/me/invokeflow/pkg/events"
)

// Emit records one message sent by the client.
type Emit struct {
	Event   string
	Payload any
}

// Conn is an events.Conn whose server side is driven by the test.
type Conn struct {
	mu       sync.Mutex
	handlers map[string][]func(any)
	emits    []Emit
	closed   bool
}

// NewConn returns an open fake connection.
func NewConn() *Conn {
	return &Conn{handlers: make(map[string][]func(any))}
}

func (c *Conn) On(event string, handler func(payload any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Conn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, Emit{Event: event, Payload: payload})
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Deliver invokes the registered handlers for event synchronously, as if
// the server had pushed payload.
func (c *Conn) Deliver(event string, payload any) {
	c.mu.Lock()
	hs := append([]func(any){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

// Emits returns the messages sent so far.
func (c *Conn) Emits() []Emit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emit(nil), c.emits...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out fresh fake connections and remembers them.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	// OnDial, when set, runs for every new connection before it is returned.
	OnDial func(*Conn)
}

// Dial implements events.Dialer.
func (d *Dialer) Dial(ctx context.Context, serverURL string) (events.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
