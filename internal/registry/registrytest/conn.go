// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"errors"
	"sync"
)

// ErrSendFailed is returned by Send and Ping when the Conn is set to fail.
var ErrSendFailed = errors.New("registrytest: send failed")

// Conn records every frame and ping it is given.
type Conn struct {
	id    string
	attrs map[string]string

	mu     sync.Mutex
	frames [][]byte
	pings  [][]byte
	fail   bool
	hold   *gate
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func NewConn(id string, attrs map[string]string) *Conn {
	return &Conn{id: id, attrs: attrs}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Attr(key string) (string, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	g := c.hold
	c.hold = nil
	c.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrSendFailed
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *Conn) Ping(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrSendFailed
	}
	c.pings = append(c.pings, append([]byte(nil), payload...))
	return nil
}

// HoldNextSend makes the next Send block until release is called. entered
// is closed once that Send has started.
func (c *Conn) HoldNextSend() (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	c.mu.Lock()
	c.hold = g
	c.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// SetFailing makes subsequent Send and Ping calls return ErrSendFailed.
func (c *Conn) SetFailing(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *Conn) Pings() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pings...)
}

// Reset forgets recorded frames and pings.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.pings = nil
	c.mu.Unlock()
}
