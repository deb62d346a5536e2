// Package lifecycle fans connection open/close events out to an ordered list
// of observers.
//
// The order is fixed when the Notifier is built: observers are sorted by
// priority (lower first), ties keep registration order. The registry's own
// observers always run first so every later observer sees a registry that
// already reflects the event.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
)

const (
	PriorityRegistry = 0
	PriorityHosts    = 10
	PriorityDefault  = 100
)

var (
	ErrPriorityBelowRegistry = errors.New("lifecycle: observer priority below registry")
	ErrNilObserver           = errors.New("lifecycle: nil observer")
)

// CloseReason is the transport status a connection closed with.
type CloseReason struct {
	Code int
	Text string
}

type (
	ConnectFunc    func(c registry.Conn) error
	DisconnectFunc func(c registry.Conn, reason CloseReason) error
)

type observer[F any] struct {
	name     string
	priority int
	pinned   bool
	seq      int
	missing  bool
	fn       F
}

type Builder struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	seq        int
	connect    []observer[ConnectFunc]
	disconnect []observer[DisconnectFunc]
}

func NewBuilder(log *slog.Logger, m *metrics.Metrics) *Builder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{log: log, metrics: m}
}

func (b *Builder) OnConnect(priority int, name string, fn ConnectFunc) {
	b.seq++
	b.connect = append(b.connect, observer[ConnectFunc]{name: name, priority: priority, seq: b.seq, missing: fn == nil, fn: fn})
}

func (b *Builder) OnDisconnect(priority int, name string, fn DisconnectFunc) {
	b.seq++
	b.disconnect = append(b.disconnect, observer[DisconnectFunc]{name: name, priority: priority, seq: b.seq, missing: fn == nil, fn: fn})
}

// Track installs reg's observers. They run ahead of every other observer,
// including ones registered at PriorityRegistry.
func (b *Builder) Track(reg *registry.Registry) {
	b.seq++
	b.connect = append(b.connect, observer[ConnectFunc]{
		name:     "registry",
		priority: PriorityRegistry,
		pinned:   true,
		seq:      b.seq,
		fn: func(c registry.Conn) error {
			reg.Register(c)
			return nil
		},
	})
	b.disconnect = append(b.disconnect, observer[DisconnectFunc]{
		name:     "registry",
		priority: PriorityRegistry,
		pinned:   true,
		seq:      b.seq,
		fn: func(c registry.Conn, _ CloseReason) error {
			reg.Unregister(c)
			return nil
		},
	})
}

func (b *Builder) Build() (*Notifier, error) {
	connect, err := ordered(b.connect)
	if err != nil {
		return nil, err
	}
	disconnect, err := ordered(b.disconnect)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		log:        b.log,
		metrics:    b.metrics,
		connect:    connect,
		disconnect: disconnect,
	}, nil
}

func ordered[F any](in []observer[F]) ([]observer[F], error) {
	out := make([]observer[F], len(in))
	copy(out, in)
	for _, o := range out {
		if o.priority < PriorityRegistry {
			return nil, fmt.Errorf("%w: %q has priority %d", ErrPriorityBelowRegistry, o.name, o.priority)
		}
		if o.missing {
			return nil, fmt.Errorf("%w: %q", ErrNilObserver, o.name)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].pinned != out[j].pinned {
			return out[i].pinned
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out, nil
}

// Notifier runs observers synchronously on the caller's goroutine.
//
// An observer that fails or panics is logged and counted; the remaining
// observers still run and the connection is left open.
type Notifier struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	connect    []observer[ConnectFunc]
	disconnect []observer[DisconnectFunc]
}

func (n *Notifier) Connect(c registry.Conn) {
	for _, o := range n.connect {
		n.run("connect", o.name, c, func() error { return o.fn(c) })
	}
}

func (n *Notifier) Disconnect(c registry.Conn, reason CloseReason) {
	for _, o := range n.disconnect {
		n.run("disconnect", o.name, c, func() error { return o.fn(c, reason) })
	}
}

// Observers returns the names of the connect and disconnect observers in the
// order they run.
func (n *Notifier) Observers() (connect, disconnect []string) {
	for _, o := range n.connect {
		connect = append(connect, o.name)
	}
	for _, o := range n.disconnect {
		disconnect = append(disconnect, o.name)
	}
	return connect, disconnect
}

func (n *Notifier) run(event, name string, c registry.Conn, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			n.metrics.Inc(metrics.ObserverFailed)
			n.log.Error("lifecycle observer panicked",
				"event", event, "observer", name, "conn_id", c.ID(), "panic", rec)
		}
	}()
	if err := fn(); err != nil {
		n.metrics.Inc(metrics.ObserverFailed)
		n.log.Warn("lifecycle observer failed",
			"event", event, "observer", name, "conn_id", c.ID(), "err", err)
	}
}
