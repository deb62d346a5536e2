// Package hosts tracks the connections that advertise themselves as hosts
// and keeps every connection's view of them current.
package hosts

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/wire"
)

const (
	DeclareType = "host"
	ListType    = "hosts"
)

type Entry struct {
	ID      string `json:"id"`
	Secured bool   `json:"secured"`
}

type host struct {
	conn  registry.Conn
	entry Entry
}

type Hosts struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *registry.Registry

	// sendMu orders every list push (broadcasts and single replies) so the
	// last list a connection receives reflects the latest host map.
	sendMu sync.Mutex

	mu    sync.Mutex
	hosts map[string]host
}

func New(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics) *Hosts {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hosts{
		log:     log,
		metrics: m,
		reg:     reg,
		hosts:   make(map[string]host),
	}
}

// Observe sends the host list to each new connection and withdraws a host
// when its connection closes.
func (h *Hosts) Observe(b *lifecycle.Builder) {
	b.OnConnect(lifecycle.PriorityHosts, "hosts", func(c registry.Conn) error {
		h.reply(c)
		return nil
	})
	b.OnDisconnect(lifecycle.PriorityHosts, "hosts", func(c registry.Conn, _ lifecycle.CloseReason) error {
		if h.remove(c) {
			h.Broadcast()
		}
		return nil
	})
}

func (h *Hosts) Routes() []dispatch.Route {
	return []dispatch.Route{
		dispatch.Handle(DeclareType, dispatch.Ignore, func(c registry.Conn, _ struct{}) {
			h.Declare(c)
		}),
		dispatch.Handle(ListType, dispatch.Ignore, func(c registry.Conn, _ struct{}) {
			h.reply(c)
		}),
	}
}

// Declare records c as a host and broadcasts the new list.
func (h *Hosts) Declare(c registry.Conn) {
	h.mu.Lock()
	h.hosts[c.ID()] = host{conn: c, entry: Entry{ID: c.ID()}}
	h.mu.Unlock()
	h.Broadcast()
}

func (h *Hosts) remove(c registry.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.hosts[c.ID()]
	if !ok || cur.conn != c {
		return false
	}
	delete(h.hosts, c.ID())
	return true
}

// List returns every host, sorted by id.
func (h *Hosts) List() []Entry {
	h.mu.Lock()
	out := make([]Entry, 0, len(h.hosts))
	for _, rec := range h.hosts {
		out = append(out, rec.entry)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast sends every registered connection the host list without itself.
func (h *Hosts) Broadcast() {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	list := h.List()
	for _, c := range h.reg.Snapshot() {
		h.sendTo(c, list)
	}
}

// reply sends c the current host list.
func (h *Hosts) reply(c registry.Conn) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	h.sendTo(c, h.List())
}

func (h *Hosts) sendTo(c registry.Conn, list []Entry) {
	frame, err := wire.Encode(ListType, exclude(list, c.ID()))
	if err != nil {
		h.log.Error("encode hosts", "conn_id", c.ID(), "err", err)
		return
	}
	if err := c.Send(frame); err != nil {
		h.metrics.Inc(metrics.BroadcastSendFailed)
		h.log.Warn("hosts send failed", "conn_id", c.ID(), "err", err)
	}
}

func exclude(list []Entry, id string) []Entry {
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
