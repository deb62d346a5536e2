// Package roster tells every connection who else is connected.
package roster

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
	MessageType  = "peers"
	NicknameAttr = "nickname"
)

type Entry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type Roster struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *registry.Registry

	// sendMu makes snapshot-then-send atomic so the last roster a
	// connection receives reflects the latest registry state.
	sendMu sync.Mutex
}

func New(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics) *Roster {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Roster{log: log, metrics: m, reg: reg}
}

// Observe pushes a fresh roster to everyone whenever a connection opens or
// closes.
func (r *Roster) Observe(b *lifecycle.Builder) {
	b.OnConnect(lifecycle.PriorityDefault, "roster", func(registry.Conn) error {
		r.Broadcast()
		return nil
	})
	b.OnDisconnect(lifecycle.PriorityDefault, "roster", func(registry.Conn, lifecycle.CloseReason) error {
		r.Broadcast()
		return nil
	})
}

func (r *Roster) Routes() []dispatch.Route {
	return []dispatch.Route{
		dispatch.Handle(MessageType, dispatch.Ignore, func(c registry.Conn, _ struct{}) {
			r.sendMu.Lock()
			defer r.sendMu.Unlock()
			r.sendTo(c, r.reg.Snapshot())
		}),
	}
}

// Broadcast sends every registered connection the roster without itself.
func (r *Roster) Broadcast() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	conns := r.reg.Snapshot()
	for _, c := range conns {
		r.sendTo(c, conns)
	}
}

func (r *Roster) sendTo(c registry.Conn, conns []registry.Conn) {
	frame, err := wire.Encode(MessageType, Entries(conns, c.ID()))
	if err != nil {
		r.log.Error("encode roster", "conn_id", c.ID(), "err", err)
		return
	}
	if err := c.Send(frame); err != nil {
		r.metrics.Inc(metrics.BroadcastSendFailed)
		r.log.Warn("roster send failed", "conn_id", c.ID(), "err", err)
	}
}

// Entries lists conns except the one with id exclude, sorted by id. A
// connection without a nickname attribute is listed with an empty nickname.
func Entries(conns []registry.Conn, exclude string) []Entry {
	out := make([]Entry, 0, len(conns))
	for _, c := range conns {
		if c.ID() == exclude {
			continue
		}
		nick, _ := c.Attr(NicknameAttr)
		out = append(out, Entry{ID: c.ID(), Nickname: nick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
