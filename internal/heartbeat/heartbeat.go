// Package heartbeat pings every open connection on a fixed interval.
//
// The heartbeat only probes. Detecting a dead peer is the transport's job
// (it stops seeing pongs and its read deadline expires), so a failed ping
// never removes or closes a connection here.
package heartbeat

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
)

const (
	DefaultInterval    = time.Second
	DefaultPayloadSize = 8
)

type Options struct {
	// PayloadSize is the number of random bytes in each probe.
	PayloadSize int
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

type Heartbeat struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	reg     *registry.Registry
	opts    Options
}

func New(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics, opts Options) *Heartbeat {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PayloadSize <= 0 {
		opts.PayloadSize = DefaultPayloadSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Heartbeat{log: log, metrics: m, reg: reg, opts: opts}
}

// Beat pings every connection in a registry snapshot with one payload shared
// by the round and returns the number of pings that were queued.
func (h *Heartbeat) Beat() (int, error) {
	payload := make([]byte, h.opts.PayloadSize)
	if _, err := io.ReadFull(h.opts.Rand, payload); err != nil {
		return 0, fmt.Errorf("heartbeat: read payload: %w", err)
	}
	h.metrics.Inc(metrics.HeartbeatRounds)

	sent := 0
	for _, c := range h.reg.Snapshot() {
		if err := c.Ping(payload); err != nil {
			h.metrics.Inc(metrics.HeartbeatPingFailed)
			h.log.Warn("heartbeat ping failed", "conn_id", c.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Run calls Beat every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Beat(); err != nil {
				h.log.Error("heartbeat round failed", "err", err)
			}
		}
	}
}
