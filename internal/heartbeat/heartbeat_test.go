package heartbeat_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/heartbeat"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry/registrytest"
)

func register(reg *registry.Registry, ids ...string) []*registrytest.Conn {
	out := make([]*registrytest.Conn, 0, len(ids))
	for _, id := range ids {
		c := registrytest.NewConn(id, nil)
		reg.Register(c)
		out = append(out, c)
	}
	return out
}

func TestBeat_OnePingPerConnectionPerRoundWithFreshPayload(t *testing.T) {
	reg := registry.New()
	conns := register(reg, "a", "b", "c")
	hb := heartbeat.New(reg, nil, nil, heartbeat.Options{})

	for round := 1; round <= 3; round++ {
		sent, err := hb.Beat()
		require.NoError(t, err)
		assert.Equal(t, 3, sent)
		for _, c := range conns {
			require.Len(t, c.Pings(), round, "conn %s", c.ID())
		}
	}

	for _, c := range conns {
		pings := c.Pings()
		for i := range pings {
			assert.Len(t, pings[i], heartbeat.DefaultPayloadSize)
			if i > 0 {
				assert.NotEqual(t, pings[i-1], pings[i], "conn %s round %d reused payload", c.ID(), i)
			}
		}
	}
}

func TestBeat_FailureDoesNotUnregister(t *testing.T) {
	reg := registry.New()
	conns := register(reg, "a", "b")
	conns[0].SetFailing(true)
	m := metrics.New()
	hb := heartbeat.New(reg, nil, m, heartbeat.Options{})

	sent, err := hb.Beat()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, reg.Len())
	assert.Len(t, conns[1].Pings(), 1)
	assert.Equal(t, uint64(1), m.Get(metrics.HeartbeatPingFailed))
}

func TestBeat_PingFailureLoggedAtWarn(t *testing.T) {
	reg := registry.New()
	conns := register(reg, "a")
	conns[0].SetFailing(true)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	hb := heartbeat.New(reg, log, nil, heartbeat.Options{})

	_, err := hb.Beat()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), `msg="heartbeat ping failed"`)
	assert.Contains(t, buf.String(), "conn_id=a")
}

func TestBeat_RandomSourceFailure(t *testing.T) {
	reg := registry.New()
	conns := register(reg, "a")
	hb := heartbeat.New(reg, nil, nil, heartbeat.Options{Rand: bytes.NewReader(nil)})

	_, err := hb.Beat()
	require.Error(t, err)
	assert.Empty(t, conns[0].Pings())
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestRun_StopsOnContextCancel(t *testing.T) {
	reg := registry.New()
	conns := register(reg, "a")
	hb := heartbeat.New(reg, nil, nil, heartbeat.Options{PayloadSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conns[0].Pings()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, conns[0].Pings()[0], 4)
}

func TestRun_SurvivesRoundFailures(t *testing.T) {
	hb := heartbeat.New(registry.New(), nil, nil, heartbeat.Options{Rand: errReader{}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	hb.Run(ctx, time.Millisecond)
}
