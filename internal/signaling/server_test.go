package signaling_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/heartbeat"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/hosts"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/roster"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/wire"
)

type stoppedClock struct{ now time.Time }

func (c stoppedClock) Now() time.Time { return c.now }

type harness struct {
	t       *testing.T
	reg     *registry.Registry
	metrics *metrics.Metrics
	srv     *signaling.Server
	ts      *httptest.Server
	closes  chan lifecycle.CloseReason
}

func newHarness(t *testing.T, mutate func(*signaling.Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		reg:     registry.New(),
		metrics: metrics.New(),
		closes:  make(chan lifecycle.CloseReason, 16),
	}

	b := lifecycle.NewBuilder(nil, h.metrics)
	b.Track(h.reg)
	hostsHandler := hosts.New(h.reg, nil, h.metrics)
	hostsHandler.Observe(b)
	rosterHandler := roster.New(h.reg, nil, h.metrics)
	rosterHandler.Observe(b)
	b.OnDisconnect(lifecycle.PriorityDefault, "test", func(_ registry.Conn, r lifecycle.CloseReason) error {
		h.closes <- r
		return nil
	})
	n, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var routes []dispatch.Route
	routes = append(routes, relay.New(h.reg, nil, h.metrics).Routes()...)
	routes = append(routes, rosterHandler.Routes()...)
	routes = append(routes, hostsHandler.Routes()...)
	d, err := dispatch.New(nil, h.metrics, routes...)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	var seq atomic.Int64
	cfg := signaling.Config{
		Notifier:   n,
		Dispatcher: d,
		Metrics:    h.metrics,
		NewID:      func() string { return fmt.Sprintf("c%d", seq.Add(1)) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := signaling.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.srv = srv

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	h.ts = httptest.NewServer(mux)
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) url(query string) string {
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + signaling.DefaultPath
	if query != "" {
		u += "?" + query
	}
	return u
}

func (h *harness) dial(query string) *websocket.Conn {
	h.t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url(query), nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitRegistered waits for n connections so that later frames are not racing
// the connect observers.
func (h *harness) waitRegistered(n int) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.reg.Len() != n {
		if time.Now().After(deadline) {
			h.t.Fatalf("registry len=%d, want %d", h.reg.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) nextClose() lifecycle.CloseReason {
	h.t.Helper()
	select {
	case r := <-h.closes:
		return r
	case <-time.After(3 * time.Second):
		h.t.Fatalf("timeout waiting for disconnect")
		return lifecycle.CloseReason{}
	}
}

// expect reads until a frame of type typ arrives.
func expect(t *testing.T, c *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msgType != websocket.TextMessage {
			t.Fatalf("message type=%d, want text", msgType)
		}
		env, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if env.Type == typ && (match == nil || match(env.Payload)) {
			return env.Payload
		}
	}
}

func rosterIs(ids ...string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var entries []roster.Entry
		if err := json.Unmarshal(raw, &entries); err != nil || len(entries) != len(ids) {
			return false
		}
		for i, e := range entries {
			if e.ID != ids[i] {
				return false
			}
		}
		return true
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSignaling_RosterAndRelayEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	alice := h.dial("nickname=alice&nickname=ignored")
	expect(t, alice, "hosts", nil)
	expect(t, alice, "peers", rosterIs())

	bob := h.dial("nickname=bob")
	h.waitRegistered(2)

	payload := expect(t, alice, "peers", rosterIs("c2"))
	var entries []roster.Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if entries[0].Nickname != "bob" {
		t.Fatalf("nickname=%q, want %q", entries[0].Nickname, "bob")
	}

	payload = expect(t, bob, "peers", rosterIs("c1"))
	if err := json.Unmarshal(payload, &entries); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if entries[0].Nickname != "alice" {
		t.Fatalf("nickname=%q, want first query value %q", entries[0].Nickname, "alice")
	}

	send(t, alice, `offer

{"id":"c2","description":{"type":"offer","sdp":"v=0"}}`)
	got := expect(t, bob, "offer", nil)

	var offer struct {
		ID          string          `json:"id"`
		Description json.RawMessage `json:"description"`
	}
	if err := json.Unmarshal(got, &offer); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if offer.ID != "c1" {
		t.Fatalf("offer id=%q, want sender %q", offer.ID, "c1")
	}
	if string(offer.Description) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("description=%s", offer.Description)
	}
}

func TestSignaling_HostBroadcastAndDisconnect(t *testing.T) {
	h := newHarness(t, nil)

	a := h.dial("")
	b := h.dial("")
	h.waitRegistered(2)

	send(t, a, "host\n\n{}")
	expect(t, b, "hosts", func(raw json.RawMessage) bool {
		return string(raw) == `[{"id":"c1","secured":false}]`
	})

	c := h.dial("")
	expect(t, c, "hosts", func(raw json.RawMessage) bool {
		return string(raw) == `[{"id":"c1","secured":false}]`
	})

	if err := a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	reason := h.nextClose()
	if reason.Code != websocket.CloseNormalClosure || reason.Text != "bye" {
		t.Fatalf("reason=%+v, want 1000 bye", reason)
	}
	expect(t, b, "hosts", func(raw json.RawMessage) bool { return string(raw) == `[]` })
	expect(t, c, "hosts", func(raw json.RawMessage) bool { return string(raw) == `[]` })
}

func TestSignaling_UnknownAndMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("")
	expect(t, a, "hosts", nil)
	expect(t, a, "peers", rosterIs())

	send(t, a, "mystery\n\n{}")
	send(t, a, "no separator")
	send(t, a, "offer\n\n{\"description\":1}")
	if err := a.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	send(t, a, "peers\n\n{}")

	expect(t, a, "peers", rosterIs())
	if got := h.metrics.Get(metrics.FrameUnknownType); got != 1 {
		t.Fatalf("unknown=%d, want 1", got)
	}
	if got := h.metrics.Get(metrics.FrameMalformed); got != 1 {
		t.Fatalf("malformed=%d, want 1", got)
	}
	if got := h.metrics.Get(metrics.FramePayloadInvalid); got != 1 {
		t.Fatalf("invalid=%d, want 1", got)
	}
	if got := h.metrics.Get(metrics.FrameNonText); got != 1 {
		t.Fatalf("non-text=%d, want 1", got)
	}
}

func TestSignaling_RateLimitDropsWithoutClosing(t *testing.T) {
	h := newHarness(t, func(cfg *signaling.Config) {
		cfg.MessagesPerSecond = 1
		cfg.Clock = stoppedClock{now: time.Unix(0, 0)}
	})
	a := h.dial("")
	h.waitRegistered(1)
	expect(t, a, "peers", rosterIs())

	send(t, a, "hosts\n\n{}")
	send(t, a, "hosts\n\n{}")
	send(t, a, "hosts\n\n{}")
	expect(t, a, "hosts", nil)

	deadline := time.Now().Add(2 * time.Second)
	for h.metrics.Get(metrics.FrameRateLimited) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("rate limited=%d, want 2", h.metrics.Get(metrics.FrameRateLimited))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("connection was dropped by the rate limiter")
	}
}

func TestSignaling_OversizeMessageCloses(t *testing.T) {
	h := newHarness(t, func(cfg *signaling.Config) { cfg.MaxMessageBytes = 64 })
	a := h.dial("")
	h.waitRegistered(1)

	send(t, a, "peers\n\n"+strings.Repeat(" ", 128))
	reason := h.nextClose()
	if reason.Code != websocket.CloseMessageTooBig {
		t.Fatalf("code=%d, want %d", reason.Code, websocket.CloseMessageTooBig)
	}
	h.waitRegistered(0)
}

func TestSignaling_OriginPolicy(t *testing.T) {
	policy, err := origin.NewPolicy([]string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	h := newHarness(t, func(cfg *signaling.Config) { cfg.Origins = policy })

	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url(""), hdr)
	if err == nil {
		t.Fatalf("expected handshake to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if got := h.metrics.Get(metrics.ConnRejectedOrigin); got != 1 {
		t.Fatalf("rejected=%d, want 1", got)
	}

	hdr.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(h.url(""), hdr)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestSignaling_HeartbeatPingsReachClient(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial("")
	h.waitRegistered(1)

	pings := make(chan string, 4)
	a.SetPingHandler(func(data string) error {
		pings <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := a.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hb := heartbeat.New(h.reg, nil, nil, heartbeat.Options{})
	var seen []string
	for i := 0; i < 2; i++ {
		if _, err := hb.Beat(); err != nil {
			t.Fatalf("Beat: %v", err)
		}
		select {
		case p := <-pings:
			if len(p) != heartbeat.DefaultPayloadSize {
				t.Fatalf("ping payload len=%d, want %d", len(p), heartbeat.DefaultPayloadSize)
			}
			seen = append(seen, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for ping %d", i)
		}
	}
	if seen[0] == seen[1] {
		t.Fatalf("ping payload reused across rounds")
	}
}

func TestSignaling_IdleTimeoutClosesWithoutPong(t *testing.T) {
	h := newHarness(t, func(cfg *signaling.Config) { cfg.IdleTimeout = 300 * time.Millisecond })
	a := h.dial("")
	a.SetPingHandler(func(string) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go heartbeat.New(h.reg, nil, nil, heartbeat.Options{}).Run(ctx, 50*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := a.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
	h.nextClose()
}

func TestSignaling_PongKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, func(cfg *signaling.Config) { cfg.IdleTimeout = 300 * time.Millisecond })
	a := h.dial("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go heartbeat.New(h.reg, nil, nil, heartbeat.Options{}).Run(ctx, 50*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		for {
			// The default ping handler answers with a pong.
			if _, _, err := a.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(time.Second):
	}
	if h.reg.Len() != 1 {
		t.Fatalf("registry len=%d, want 1", h.reg.Len())
	}
}

func TestSignaling_ShutdownClosesWithGoingAway(t *testing.T) {
	h := newHarness(t, nil)
	conns := []*websocket.Conn{h.dial(""), h.dial("")}
	h.waitRegistered(2)

	var wg sync.WaitGroup
	errs := make(chan error, len(conns))
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("client err=%v, want 1001", err)
		}
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry len=%d after shutdown, want 0", h.reg.Len())
	}
	if h.srv.Len() != 0 {
		t.Fatalf("server len=%d after shutdown, want 0", h.srv.Len())
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.url(""), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after shutdown: err=%v resp=%v, want 503", err, resp)
	}
}
