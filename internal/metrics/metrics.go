package metrics

import "sync"

// Event names. Handlers count by these; the Prometheus exposition labels
// each counter with its name.
const (
	ConnOpened         = "conn_opened"
	ConnClosed         = "conn_closed"
	ConnRejectedOrigin = "conn_rejected_origin"

	FrameMalformed      = "frame_malformed"
	FrameUnknownType    = "frame_unknown_type"
	FramePayloadInvalid = "frame_payload_invalid"
	FrameNonText        = "frame_non_text"
	FrameRateLimited    = "frame_rate_limited"
	HandlerPanic        = "handler_panic"

	ObserverFailed = "observer_failed"

	RelayForwarded     = "relay_forwarded"
	RelayTargetMissing = "relay_target_missing"
	RelaySendFailed    = "relay_send_failed"

	BroadcastSendFailed = "broadcast_send_failed"

	SendQueueFull = "send_queue_full"

	HeartbeatRounds     = "heartbeat_rounds"
	HeartbeatPingFailed = "heartbeat_ping_failed"

	AssetsRebuilt     = "assets_rebuilt"
	AssetsBuildFailed = "assets_build_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
