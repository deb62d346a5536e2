package hosts_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/hosts"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry/registrytest"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/wire"
)

type fixture struct {
	n *lifecycle.Notifier
	d *dispatch.Dispatcher
	h *hosts.Hosts
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	h := hosts.New(reg, nil, nil)

	b := lifecycle.NewBuilder(nil, nil)
	b.Track(reg)
	h.Observe(b)
	n, err := b.Build()
	require.NoError(t, err)

	d, err := dispatch.New(nil, nil, h.Routes()...)
	require.NoError(t, err)
	return &fixture{n: n, d: d, h: h}
}

func (f *fixture) connect(ids ...string) []*registrytest.Conn {
	out := make([]*registrytest.Conn, 0, len(ids))
	for _, id := range ids {
		c := registrytest.NewConn(id, nil)
		f.n.Connect(c)
		out = append(out, c)
	}
	for _, c := range out {
		c.Reset()
	}
	return out
}

func hostLists(t *testing.T, c *registrytest.Conn) [][]hosts.Entry {
	t.Helper()
	var out [][]hosts.Entry
	for _, frame := range c.Frames() {
		env, err := wire.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, hosts.ListType, env.Type)
		var list []hosts.Entry
		require.NoError(t, json.Unmarshal(env.Payload, &list))
		out = append(out, list)
	}
	return out
}

func TestHosts_DeclarationBroadcastsFilteredLists(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b", "c")
	a, b, c := conns[0], conns[1], conns[2]

	require.NoError(t, f.d.Dispatch(b, []byte("host\n\n{}")))
	for _, conn := range conns {
		conn.Reset()
	}
	require.NoError(t, f.d.Dispatch(a, []byte("host\n\n{}")))

	assert.Equal(t, [][]hosts.Entry{{{ID: "b"}}}, hostLists(t, a))
	assert.Equal(t, [][]hosts.Entry{{{ID: "a"}}}, hostLists(t, b))
	assert.Equal(t, [][]hosts.Entry{{{ID: "a"}, {ID: "b"}}}, hostLists(t, c))
}

func TestHosts_RedeclarationOverwrites(t *testing.T) {
	f := setup(t)
	f.connect("a")
	a := registrytest.NewConn("a", nil)

	f.h.Declare(a)
	f.h.Declare(a)
	assert.Equal(t, []hosts.Entry{{ID: "a", Secured: false}}, f.h.List())
}

func TestHosts_HostDisconnectBroadcastsToRemaining(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b", "c")
	a, b, c := conns[0], conns[1], conns[2]
	require.NoError(t, f.d.Dispatch(a, []byte("host\n\n{}")))
	b.Reset()
	c.Reset()

	f.n.Disconnect(a, lifecycle.CloseReason{Code: 1000})

	assert.Equal(t, [][]hosts.Entry{{}}, hostLists(t, b))
	assert.Equal(t, [][]hosts.Entry{{}}, hostLists(t, c))
	assert.Empty(t, f.h.List())
}

func TestHosts_NonHostDisconnectIsNoop(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b")
	a, b := conns[0], conns[1]

	f.n.Disconnect(b, lifecycle.CloseReason{Code: 1000})

	assert.Empty(t, a.Frames())
}

func TestHosts_StaleHandleDisconnectKeepsEntry(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b")
	a, b := conns[0], conns[1]
	f.h.Declare(a)
	b.Reset()

	f.n.Disconnect(registrytest.NewConn("a", nil), lifecycle.CloseReason{Code: 1006})

	assert.Equal(t, []hosts.Entry{{ID: "a"}}, f.h.List())
	assert.Empty(t, b.Frames())
}

func TestHosts_RequestRepliesToRequesterOnly(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b")
	a, b := conns[0], conns[1]
	f.h.Declare(a)
	f.h.Declare(b)
	a.Reset()
	b.Reset()

	require.NoError(t, f.d.Dispatch(a, []byte("hosts\n\n{}")))

	assert.Equal(t, [][]hosts.Entry{{{ID: "b"}}}, hostLists(t, a))
	assert.Empty(t, b.Frames())
}

func TestHosts_NewConnectionReceivesCurrentHosts(t *testing.T) {
	f := setup(t)
	conns := f.connect("a")
	f.h.Declare(conns[0])

	d := registrytest.NewConn("d", nil)
	f.n.Connect(d)

	assert.Equal(t, [][]hosts.Entry{{{ID: "a"}}}, hostLists(t, d))
}

func TestHosts_WireFormat(t *testing.T) {
	f := setup(t)
	conns := f.connect("a", "b")
	a, b := conns[0], conns[1]
	f.h.Declare(a)

	frames := b.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, `hosts

[{"id":"a","secured":false}]`, string(frames[0]))
}

func TestHosts_ConnectPushDoesNotOvertakeLaterBroadcast(t *testing.T) {
	f := setup(t)
	a := f.connect("a")[0]

	d := registrytest.NewConn("d", nil)
	entered, release := d.HoldNextSend()
	defer release()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.n.Connect(d)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connect push never reached d")
	}

	go func() {
		defer wg.Done()
		f.h.Declare(a)
	}()
	// Give the declaration broadcast time to overtake the held push if it can.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	lists := hostLists(t, d)
	require.NotEmpty(t, lists)
	assert.Equal(t, []hosts.Entry{{ID: "a"}}, lists[len(lists)-1])
}
