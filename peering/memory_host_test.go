package peering

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// registerRouter registers a locator whose context runs a router of the
// given type and reports the router back through got.
func registerRouter(net *MemoryNetwork, locator, typ string, got chan<- *Router) {
	net.Register(locator, func(host Host) error {
		r, err := NewRouter(RouterConfig{
			Type: typ,
			Host: host,
		}, RouterOptWithLogger(testLogger()))
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		got <- r
		return nil
	})
}

func TestMemoryNetworkSpawnHandshake(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	workerCh := make(chan *Router, 1)
	registerRouter(net, "worker.ctx", "worker", workerCh)

	parent, err := NewRouter(RouterConfig{
		Type: "main",
		Host: net.NewHost("main"),
	}, RouterOptWithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, parent.Start())

	s, err := parent.OpenSession("worker.ctx", "worker")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Status() == StatusReady
	}, time.Second, 5*time.Millisecond)

	worker := <-workerCh
	assert.Equal(t, worker.UUID(), s.UUID())
	assert.Equal(t, "worker", s.Type())

	// the reciprocal session on the child side is live too
	assert.Eventually(t, func() bool {
		ps := worker.GetSession("main")
		return ps != nil && ps.Status() == StatusReady
	}, time.Second, 5*time.Millisecond)
}

func TestMessagesFlowBothWays(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	workerCh := make(chan *Router, 1)
	toWorker := make(chan any, 4)
	net.Register("worker.ctx", func(host Host) error {
		r, err := NewRouter(RouterConfig{
			Type: "worker",
			Host: host,
		}, RouterOptWithLogger(testLogger()))
		if err != nil {
			return err
		}
		// installed before Start so the flushed message cannot race it
		r.SetOnMessage(func(data any) { toWorker <- data })
		if err := r.Start(); err != nil {
			return err
		}
		workerCh <- r
		return nil
	})

	parent, err := NewRouter(RouterConfig{
		Type: "main",
		Host: net.NewHost("main"),
	}, RouterOptWithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, parent.Start())

	fromWorker := make(chan any, 4)
	parent.SetOnMessage(func(data any) { fromWorker <- data })

	s, err := parent.OpenSession("worker.ctx", "worker")
	require.NoError(t, err)

	// buffered while connecting, flushed on READY
	require.NoError(t, s.SendMessage("ping", nil))

	worker := <-workerCh

	select {
	case data := <-toWorker:
		assert.Equal(t, "ping", data)
	case <-time.After(time.Second):
		t.Fatal("worker never received the buffered message")
	}

	ps := worker.GetSession("main")
	require.NotNil(t, ps)
	require.NoError(t, ps.SendMessage("pong", nil))

	select {
	case data := <-fromWorker:
		assert.Equal(t, "pong", data)
	case <-time.After(time.Second):
		t.Fatal("parent never received the reply")
	}
}

func TestMemoryHostCopiesPayloadAcrossHop(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	workerCh := make(chan *Router, 1)
	registerRouter(net, "worker.ctx", "worker", workerCh)

	parent, err := NewRouter(RouterConfig{
		Type: "main",
		Host: net.NewHost("main"),
	}, RouterOptWithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, parent.Start())

	s, err := parent.OpenSession("worker.ctx", "worker")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Status() == StatusReady
	}, time.Second, 5*time.Millisecond)

	worker := <-workerCh
	received := make(chan any, 1)
	worker.SetOnMessage(func(data any) { received <- data })

	payload := map[string]any{"v": "original"}
	require.NoError(t, s.SendMessage(payload, nil))
	// the sender keeps its own copy; the peer must not see this
	payload["v"] = "mutated"

	select {
	case data := <-received:
		m, ok := data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "original", m["v"])
	case <-time.After(time.Second):
		t.Fatal("worker never received the payload")
	}
}

func TestStarBroadcastReachesEveryLeafOnce(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	const leaves = 3
	leafCh := make(chan *Router, leaves)
	for i := 0; i < leaves; i++ {
		registerRouter(net, fmt.Sprintf("leaf-%d", i), fmt.Sprintf("leaf-%d", i), leafCh)
	}

	hub, err := NewRouter(RouterConfig{
		UUID: "hub",
		Type: "hub",
		Host: net.NewHost("hub"),
	}, RouterOptWithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, hub.Start())

	for i := 0; i < leaves; i++ {
		name := fmt.Sprintf("leaf-%d", i)
		s, err := hub.OpenSession(name, name)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return s.Status() == StatusReady
		}, time.Second, 5*time.Millisecond)
	}

	all := make([]*Router, 0, leaves)
	counts := make(map[string]*atomic.Int32)
	var hubCount atomic.Int32
	hub.SetOnBroadcast(func(any) { hubCount.Add(1) })
	for i := 0; i < leaves; i++ {
		r := <-leafCh
		all = append(all, r)
		c := &atomic.Int32{}
		counts[r.UUID()] = c
		r.SetOnBroadcast(func(any) { c.Add(1) })
	}

	sender := all[0]
	// wait for the reciprocal hub session before broadcasting
	require.Eventually(t, func() bool {
		return sender.SessionCount() == 1
	}, time.Second, 5*time.Millisecond)

	sender.Broadcast("news", nil)

	assert.Eventually(t, func() bool {
		for _, r := range all[1:] {
			if counts[r.UUID()].Load() != 1 {
				return false
			}
		}
		return hubCount.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// nothing echoes back and nothing loops
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), counts[sender.UUID()].Load())
	for _, r := range all[1:] {
		assert.Equal(t, int32(1), counts[r.UUID()].Load())
	}
	assert.Equal(t, int32(1), hubCount.Load())
}

func TestOpenSessionChainsAcrossTwoHops(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	var mu sync.Mutex
	var bRouter, cRouter *Router

	cCh := make(chan *Router, 1)
	registerRouter(net, "c.ctx", "cservice", cCh)

	net.Register("b.ctx", func(host Host) error {
		r, err := NewRouter(RouterConfig{
			Type: "bridge",
			Host: host,
		}, RouterOptWithLogger(testLogger()))
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		if _, err := r.OpenSession("c.ctx", "cservice"); err != nil {
			return err
		}
		mu.Lock()
		bRouter = r
		mu.Unlock()
		return nil
	})

	a, err := NewRouter(RouterConfig{
		Type: "main",
		Host: net.NewHost("a"),
	}, RouterOptWithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ab, err := a.OpenSession("b.ctx", "bridge")
	require.NoError(t, err)

	// wait until the whole a-b-c chain is up
	require.Eventually(t, func() bool {
		mu.Lock()
		b := bRouter
		mu.Unlock()
		if b == nil || ab.Status() != StatusReady {
			return false
		}
		bc := b.GetSession("cservice")
		return bc != nil && bc.Status() == StatusReady
	}, 2*time.Second, 5*time.Millisecond)

	cRouter = <-cCh
	gotAtC := make(chan any, 1)
	cRouter.SetOnMessage(func(data any) { gotAtC <- data })

	// a has never met c; discovery must chain through b
	ac, err := a.OpenSession("", "cservice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ac.Status() == StatusReady
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, cRouter.UUID(), ac.UUID())
	assert.Same(t, ab, ac.Gateway())

	require.NoError(t, ac.SendMessage("hello c", nil))
	select {
	case data := <-gotAtC:
		assert.Equal(t, "hello c", data)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed message never arrived")
	}

	// c materialized its own relay session back to a
	ca := cRouter.GetSession("main")
	require.NotNil(t, ca)
	assert.Equal(t, a.UUID(), ca.UUID())
	assert.NotNil(t, ca.Gateway())
}

// linkReady wires two routers as direct READY neighbors, as if their
// handshake already completed.
func linkReady(a *Router, ha Handle, b *Router, hb Handle) {
	sa := a.newSession()
	sa.uuid = b.uuid
	sa.typ = b.typ
	sa.handle = hb
	sa.status = StatusReady
	a.register(sa)

	sb := b.newSession()
	sb.uuid = a.uuid
	sb.typ = a.typ
	sb.handle = ha
	sb.status = StatusReady
	b.register(sb)
}

func TestCycleBroadcastTerminates(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	hosts := make([]*MemoryHost, 3)
	routers := make([]*Router, 3)
	counters := make([]atomic.Int32, 3)
	for i := range hosts {
		name := fmt.Sprintf("node-%d", i)
		hosts[i] = net.NewHost(name)
		r, err := NewRouter(RouterConfig{
			UUID: name,
			Type: name,
			Host: hosts[i],
		}, RouterOptWithLogger(testLogger()))
		require.NoError(t, err)
		require.NoError(t, r.Start())
		routers[i] = r
		i := i
		r.SetOnBroadcast(func(any) { counters[i].Add(1) })
	}

	// A-B, B-C, C-A
	linkReady(routers[0], hosts[0], routers[1], hosts[1])
	linkReady(routers[1], hosts[1], routers[2], hosts[2])
	linkReady(routers[2], hosts[2], routers[0], hosts[0])

	routers[0].Broadcast("around", nil)

	// B and C each get the direct copy plus one relayed copy; nobody
	// forwards to a peer already on the hop list, so the cycle dies out.
	assert.Eventually(t, func() bool {
		return counters[1].Load() == 2 && counters[2].Load() == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), counters[0].Load())
	assert.Equal(t, int32(2), counters[1].Load())
	assert.Equal(t, int32(2), counters[2].Load())
}

func TestSpawnUnknownLocatorFails(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	h := net.NewHost("solo")
	_, err := h.Spawn("nothing.registered")
	assert.Error(t, err)
}

func TestSendRejectsForeignHandle(t *testing.T) {
	net := NewMemoryNetwork()
	defer net.Close()

	h := net.NewHost("solo")
	err := h.Send(&Envelope{Action: ActionReady}, fakeHandle("nope"))
	assert.Error(t, err)
}
