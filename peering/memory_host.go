package peering

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ContextFunc boots a freshly spawned context on its host, typically
// by building a Router and calling Start.
type ContextFunc func(host Host) error

// MemoryNetwork is an in-process host fabric. Every context gets its
// own MemoryHost with a single delivery goroutine, so each context
// sees envelopes strictly one at a time. Envelopes are deep-copied
// between contexts: nothing that crosses a hop shares memory with the
// sender, same as a real process boundary.
type MemoryNetwork struct {
	mu        sync.Mutex
	logger    *zap.Logger
	factories map[string]ContextFunc
	hosts     []*MemoryHost
}

type MemoryNetworkOpt func(*MemoryNetwork)

func MemoryNetworkOptWithLogger(l *zap.Logger) MemoryNetworkOpt {
	return func(n *MemoryNetwork) {
		n.logger = l
	}
}

func NewMemoryNetwork(opts ...MemoryNetworkOpt) *MemoryNetwork {
	n := &MemoryNetwork{
		factories: make(map[string]ContextFunc),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	return n
}

// Register makes a locator spawnable. Contexts calling Spawn(locator)
// get a child host booted through fn.
func (n *MemoryNetwork) Register(locator string, fn ContextFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.factories[locator] = fn
}

// NewHost creates a top-level context with no opener.
func (n *MemoryNetwork) NewHost(name string) *MemoryHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newHost(name, nil)
}

func (n *MemoryNetwork) newHost(name string, parent *MemoryHost) *MemoryHost {
	h := &MemoryHost{
		network: n,
		name:    name,
		parent:  parent,
		logger:  n.logger.Named(fmt.Sprintf("MemHost-%s", name)),
		inbox:   make(chan memDelivery, 128),
		done:    make(chan struct{}),
	}
	n.hosts = append(n.hosts, h)
	go h.deliver()
	return h
}

// Close tears down every host on the network.
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	hosts := make([]*MemoryHost, len(n.hosts))
	copy(hosts, n.hosts)
	n.mu.Unlock()

	var err error
	for _, h := range hosts {
		err = multierr.Append(err, h.Close())
	}
	return err
}

var _ Host = (*MemoryHost)(nil)

// MemoryHost is one context's endpoint on a MemoryNetwork. The host
// itself is the Handle other contexts use to reach it.
type MemoryHost struct {
	network *MemoryNetwork
	name    string
	parent  *MemoryHost
	logger  *zap.Logger

	inbox chan memDelivery
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	handlers []*memHandler
}

type memHandler struct {
	event string
	fn    EventHandler
}

// memDelivery pairs an envelope with the host it arrived from, so the
// receiving context knows which endpoint is speaking.
type memDelivery struct {
	env  *Envelope
	from *MemoryHost
}

func (h *MemoryHost) Subscribe(event string, handler EventHandler) (func(), error) {
	if event != EventMessage {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	mh := &memHandler{event: event, fn: handler}
	h.mu.Lock()
	h.handlers = append(h.handlers, mh)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.handlers {
			if cur == mh {
				h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// Send enqueues a deep copy of the envelope on the target context.
// Fire and forget: a closed or saturated target silently loses the
// envelope, which is exactly what the routing layer is built to
// survive.
func (h *MemoryHost) Send(env *Envelope, target Handle) error {
	peer, ok := target.(*MemoryHost)
	if !ok {
		return errors.New("handle does not belong to a memory network")
	}
	clone, err := CloneEnvelope(env)
	if err != nil {
		return err
	}
	select {
	case <-peer.done:
		h.logger.Debug("dropping envelope to closed context",
			zap.String("target", peer.name))
		return nil
	default:
	}
	select {
	case peer.inbox <- memDelivery{env: clone, from: h}:
	default:
		h.logger.Warn("inbox full, dropping envelope",
			zap.String("target", peer.name),
			zap.String("action", env.Action.String()),
		)
	}
	return nil
}

// Spawn boots a registered locator as a child context of this one.
func (h *MemoryHost) Spawn(locator string) (Handle, error) {
	h.network.mu.Lock()
	fn, ok := h.network.factories[locator]
	if !ok {
		h.network.mu.Unlock()
		return nil, fmt.Errorf("no context registered for locator %q", locator)
	}
	child := h.network.newHost(locator, h)
	h.network.mu.Unlock()

	if err := fn(child); err != nil {
		child.Close()
		return nil, err
	}
	return child, nil
}

func (h *MemoryHost) Parent() (Handle, bool) {
	if h.parent == nil {
		return nil, false
	}
	return h.parent, true
}

func (h *MemoryHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	return nil
}

func (h *MemoryHost) deliver() {
	for {
		select {
		case <-h.done:
			return
		case d := <-h.inbox:
			h.mu.Lock()
			handlers := make([]*memHandler, len(h.handlers))
			copy(handlers, h.handlers)
			h.mu.Unlock()
			for _, mh := range handlers {
				mh.fn(d.env, d.from)
			}
		}
	}
}
