package peering

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tentone/tabtalk/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Router owns this context's identity and its table of direct peer
// sessions. It dispatches inbound envelopes, runs discovery and
// broadcast, and is the public API of the package.
//
// Dispatch and the public API serialize on one mutex, mirroring the
// one-event-at-a-time delivery contract of the host. User callbacks
// run on the delivery goroutine after the lock is released, so a
// handler may freely call back into the router, e.g. to reply.
type Router struct {
	uuid string
	typ  string

	host   Host
	binder *Binder
	logger *zap.Logger

	mu sync.Mutex

	// sessions holds every identified peer, keyed by uuid, in
	// insertion order. pending holds sessions whose peer has not
	// announced its identity yet (spawned children, the opener).
	sessions *util.OrderedMap[string, *Session]
	pending  []*Session

	collectors []*lookupCollector
	parent     *Session
	seq        int

	// user callbacks queued while the lock is held, run after release
	deferred []func()

	onMessage   func(data any)
	onBroadcast func(data any)
}

type RouterConfig struct {
	// UUID identifies this context. Generated when empty.
	UUID string
	// Type is this context's self-declared role, e.g. "hub" or "worker".
	Type string
	Host Host
}

type RouterOpt func(*Router)

func RouterOptWithLogger(l *zap.Logger) RouterOpt {
	return func(r *Router) {
		r.logger = l
	}
}

func NewRouter(config RouterConfig, opts ...RouterOpt) (*Router, error) {
	if config.Host == nil {
		return nil, errors.New("router requires a host")
	}
	if config.UUID == "" {
		config.UUID = uuid.NewString()
	}
	if config.Type == "" {
		config.Type = "peer"
	}

	r := &Router{
		uuid:     config.UUID,
		typ:      config.Type,
		host:     config.Host,
		binder:   NewBinder(),
		sessions: util.NewOrderedMap[string, *Session](),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		r.logger = l
	}
	r.logger = r.logger.Named(fmt.Sprintf("Router-%s", config.Type))

	return r, nil
}

func (r *Router) UUID() string { return r.uuid }
func (r *Router) Type() string { return r.typ }

// Start attaches the router to its host's message event and, if this
// context was spawned by another, opens the reciprocal session to the
// opener.
func (r *Router) Start() error {
	r.binder.Add(r.host, EventMessage, r.Dispatch)
	if err := r.binder.Create(); err != nil {
		return err
	}
	r.CheckOpener()
	return nil
}

// CheckOpener eagerly builds the session back to the context that
// spawned this one, acknowledging so the opener learns our identity.
// Returns nil when there is no opener.
func (r *Router) CheckOpener() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parent != nil {
		return r.parent
	}
	handle, ok := r.host.Parent()
	if !ok {
		return nil
	}
	s := r.newSession()
	s.handle = handle
	s.waitReady()
	r.pending = append(r.pending, s)
	r.parent = s
	if err := s.acknowledge(); err != nil {
		r.logger.Warn("failed to acknowledge opener", zap.Error(err))
	}
	return s
}

// SetOnMessage installs the global message callback. Single slot:
// assigning replaces any previous handler.
func (r *Router) SetOnMessage(fn func(data any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

// SetOnBroadcast installs the global broadcast callback, replacing any
// previous handler.
func (r *Router) SetOnBroadcast(fn func(data any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBroadcast = fn
}

// Dispatch processes one inbound envelope to completion. source is
// the handle the envelope arrived on; hosts supply it, and it is what
// ties a READY to the right half-open session. The host delivers
// envelopes one at a time; Dispatch is safe to use directly as an
// EventHandler.
func (r *Router) Dispatch(env *Envelope, source Handle) {
	r.mu.Lock()
	r.dispatch(env, source)
	r.mu.Unlock()
	r.runDeferred()
}

// enqueue schedules a user callback to run once the lock is released.
func (r *Router) enqueue(fn func()) {
	r.deferred = append(r.deferred, fn)
}

// runDeferred drains queued user callbacks. Must be called without
// the lock held.
func (r *Router) runDeferred() {
	for {
		r.mu.Lock()
		calls := r.deferred
		r.deferred = nil
		r.mu.Unlock()
		if len(calls) == 0 {
			return
		}
		for _, fn := range calls {
			fn()
		}
	}
}

func (r *Router) dispatch(env *Envelope, source Handle) {
	// Addressed to somebody else: relay verbatim plus our hop mark.
	// Never interpreted locally. A drop leaves the envelope untouched.
	if env.DestinationUUID != "" && env.DestinationUUID != r.uuid {
		target, ok := r.sessions.Get(env.DestinationUUID)
		if !ok {
			r.logger.Debug("dropping envelope for unknown destination",
				zap.String("destination", env.DestinationUUID),
				zap.String("action", env.Action.String()),
			)
			return
		}
		env.Hops = append(env.Hops, r.uuid)
		if err := target.send(env); err != nil {
			r.logger.Warn("relay failed", zap.Error(err))
		}
		return
	}

	switch env.Action {
	case ActionReady:
		r.handleReady(env, source)
	case ActionClosed:
		r.handleClosed(env)
	case ActionLookup:
		r.handleLookup(env)
	case ActionLookupFound, ActionLookupNotFound:
		r.handleLookupReply(env)
	case ActionConnect:
		r.handleConnect(env)
	case ActionBroadcast:
		r.handleBroadcast(env)
	case ActionMessage:
		r.handleMessage(env)
	default:
		r.logger.Debug("dropping envelope with unknown action",
			zap.Int("action", int(env.Action)),
			zap.String("origin", env.OriginUUID),
		)
	}
}

// handleReady completes a handshake. The peer is located by uuid, or,
// for peers that never told us their identity yet, by the endpoint
// the READY physically arrived on. Arrival order is useless here: a
// bridge context holds an opener session and a freshly spawned child
// pending at the same time, and adopting by age would swap their
// handles.
func (r *Router) handleReady(env *Envelope, source Handle) {
	if s, ok := r.sessions.Get(env.OriginUUID); ok {
		s.markReady(env.OriginUUID, env.OriginType)
		return
	}
	for _, s := range r.pending {
		if s.uuid == "" && s.status == StatusWaitingReady &&
			s.handle != nil && s.handle == source {
			s.markReady(env.OriginUUID, env.OriginType)
			return
		}
	}
	r.logger.Debug("dropping READY from unknown origin",
		zap.String("origin", env.OriginUUID))
}

func (r *Router) handleClosed(env *Envelope) {
	s, ok := r.sessions.Get(env.OriginUUID)
	if !ok {
		r.logger.Debug("dropping CLOSED from unknown origin",
			zap.String("origin", env.OriginUUID))
		return
	}
	if s.onClose != nil {
		r.enqueue(s.onClose)
	}
	s.status = StatusClosed
	r.remove(s)
}

// handleLookup answers a neighbor's peer-by-type query: first session
// of the sought type wins, in table order.
func (r *Router) handleLookup(env *Envelope) {
	var match *Session
	for _, s := range r.sessions.Values() {
		if s.typ == env.DestinationType {
			match = s
			break
		}
	}

	reply := r.newEnvelope(ActionLookupNotFound)
	if match != nil {
		reply = r.newEnvelope(ActionLookupFound)
		reply.Data = PeerInfo{UUID: match.uuid, Type: match.typ}
	}
	reply.DestinationUUID = env.OriginUUID
	reply.DestinationType = env.OriginType

	requester, ok := r.sessions.Get(env.OriginUUID)
	if !ok {
		r.logger.Debug("dropping lookup reply for unknown requester",
			zap.String("origin", env.OriginUUID))
		return
	}
	if err := requester.send(reply); err != nil {
		r.logger.Warn("lookup reply failed", zap.Error(err))
	}
}

// handleConnect materializes a relay session for a peer that reached
// us through intermediates. The last hop is the neighbor the envelope
// arrived through; it becomes the gateway.
func (r *Router) handleConnect(env *Envelope) {
	if len(env.Hops) == 0 {
		r.logger.Debug("dropping CONNECT with empty hops",
			zap.String("origin", env.OriginUUID))
		return
	}
	gatewayUUID := env.Hops[len(env.Hops)-1]
	gateway, ok := r.sessions.Get(gatewayUUID)
	if !ok {
		r.logger.Debug("dropping CONNECT through unknown gateway",
			zap.String("gateway", gatewayUUID),
			zap.String("origin", env.OriginUUID),
		)
		return
	}

	s := r.newSession()
	s.uuid = env.OriginUUID
	s.typ = env.OriginType
	s.gateway = gateway
	s.waitReady()
	r.register(s)
	if err := s.acknowledge(); err != nil {
		r.logger.Warn("failed to acknowledge CONNECT", zap.Error(err))
	}
}

// handleBroadcast delivers locally then re-forwards to every neighbor
// that is neither the originator nor already on the hop list. The hop
// check is what keeps cyclic topologies from re-broadcasting forever.
func (r *Router) handleBroadcast(env *Envelope) {
	if r.onBroadcast != nil {
		fn, data := r.onBroadcast, env.Data
		r.enqueue(func() { fn(data) })
	}
	env.Hops = append(env.Hops, r.uuid)
	for _, s := range r.sessions.Values() {
		if s.uuid == env.OriginUUID || env.HasHop(s.uuid) {
			continue
		}
		if s.onBroadcast != nil {
			fn, data := s.onBroadcast, env.Data
			r.enqueue(func() { fn(data) })
		}
		if err := s.send(env); err != nil {
			r.logger.Warn("broadcast forward failed",
				zap.String("peer", s.uuid), zap.Error(err))
		}
	}
}

func (r *Router) handleMessage(env *Envelope) {
	s, ok := r.sessions.Get(env.OriginUUID)
	if !ok {
		r.logger.Debug("dropping MESSAGE from unknown origin",
			zap.String("origin", env.OriginUUID))
		return
	}
	s.queue.Push(env.Data)
	if s.onMessage != nil {
		fn, data := s.onMessage, env.Data
		r.enqueue(func() { fn(data) })
	}
	if r.onMessage != nil {
		fn, data := r.onMessage, env.Data
		r.enqueue(func() { fn(data) })
	}
}

// OpenSession requests a connection to a peer of the given type.
// Idempotent: an existing non-closed session of that type is returned
// as is. Otherwise the network is queried; a match is chained through
// the responding neighbor, and on a miss the host spawns a fresh
// context from the locator. The returned session may still be
// connecting; observe readiness through its callbacks.
func (r *Router) OpenSession(locator, peerType string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.findByType(peerType); s != nil {
		return s, nil
	}

	s := r.newSession()
	s.typ = peerType
	r.pending = append(r.pending, s)

	r.lookup(peerType, func(found *LookupFound) {
		if found == nil {
			if locator == "" {
				r.logger.Sugar().Debugf("no peer of type %s and no locator", peerType)
				return
			}
			handle, err := r.host.Spawn(locator)
			if err != nil {
				r.logger.Error("spawn failed",
					zap.String("locator", locator), zap.Error(err))
				return
			}
			s.handle = handle
			s.waitReady()
			return
		}
		s.uuid = found.UUID
		s.typ = found.Type
		s.gateway = found.Session
		s.path = found.Hops
		s.waitReady()
		r.register(s)
		if err := s.connect(); err != nil {
			r.logger.Warn("connect failed", zap.Error(err))
		}
	})

	return s, nil
}

// Broadcast sends data to every reachable peer. Hops are seeded with
// our own uuid so nobody ever forwards the envelope back to us.
func (r *Router) Broadcast(data, authentication any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := r.newEnvelope(ActionBroadcast)
	env.Data = data
	env.Authentication = authentication
	env.Hops = []string{r.uuid}

	for _, s := range r.sessions.Values() {
		if err := s.send(env); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("peer", s.uuid), zap.Error(err))
		}
	}
}

// Dispose closes every session and detaches from the host. The router
// must not be used afterwards.
func (r *Router) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	all := r.sessions.Values()
	all = append(all, r.pending...)
	for _, s := range all {
		if closeErr := s.close(); closeErr != nil && !errors.Is(closeErr, ErrNoTransport) {
			err = multierr.Append(err, closeErr)
		}
	}
	r.pending = nil
	r.binder.Destroy()
	return err
}

// SessionExists reports whether a session of the given type is known.
func (r *Router) SessionExists(peerType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByType(peerType) != nil
}

// GetSession returns the first session of the given type, in table
// order, or nil.
func (r *Router) GetSession(peerType string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByType(peerType)
}

// SessionCount returns the number of identified peers.
func (r *Router) SessionCount() int {
	return r.sessions.Len()
}

// LogSessions writes the current session table to the logger.
func (r *Router) LogSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions.Values() {
		r.logger.Info("session",
			zap.Int("index", i),
			zap.String("uuid", s.uuid),
			zap.String("type", s.typ),
			zap.String("status", s.status.String()),
			zap.Bool("relayed", s.gateway != nil),
			zap.Int("queued", s.queue.Len()),
		)
	}
}

func (r *Router) findByType(peerType string) *Session {
	for _, s := range r.sessions.Values() {
		if s.typ == peerType && s.status != StatusClosed {
			return s
		}
	}
	for _, s := range r.pending {
		if s.typ == peerType && s.status != StatusClosed {
			return s
		}
	}
	return nil
}

func (r *Router) newSession() *Session {
	return &Session{
		router:  r,
		logger:  r.logger.Named("session"),
		status:  StatusConnecting,
		pending: util.NewQueue[*Envelope](),
		queue:   util.NewQueue[any](),
	}
}

func (r *Router) newEnvelope(action Action) *Envelope {
	r.seq++
	return &Envelope{
		SequenceNumber: r.seq,
		Action:         action,
		OriginUUID:     r.uuid,
		OriginType:     r.typ,
	}
}

// register moves a session into the keyed table once its peer uuid is
// known. The table key always equals the session uuid.
func (r *Router) register(s *Session) {
	r.sessions.Put(s.uuid, s)
	r.pendingRemove(s)
}

// remove drops a closed session. No tombstones: a CLOSED session
// leaves the table the moment it transitions.
func (r *Router) remove(s *Session) {
	if s.uuid != "" {
		r.sessions.Delete(s.uuid)
	}
	r.pendingRemove(s)
}

func (r *Router) pendingRemove(s *Session) {
	for i, p := range r.pending {
		if p == s {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}
