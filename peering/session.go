package peering

import (
	"errors"

	"github.com/tentone/tabtalk/util"
	"go.uber.org/zap"
)

// Status is the connection state of a session.
type Status int

const (
	// StatusConnecting means the session exists but no handshake has
	// been initiated yet.
	StatusConnecting Status = iota
	// StatusWaitingReady means the handshake started and the peer has
	// not confirmed it is live.
	StatusWaitingReady
	// StatusReady means application messages flow.
	StatusReady
	// StatusClosed is terminal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusWaitingReady:
		return "WAITING_READY"
	case StatusReady:
		return "READY"
	case StatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var ErrNoTransport = errors.New("session has no transport binding")

// Session is this router's view of a single remote peer. It is bound
// either to a direct host handle or to a gateway session that relays
// for it, never both.
type Session struct {
	router *Router
	logger *zap.Logger

	uuid string
	typ  string

	status Status

	handle  Handle
	gateway *Session

	// path holds the relay uuids learned during lookup, replayed by
	// connect so intermediates can materialize their own relay session.
	path []string

	// application sends are buffered here until the peer is READY
	pending *util.Queue[*Envelope]
	queue   *util.Queue[any]

	acknowledged bool

	onMessage   func(data any)
	onBroadcast func(data any)
	onClose     func()
}

func (s *Session) UUID() string {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.uuid
}

func (s *Session) Type() string {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.typ
}

func (s *Session) Status() Status {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.status
}

// Gateway returns the session relaying for this one, nil when the
// session owns a direct handle.
func (s *Session) Gateway() *Session {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.gateway
}

// SetOnMessage installs the message callback. Single slot: assigning
// replaces any previous handler.
func (s *Session) SetOnMessage(fn func(data any)) {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	s.onMessage = fn
}

// SetOnBroadcast installs the broadcast callback, replacing any
// previous handler.
func (s *Session) SetOnBroadcast(fn func(data any)) {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	s.onBroadcast = fn
}

// SetOnClose installs the close callback, replacing any previous
// handler. It fires when the peer closes the session, not on a local
// Close.
func (s *Session) SetOnClose(fn func()) {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	s.onClose = fn
}

// PopMessage dequeues the oldest received payload.
func (s *Session) PopMessage() (any, bool) {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.queue.Pop()
}

// SendMessage delivers an application payload to the peer. While the
// session is not READY the envelope is buffered and flushed on the
// READY transition.
func (s *Session) SendMessage(data, authentication any) error {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.sendMessage(data, authentication)
}

// WaitReady forces the session into WAITING_READY, marking the
// handshake as initiated.
func (s *Session) WaitReady() {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	s.waitReady()
}

// Close tells the peer this session is going away and removes it from
// the owning router.
func (s *Session) Close() error {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	return s.close()
}

func (s *Session) sendMessage(data, authentication any) error {
	if s.status == StatusClosed {
		return errors.New("session is closed")
	}
	env := s.router.newEnvelope(ActionMessage)
	env.DestinationUUID = s.uuid
	env.DestinationType = s.typ
	env.Data = data
	env.Authentication = authentication
	if s.status != StatusReady {
		s.pending.Push(env)
		return nil
	}
	return s.send(env)
}

// send writes the envelope to the direct handle, or delegates to the
// gateway session. Gateways compose, so multi-hop delivery needs no
// router involvement.
func (s *Session) send(env *Envelope) error {
	if s.gateway != nil {
		return s.gateway.send(env)
	}
	if s.handle != nil {
		return s.router.host.Send(env, s.handle)
	}
	return ErrNoTransport
}

// acknowledge sends READY to the remote peer.
func (s *Session) acknowledge() error {
	env := s.router.newEnvelope(ActionReady)
	if s.uuid != "" {
		env.DestinationUUID = s.uuid
		env.DestinationType = s.typ
	}
	s.acknowledged = true
	return s.send(env)
}

// connect sends CONNECT along the hop path accumulated during lookup,
// so every intermediate peer can set up its own relay session.
func (s *Session) connect() error {
	env := s.router.newEnvelope(ActionConnect)
	env.DestinationUUID = s.uuid
	env.DestinationType = s.typ
	env.Hops = append([]string{}, s.path...)
	return s.send(env)
}

func (s *Session) waitReady() {
	s.status = StatusWaitingReady
}

// markReady handles an inbound READY: adopt the peer identity if it
// was unknown (spawned contexts announce themselves this way), flush
// buffered sends, and answer with READY exactly once so the handshake
// completes on both sides without ping-ponging.
func (s *Session) markReady(originUUID, originType string) {
	if s.status == StatusClosed || s.status == StatusReady {
		return
	}
	if s.uuid == "" {
		s.uuid = originUUID
		s.typ = originType
		s.router.register(s)
	}
	s.status = StatusReady
	if !s.acknowledged {
		if err := s.acknowledge(); err != nil {
			s.logger.Warn("acknowledge failed", zap.Error(err))
		}
	}
	for _, env := range s.pending.Drain() {
		if env.DestinationUUID == "" {
			env.DestinationUUID = s.uuid
			env.DestinationType = s.typ
		}
		if err := s.send(env); err != nil {
			s.logger.Warn("flush failed", zap.Error(err))
		}
	}
	s.logger.Sugar().Debugf("session %s (%s) ready", s.uuid, s.typ)
}

func (s *Session) close() error {
	if s.status == StatusClosed {
		return nil
	}
	env := s.router.newEnvelope(ActionClosed)
	if s.uuid != "" {
		env.DestinationUUID = s.uuid
		env.DestinationType = s.typ
	}
	err := s.send(env)
	s.status = StatusClosed
	s.router.remove(s)
	return err
}
