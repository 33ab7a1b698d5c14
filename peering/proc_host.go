package peering

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EnvSpawned marks a process as having been spawned by a ProcHost.
// Its presence is how a child discovers it has an opener.
const EnvSpawned = "TABTALK_SPAWNED"

var _ Host = (*ProcHost)(nil)

// ProcHost runs peers as child OS processes. Spawn execs the locator
// as a command line; envelopes travel as JSON lines over the child's
// stdin and stdout. A spawned process finds its opener on its own
// stdio, so the same host works on both ends of the pipe.
type ProcHost struct {
	logger *zap.Logger

	inbox chan procDelivery
	done  chan struct{}

	hangup     chan struct{}
	hangupOnce sync.Once

	mu       sync.Mutex
	closed   bool
	handlers []*procHandler
	children []*ProcEndpoint
	parent   *ProcEndpoint
}

type procHandler struct {
	fn EventHandler
}

// procDelivery pairs an envelope with the pipe endpoint it arrived
// on, so the receiving router knows which neighbor is speaking.
type procDelivery struct {
	env  *Envelope
	from *ProcEndpoint
}

type ProcHostOpt func(*ProcHost)

func ProcHostOptWithLogger(l *zap.Logger) ProcHostOpt {
	return func(h *ProcHost) {
		h.logger = l
	}
}

func NewProcHost(opts ...ProcHostOpt) *ProcHost {
	h := &ProcHost{
		inbox:  make(chan procDelivery, 128),
		done:   make(chan struct{}),
		hangup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	go h.deliver()
	return h
}

// ProcEndpoint is the writable side of one pipe neighbor: either a
// spawned child's stdin or, in a child, the opener's stdout.
type ProcEndpoint struct {
	mu  sync.Mutex
	enc Encoder
	w   io.Closer
	cmd *exec.Cmd
}

func (e *ProcEndpoint) write(env *Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(env)
}

func (h *ProcHost) Subscribe(event string, handler EventHandler) (func(), error) {
	if event != EventMessage {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	ph := &procHandler{fn: handler}
	h.mu.Lock()
	h.handlers = append(h.handlers, ph)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.handlers {
			if cur == ph {
				h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

func (h *ProcHost) Send(env *Envelope, target Handle) error {
	endpoint, ok := target.(*ProcEndpoint)
	if !ok {
		return errors.New("handle does not belong to a proc host")
	}
	return endpoint.write(env)
}

// Spawn execs the locator as an argv command line and wires its stdio.
func (h *ProcHost) Spawn(locator string) (Handle, error) {
	argv := strings.Fields(locator)
	if len(argv) == 0 {
		return nil, errors.New("empty locator")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), EnvSpawned+"=1")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	endpoint := &ProcEndpoint{
		enc: NewJSONEncoder(stdin),
		w:   stdin,
		cmd: cmd,
	}
	h.mu.Lock()
	h.children = append(h.children, endpoint)
	h.mu.Unlock()

	go h.read(stdout, endpoint, false)
	return endpoint, nil
}

// Done closes when the opener hangs up or the host is closed. A
// spawned child uses it to know when to exit.
func (h *ProcHost) Done() <-chan struct{} {
	return h.hangup
}

// Parent binds this process's stdio to the opener when the spawn
// marker is present in the environment.
func (h *ProcHost) Parent() (Handle, bool) {
	if os.Getenv(EnvSpawned) == "" {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parent == nil {
		h.parent = &ProcEndpoint{
			enc: NewJSONEncoder(os.Stdout),
		}
		go h.read(os.Stdin, h.parent, true)
	}
	return h.parent, true
}

func (h *ProcHost) read(r io.Reader, from *ProcEndpoint, fromParent bool) {
	if fromParent {
		defer h.hangupOnce.Do(func() { close(h.hangup) })
	}
	decoder := NewJSONDecoder(r)
	for {
		env := &Envelope{}
		if err := decoder.Decode(env); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("pipe read ended", zap.Error(err))
			}
			return
		}
		select {
		case <-h.done:
			return
		case h.inbox <- procDelivery{env: env, from: from}:
		}
	}
}

func (h *ProcHost) deliver() {
	for {
		select {
		case <-h.done:
			return
		case d := <-h.inbox:
			h.mu.Lock()
			handlers := make([]*procHandler, len(h.handlers))
			copy(handlers, h.handlers)
			h.mu.Unlock()
			for _, ph := range handlers {
				ph.fn(d.env, d.from)
			}
		}
	}
}

// Close stops delivery, closes every child's stdin and waits for the
// children to exit.
func (h *ProcHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	children := make([]*ProcEndpoint, len(h.children))
	copy(children, h.children)
	h.mu.Unlock()

	close(h.done)
	h.hangupOnce.Do(func() { close(h.hangup) })

	var err error
	for _, child := range children {
		if child.w != nil {
			err = multierr.Append(err, child.w.Close())
		}
		if child.cmd != nil {
			err = multierr.Append(err, child.cmd.Wait())
		}
	}
	return err
}
