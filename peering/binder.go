package peering

// Binder collects event subscriptions and attaches or detaches them as
// a unit. Add only records the registration; nothing is live until
// Create, and Destroy detaches everything and may be called repeatedly.
type Binder struct {
	pending []binding
	cancels []func()
	created bool
}

type binding struct {
	source  EventSource
	event   string
	handler EventHandler
}

func NewBinder() *Binder {
	return &Binder{
		pending: make([]binding, 0),
	}
}

func (b *Binder) Add(source EventSource, event string, handler EventHandler) {
	b.pending = append(b.pending, binding{
		source:  source,
		event:   event,
		handler: handler,
	})
}

// Create attaches every added handler. On error the already-attached
// handlers are detached again so the binder stays all-or-nothing.
func (b *Binder) Create() error {
	if b.created {
		return nil
	}
	for _, bd := range b.pending {
		cancel, err := bd.source.Subscribe(bd.event, bd.handler)
		if err != nil {
			b.Destroy()
			return err
		}
		b.cancels = append(b.cancels, cancel)
	}
	b.created = true
	return nil
}

func (b *Binder) Destroy() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.created = false
}
