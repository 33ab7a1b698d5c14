package peering

// Handle is an opaque reference to a one-hop transport endpoint. Only
// the host that produced it knows what it points at.
type Handle any

// EventHandler receives one inbound envelope together with the handle
// of the endpoint it physically arrived on. The host guarantees
// deliveries to a context are serialized: a handler runs to completion
// before the next envelope is delivered.
type EventHandler func(env *Envelope, source Handle)

// EventMessage is the only event hosts emit today.
const EventMessage = "message"

// EventSource is anything a Binder can attach handlers to.
type EventSource interface {
	// Subscribe registers a handler for the named event and returns a
	// cancel func that detaches it.
	Subscribe(event string, handler EventHandler) (func(), error)
}

// Host is the physical one-hop, fire-and-forget delivery layer between
// a context and the contexts it spawned or was spawned by. It is a
// collaborator of the router: the router never touches the wire itself.
//
// TCP, unix sockets, child processes, in-memory channels.
type Host interface {
	EventSource

	// Send hands an envelope to the endpoint behind target. Delivery is
	// best effort; there is no acknowledgement at this layer.
	Send(env *Envelope, target Handle) error

	// Spawn creates a new native peer context from the locator and
	// returns the handle for talking to it.
	Spawn(locator string) (Handle, error)

	// Parent returns the handle of the context that spawned this one,
	// if any.
	Parent() (Handle, bool)
}
