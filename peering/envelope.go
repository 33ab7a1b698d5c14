package peering

import "fmt"

// Action identifies what a peer should do with an inbound envelope.
type Action int

const (
	ActionReady Action = iota
	ActionClosed
	ActionLookup
	ActionMessage
	ActionBroadcast
	ActionLookupFound
	ActionLookupNotFound
	ActionConnect
)

func (a Action) String() string {
	switch a {
	case ActionReady:
		return "READY"
	case ActionClosed:
		return "CLOSED"
	case ActionLookup:
		return "LOOKUP"
	case ActionMessage:
		return "MESSAGE"
	case ActionBroadcast:
		return "BROADCAST"
	case ActionLookupFound:
		return "LOOKUP_FOUND"
	case ActionLookupNotFound:
		return "LOOKUP_NOT_FOUND"
	case ActionConnect:
		return "CONNECT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(a))
}

// Envelope is the unit of exchange between peers. It must stay
// JSON-representable end to end: payloads are copied, never shared,
// across a hop. Optional fields are omitted on the wire when unset.
type Envelope struct {
	SequenceNumber int    `json:"sequenceNumber"`
	Action         Action `json:"action"`

	OriginType string `json:"originType"`
	OriginUUID string `json:"originUUID"`

	DestinationType string `json:"destinationType,omitempty"`
	DestinationUUID string `json:"destinationUUID,omitempty"`

	Data           any `json:"data,omitempty"`
	Authentication any `json:"authentication,omitempty"`

	// Hops records every relay the envelope passed through, in order.
	// It never contains the origin or the final destination.
	Hops []string `json:"hops,omitempty"`
}

// HasHop reports whether uuid already appears in the hop list.
func (e *Envelope) HasHop(uuid string) bool {
	for _, h := range e.Hops {
		if h == uuid {
			return true
		}
	}
	return false
}

// PeerInfo is the payload of a LOOKUP_FOUND reply: the identity of the
// matched peer as advertised by the neighbor that knows it.
type PeerInfo struct {
	UUID string `json:"uuid"`
	Type string `json:"type"`
}
