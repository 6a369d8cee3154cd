package mesh

import "github.com/peerpigeon/peerpigeon/pkg/peerid"

// EventKind enumerates the events a Mesh emits to its host application
// (spec §5 "Observable Events").
type EventKind string

const (
	EventPeerDiscovered EventKind = "peer-discovered"
	EventPeerConnected  EventKind = "peer-connected"
	EventPeerDisconnect EventKind = "peer-disconnected"
	EventPeerEvicted    EventKind = "peer-evicted"
	EventMessage        EventKind = "message"
	EventDHTValueChange EventKind = "dht-value-changed"
)

// Event is the tagged union delivered on Mesh.Events() (spec §9 "Dynamic
// dispatch": one event channel, switched on Kind rather than typed
// per-event channels).
type Event struct {
	Kind     EventKind
	Peer     peerid.ID
	Reason   string
	Message  []byte
	Subtype  string
	DHTKey   string
	DHTValue []byte
}

// emit never blocks on a full channel: the event is dropped and logged,
// since events are best effort and must not stall the manager that raised
// them. It does not guard against a closed channel; sending after the
// channel is closed panics.
func (m *Mesh) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("event channel full, dropping event", "kind", e.Kind)
	}
}

// Events returns the channel of observable mesh events. The host
// application should drain it continuously; a slow consumer causes
// event drops, not backpressure on the mesh itself.
func (m *Mesh) Events() <-chan Event {
	return m.events
}
