package router

import "github.com/mav-router/mavrouter/internal/mavlink"

// Message is the discriminated union of events that flow from endpoints to
// the router on the single shared ingress channel (spec.md §4.2).
type Message interface {
	isMessage()
}

// NewConnectionMsg registers a freshly-accepted or freshly-opened endpoint.
// The egress queue is handed to the router immediately so that NewConnection
// is always observed before any Frame from the same source, since both are
// sent in order on the same channel by the same goroutine.
type NewConnectionMsg struct {
	ID     ConnectionId
	Egress *Egress
}

func (NewConnectionMsg) isMessage() {}

// DisconnectMsg unregisters an endpoint. Only TCP workers send it: a UART
// endpoint's reconnect supervisor never gives up, keeps its connection
// registered across reconnects, and stops on context cancellation without
// emitting Disconnect (spec.md §4.4).
type DisconnectMsg struct {
	ID ConnectionId
}

func (DisconnectMsg) isMessage() {}

// FrameMsg carries one fully-parsed frame from source into the router.
type FrameMsg struct {
	Source ConnectionId
	Frame  mavlink.Frame
}

func (FrameMsg) isMessage() {}
