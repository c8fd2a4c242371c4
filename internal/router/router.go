// Package router implements the single-consumer event loop at the hub of
// the topology: it owns the connection registry and sysid directory and
// fans frames out under a routing policy matrix with non-blocking
// backpressure accounting (spec.md §4.2). Nothing but the router goroutine
// ever touches the registry, so no lock is required on the hot path
// (spec.md §9, router-as-actor).
package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mav-router/mavrouter/internal/config"
	"github.com/mav-router/mavrouter/internal/metrics"
)

// connection is the router's private record for one registered endpoint.
type connection struct {
	egress *Egress
	kind   Kind
	sysid  *uint8
}

// Router owns the connection registry and the sysid directory. Create one
// with New, feed it through Ingress(), and call Run in its own goroutine.
type Router struct {
	policy  [2][2]bool
	metrics *metrics.Metrics
	logger  *logrus.Logger

	ingress *Ingress

	conns    map[ConnectionId]*connection
	sysidMap map[uint8]ConnectionId
}

// New builds a Router from the routing policy matrix in cfg.
func New(cfg config.RoutingConfig, m *metrics.Metrics, logger *logrus.Logger) *Router {
	var policy [2][2]bool
	policy[KindUART][KindUART] = cfg.AllowUARTToUART
	policy[KindTCP][KindTCP] = cfg.AllowTCPToTCP
	policy[KindUART][KindTCP] = cfg.AllowUARTToTCP
	policy[KindTCP][KindUART] = cfg.AllowTCPToUART

	return &Router{
		policy:   policy,
		metrics:  m,
		logger:   logger,
		ingress:  NewIngress(),
		conns:    make(map[ConnectionId]*connection),
		sysidMap: make(map[uint8]ConnectionId),
	}
}

// Ingress returns the queue endpoints publish Messages on. Send never
// blocks (spec.md §5), backed by the same growable-queue-plus-pump design
// as Egress on the per-destination side.
func (r *Router) Ingress() *Ingress { return r.ingress }

// Run drains the ingress queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("router started")
	defer r.logger.Info("router stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.ingress.Out():
			r.handle(msg)
		}
	}
}

func (r *Router) handle(msg Message) {
	switch m := msg.(type) {
	case NewConnectionMsg:
		r.handleNewConnection(m)
	case DisconnectMsg:
		r.handleDisconnect(m)
	case FrameMsg:
		r.routeFrame(m.Source, m.Frame)
	case statusRequestMsg:
		r.handleStatusRequest(m)
	}
}

func (r *Router) handleNewConnection(m NewConnectionMsg) {
	if _, exists := r.conns[m.ID]; exists {
		r.logger.WithField("conn", m.ID).Warn("router: duplicate connection id, overwriting")
	}
	r.conns[m.ID] = &connection{
		egress: m.Egress,
		kind:   m.ID.Kind,
	}
	r.logger.WithField("conn", m.ID).Info("router: new connection")
}

func (r *Router) handleDisconnect(m DisconnectMsg) {
	conn, ok := r.conns[m.ID]
	if !ok {
		return
	}
	delete(r.conns, m.ID)

	if conn.sysid != nil {
		if existing, ok := r.sysidMap[*conn.sysid]; ok && existing == m.ID {
			delete(r.sysidMap, *conn.sysid)
			r.logger.WithFields(logrus.Fields{"conn": m.ID, "sysid": *conn.sysid}).
				Info("router: removed sysid mapping")
		}
	}

	r.logger.WithField("conn", m.ID).Info("router: connection disconnected")
}

func (r *Router) routeFrame(source ConnectionId, frame frameLike) {
	r.metrics.RecordReceived()

	sysid := frame.SysID()

	if source.Kind == KindUART {
		if conn, ok := r.conns[source]; ok && conn.sysid == nil {
			v := sysid
			conn.sysid = &v
			if existing, clash := r.sysidMap[v]; clash && existing != source {
				r.logger.WithFields(logrus.Fields{
					"sysid": v, "old": existing, "new": source,
				}).Warn("router: sysid binding overwritten")
			}
			r.sysidMap[v] = source
			r.logger.WithFields(logrus.Fields{"conn": source, "sysid": v}).
				Info("router: discovered sysid")
		}
	}

	frameBytes := frame.Bytes()
	frameLen := len(frameBytes)

	for destID, dest := range r.conns {
		if destID == source {
			continue
		}
		if !r.policy[source.Kind][dest.kind] {
			continue
		}

		if dest.egress.TrySend(frameBytes) {
			r.metrics.RecordRouted(frameLen)
		} else {
			r.metrics.RecordDropped()
			r.logger.WithFields(logrus.Fields{"dest": destID, "source": source}).
				Warn("router: dropped frame, destination egress closed")
		}
	}
}

// frameLike is the minimal surface routeFrame needs from a parsed frame,
// letting router_test.go exercise fan-out with lightweight fakes instead of
// constructing real MAVLink byte layouts for every case.
type frameLike interface {
	SysID() uint8
	Bytes() []byte
}

// ConnectionBySysID returns the connection currently bound to sysid, if any
// (spec.md §8, "router sysid binding" property). Only safe to call from the
// router's own goroutine (e.g. from a test driving handle() directly); other
// goroutines must use Status.
func (r *Router) ConnectionBySysID(sysid uint8) (ConnectionId, bool) {
	id, ok := r.sysidMap[sysid]
	return id, ok
}

// ConnectionCount returns the number of currently registered connections.
// Same caller restriction as ConnectionBySysID.
func (r *Router) ConnectionCount() int { return len(r.conns) }

// Snapshot describes one registered connection for the dashboard/status API.
type Snapshot struct {
	ID    ConnectionId
	SysID *uint8
}

// statusRequestMsg asks the router goroutine to publish a registry
// snapshot. It rides the same ingress channel as every other event so the
// read is serialized with all registry mutations without a lock.
type statusRequestMsg struct {
	reply chan []Snapshot
}

func (statusRequestMsg) isMessage() {}

// Status returns a point-in-time listing of the registry. Safe to call
// concurrently from any goroutine (e.g. an HTTP handler): it round-trips
// through the router's own event loop.
func (r *Router) Status(ctx context.Context) []Snapshot {
	reply := make(chan []Snapshot, 1)
	r.ingress.Send(statusRequestMsg{reply: reply})
	select {
	case snap := <-reply:
		return snap
	case <-ctx.Done():
		return nil
	}
}

func (r *Router) handleStatusRequest(m statusRequestMsg) {
	out := make([]Snapshot, 0, len(r.conns))
	for id, c := range r.conns {
		var sysid *uint8
		if c.sysid != nil {
			v := *c.sysid
			sysid = &v
		}
		out = append(out, Snapshot{ID: id, SysID: sysid})
	}
	m.reply <- out
}
