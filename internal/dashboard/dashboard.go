// Package dashboard broadcasts a periodic JSON snapshot of the router's
// connection registry and metrics to any number of WebSocket clients,
// adapted from the teacher's internal/livefeed streamer (same
// register/unregister/ping-pump shape, a connection snapshot standing in
// for flight telemetry). No auth/clearance tiering here: spec.md's
// non-goal list excludes authentication entirely, and this feed is
// read-only ambient observability, not a control surface.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mav-router/mavrouter/internal/metrics"
	"github.com/mav-router/mavrouter/internal/router"
)

// Snapshot is the payload pushed to every connected client.
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Connections []ConnectionView   `json:"connections"`
	Metrics     metrics.Snapshot   `json:"metrics"`
}

// ConnectionView is the JSON-friendly rendering of router.Snapshot.
type ConnectionView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	SysID *uint8 `json:"sysid,omitempty"`
}

// Streamer fans out periodic Snapshots to connected WebSocket clients.
type Streamer struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	logger   *logrus.Logger

	router  *router.Router
	metrics *metrics.Metrics
}

type client struct {
	conn *websocket.Conn
	send chan Snapshot
}

// New builds a Streamer that polls r and m for each push.
func New(r *router.Router, m *metrics.Metrics, logger *logrus.Logger) *Streamer {
	return &Streamer{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		router:  r,
		metrics: m,
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams snapshots to it
// until the connection closes.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("dashboard: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Snapshot, 8)}
	s.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(ctx, c)
	s.readPump(cancel, c)
}

func (s *Streamer) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Streamer) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Run polls the router and metrics every interval and pushes a Snapshot to
// every connected client until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.broadcast(s.buildSnapshot(ctx))
		}
	}
}

func (s *Streamer) buildSnapshot(ctx context.Context) Snapshot {
	regSnap := s.router.Status(ctx)
	views := make([]ConnectionView, 0, len(regSnap))
	for _, c := range regSnap {
		views = append(views, ConnectionView{ID: c.ID.String(), Kind: c.ID.Kind.String(), SysID: c.SysID})
	}
	return Snapshot{Timestamp: time.Now(), Connections: views, Metrics: s.metrics.Snapshot()}
}

func (s *Streamer) broadcast(snap Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- snap:
		default:
		}
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		close(c.send)
		delete(s.clients, c)
	}
}

func (s *Streamer) writePump(ctx context.Context, c *client) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) readPump(cancel context.CancelFunc, c *client) {
	defer func() {
		cancel()
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
