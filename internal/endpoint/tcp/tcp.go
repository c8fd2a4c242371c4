// Package tcp implements the GCS-facing TCP accept loop and per-socket
// duplex worker (spec.md §4.3).
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mav-router/mavrouter/internal/mavlink"
	"github.com/mav-router/mavrouter/internal/router"
)

const readBufSize = 4096

// Server accepts inbound GCS connections and spawns one duplex worker per
// socket, each registered with the router under its own ConnectionId.
type Server struct {
	listener net.Listener
	ingress  *router.Ingress
	logger   *logrus.Logger
	nextID   atomic.Uint64
}

// Listen binds addr and returns a Server ready to Accept.
func Listen(addr string, ingress *router.Ingress, logger *logrus.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: failed to bind %s: %w", addr, err)
	}
	logger.WithField("addr", addr).Info("tcp server listening")
	return &Server{listener: ln, ingress: ingress, logger: logger}, nil
}

// Addr returns the bound listener address, useful when the configured port
// is 0 (ephemeral).
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Run accepts connections until ctx is cancelled or the listener is closed.
// Accept errors are logged and do not terminate the loop (spec.md §4.3),
// except when ctx is already done, in which case the loop exits quietly.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("tcp: accept failed")
			continue
		}

		id := router.ConnectionId{Kind: router.KindTCP, Ordinal: s.nextID.Add(1) - 1}
		s.logger.WithFields(logrus.Fields{"conn": id, "remote": conn.RemoteAddr()}).
			Info("tcp: new connection")

		egress := router.NewEgress()
		s.ingress.Send(router.NewConnectionMsg{ID: id, Egress: egress})

		go runWorker(ctx, id, conn, egress, s.ingress, s.logger)
	}
}

// runWorker interleaves the inbound parse loop and the outbound drain loop
// for one socket, emitting Disconnect to the router on exit either way
// (spec.md §4.3).
func runWorker(ctx context.Context, id router.ConnectionId, conn net.Conn, egress *router.Egress, ingress *router.Ingress, logger *logrus.Logger) {
	defer func() {
		conn.Close()
		egress.Close()
		ingress.Send(router.DisconnectMsg{ID: id})
		logger.WithField("conn", id).Info("tcp: connection closed")
	}()

	done := make(chan struct{})
	go func() {
		writeLoop(conn, egress, id, logger)
		close(done)
	}()

	readLoop(ctx, conn, id, ingress, logger)
	conn.Close()
	egress.Close()
	<-done
}

func readLoop(ctx context.Context, conn net.Conn, id router.ConnectionId, ingress *router.Ingress, logger *logrus.Logger) {
	buf := make([]byte, 0, readBufSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), cap(buf)*2)
			copy(grown, buf)
			buf = grown
		}

		n, err := conn.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			buf = buf[:len(buf)+n]

			for len(buf) > 0 {
				frame, consumed, perr := mavlink.Parse(buf)
				if perr == nil {
					ingress.Send(router.FrameMsg{Source: id, Frame: frame})
					buf = buf[consumed:]
					continue
				}

				var magicErr *mavlink.InvalidMagicError
				if errors.As(perr, &magicErr) {
					logger.WithFields(logrus.Fields{"conn": id, "byte": magicErr.Byte}).
						Debug("tcp: resync, skipping byte")
					buf = buf[1:]
					continue
				}
				break // incomplete; wait for more bytes
			}
		}
		if err != nil {
			logger.WithFields(logrus.Fields{"conn": id, "err": err}).Debug("tcp: read loop exiting")
			return
		}
	}
}

func writeLoop(conn net.Conn, egress *router.Egress, id router.ConnectionId, logger *logrus.Logger) {
	for {
		frame, ok := egress.Recv()
		if !ok {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			logger.WithFields(logrus.Fields{"conn": id, "err": err}).Debug("tcp: write failed")
			return
		}
	}
}
