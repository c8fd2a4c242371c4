// Package uart implements the per-vehicle serial endpoint: open-with-retry,
// a stable ConnectionId across reconnects, and the same duplex read/write
// loop shape as the TCP endpoint (spec.md §4.4). It wraps go.bug.st/serial,
// the exact dependency the teacher's actuators package already uses to talk
// to a flight controller (mavlink_protocol.go's OpenSerialPort/ReadMessage).
package uart

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/mav-router/mavrouter/internal/mavlink"
	"github.com/mav-router/mavrouter/internal/router"
)

const (
	readBufSize    = 4096
	reconnectDelay = 5 * time.Second
	readPollTime   = 200 * time.Millisecond
)

// Endpoint is one statically-configured or auto-discovered vehicle link.
// Its ConnectionId never changes across reconnects so the ground station's
// view of the vehicle does not flap (spec.md §4.4).
type Endpoint struct {
	ID       router.ConnectionId
	Path     string
	BaudRate uint32
	Name     string

	logger *logrus.Logger

	// openPort and reconnectDelay are overridden in tests to substitute a
	// fake serial.Port and a short backoff instead of a real device and a
	// real 5-second wait.
	openPort       func(path string, baud uint32) (serial.Port, error)
	reconnectDelay time.Duration
}

// New creates a UART endpoint. Call Start to register it with the router
// and begin the supervised reconnect loop.
func New(id router.ConnectionId, path string, baud uint32, name string, logger *logrus.Logger) *Endpoint {
	return &Endpoint{
		ID:             id,
		Path:           path,
		BaudRate:       baud,
		Name:           name,
		logger:         logger,
		openPort:       openRealPort,
		reconnectDelay: reconnectDelay,
	}
}

func openRealPort(path string, baud uint32) (serial.Port, error) {
	return serial.Open(path, &serial.Mode{BaudRate: int(baud)})
}

func (e *Endpoint) displayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Path
}

// Start emits NewConnection to the router exactly once, then runs the
// supervised reconnect loop for the lifetime of ctx (spec.md §4.4).
func (e *Endpoint) Start(ctx context.Context, ingress *router.Ingress) {
	egress := router.NewEgress()
	ingress.Send(router.NewConnectionMsg{ID: e.ID, Egress: egress})

	go e.runWithReconnect(ctx, egress, ingress)
}

func (e *Endpoint) runWithReconnect(ctx context.Context, egress *router.Egress, ingress *router.Ingress) {
	for {
		select {
		case <-ctx.Done():
			egress.Close()
			return
		default:
		}

		e.logger.WithFields(logrus.Fields{"conn": e.ID, "name": e.displayName(), "path": e.Path}).
			Info("uart: attempting to open")

		port, err := e.openPort(e.Path, e.BaudRate)
		if err != nil {
			e.logger.WithFields(logrus.Fields{"conn": e.ID, "name": e.displayName(), "err": err}).
				Warn("uart: failed to open, retrying in 5s")
		} else {
			e.logger.WithFields(logrus.Fields{"conn": e.ID, "name": e.displayName()}).
				Info("uart: opened successfully")
			e.handleConnection(ctx, port, egress, ingress)
			port.Close()
			e.logger.WithFields(logrus.Fields{"conn": e.ID, "name": e.displayName()}).
				Info("uart: disconnected, retrying in 5s")
		}

		select {
		case <-ctx.Done():
			egress.Close()
			return
		case <-time.After(e.reconnectDelay):
		}
	}
}

func (e *Endpoint) handleConnection(ctx context.Context, port serial.Port, egress *router.Egress, ingress *router.Ingress) {
	port.SetReadTimeout(readPollTime)

	// stopWrite bounds the write loop to this one open port: the egress
	// itself stays alive and accumulating across reconnects (spec.md §4.4,
	// "connection remains registered"), so closing it here would discard
	// frames queued for the next attempt instead of just ending this one.
	stopWrite := make(chan struct{})
	done := make(chan struct{})
	go func() {
		writeLoop(port, egress, stopWrite, e.ID, e.logger)
		close(done)
	}()

	readLoop(ctx, port, e.ID, ingress, e.logger)
	close(stopWrite)
	<-done
}

func readLoop(ctx context.Context, port serial.Port, id router.ConnectionId, ingress *router.Ingress, logger *logrus.Logger) {
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

		n, err := port.Read(buf[len(buf):cap(buf)])
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
					buf = buf[1:]
					continue
				}
				break
			}
		}
		if err != nil {
			// SetReadTimeout causes periodic zero-byte, nil-error wakeups on
			// some platforms and a timeout error on others; neither should
			// tear down the connection, only a genuine device error should.
			if !isTimeout(err) {
				logger.WithFields(logrus.Fields{"conn": id, "err": err}).Debug("uart: read loop exiting")
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	var te timeoutErr
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

func writeLoop(port serial.Port, egress *router.Egress, stop <-chan struct{}, id router.ConnectionId, logger *logrus.Logger) {
	for {
		select {
		case frame, ok := <-egress.Out():
			if !ok {
				return
			}
			if _, err := port.Write(frame); err != nil {
				logger.WithFields(logrus.Fields{"conn": id, "err": err}).Debug("uart: write failed")
				return
			}
		case <-stop:
			return
		}
	}
}
