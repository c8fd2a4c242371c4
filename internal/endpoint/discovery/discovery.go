// Package discovery implements UART auto-discovery: periodically glob a
// device path pattern, open each unclaimed device, and sniff it for a short
// window for a valid MAVLink frame before promoting it to a full uart.Endpoint
// (spec.md §4.5). Ordinals for discovered devices start after the last
// statically-configured UART so a discovered link never collides with one
// named in the config file.
package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/mav-router/mavrouter/internal/config"
	"github.com/mav-router/mavrouter/internal/endpoint/uart"
	"github.com/mav-router/mavrouter/internal/mavlink"
	"github.com/mav-router/mavrouter/internal/router"
)

const sniffBufSize = 512

// Scanner owns the set of devices it has already claimed (statically
// configured or previously discovered) and periodically rescans for new
// ones. Claimed devices are never released: spec.md §9 leaves removal of a
// stale discovered device as an open question, and the reference
// implementation does not do it either, so neither does this one.
type Scanner struct {
	cfg    config.UARTDiscoveryConfig
	logger *logrus.Logger

	nextOrdinal uint64
	active      map[string]struct{}
}

// New creates a Scanner. staticPaths lists the device paths already bound by
// the config file's [[uart]] entries, which discovery must never re-claim.
// nextOrdinal is the first ConnectionId ordinal available to discovered
// devices, i.e. len(staticPaths).
func New(cfg config.UARTDiscoveryConfig, staticPaths []string, nextOrdinal uint64, logger *logrus.Logger) *Scanner {
	active := make(map[string]struct{}, len(staticPaths))
	for _, p := range staticPaths {
		active[p] = struct{}{}
	}
	return &Scanner{cfg: cfg, logger: logger, nextOrdinal: nextOrdinal, active: active}
}

// Run scans immediately, then every RescanIntervalSec, until ctx is done.
// Each discovered device is handed to start as a *uart.Endpoint already
// running its own Start(ctx, ingress).
func (s *Scanner) Run(ctx context.Context, ingress *router.Ingress) {
	interval := time.Duration(s.cfg.RescanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.scanOnce(ctx, ingress)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx, ingress)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context, ingress *router.Ingress) {
	matches, err := filepath.Glob(s.cfg.DevicePattern)
	if err != nil {
		s.logger.WithError(err).Warn("discovery: bad device pattern")
		return
	}

	for _, path := range matches {
		if _, claimed := s.active[path]; claimed {
			continue
		}

		if !s.sniff(path) {
			continue
		}

		s.active[path] = struct{}{}

		id := router.ConnectionId{Kind: router.KindUART, Ordinal: s.nextOrdinal}
		s.nextOrdinal++

		s.logger.WithFields(logrus.Fields{"conn": id, "path": path}).
			Info("discovery: claiming newly detected device")

		ep := uart.New(id, path, s.cfg.BaudRate, "Auto-discovered: "+path, s.logger)
		ep.Start(ctx, ingress)
	}
}

// sniff opens path, waits up to DetectionTimeoutSec for a parseable MAVLink
// frame, and reports whether one arrived. It always closes the port: a
// positive result is re-opened for real by the promoted uart.Endpoint.
func (s *Scanner) sniff(path string) bool {
	baud := s.cfg.BaudRate
	if baud == 0 {
		baud = 57600
	}

	port, err := serial.Open(path, &serial.Mode{BaudRate: int(baud)})
	if err != nil {
		s.logger.WithFields(logrus.Fields{"path": path, "err": err}).Debug("discovery: failed to open candidate")
		return false
	}
	defer port.Close()

	timeout := time.Duration(s.cfg.DetectionTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	port.SetReadTimeout(timeout)

	buf := make([]byte, 0, sniffBufSize)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if len(buf) == cap(buf) {
			break
		}

		n, err := port.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			buf = buf[:len(buf)+n]

			for len(buf) > 0 {
				_, consumed, perr := mavlink.Parse(buf)
				if perr == nil {
					return true
				}

				var magicErr *mavlink.InvalidMagicError
				if errors.As(perr, &magicErr) {
					buf = buf[1:]
					continue
				}
				_ = consumed
				break
			}
		}
		if err != nil && !isTimeout(err) {
			return false
		}
	}

	return false
}

func isTimeout(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	var te timeoutErr
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
