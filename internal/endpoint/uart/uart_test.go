package uart

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/mav-router/mavrouter/internal/router"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return l
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakePort is a minimal go.bug.st/serial.Port that either serves bytes from
// a fixed buffer (one at a time per Read, like a real device trickling in
// data) or immediately fails, simulating a device that has gone away.
type fakePort struct {
	mu     sync.Mutex
	data   []byte
	pos    int
	dead   bool
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return 0, errors.New("fake device gone")
	}
	if p.pos >= len(p.data) {
		// No more bytes queued; behave like a timed-out read with nothing
		// to report, the same as a real idle serial port.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.data[p.pos:p.pos+1])
	p.pos += n
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return 0, errors.New("fake device gone")
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
}

func (p *fakePort) SetMode(*serial.Mode) error                       { return nil }
func (p *fakePort) Break(time.Duration) error                        { return nil }
func (p *fakePort) Drain() error                                     { return nil }
func (p *fakePort) ResetInputBuffer() error                          { return nil }
func (p *fakePort) ResetOutputBuffer() error                         { return nil }
func (p *fakePort) SetDTR(bool) error                                { return nil }
func (p *fakePort) SetRTS(bool) error                                { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

var _ serial.Port = (*fakePort)(nil)
var _ io.ReadWriteCloser = (*fakePort)(nil)

func v1HeartbeatBytes(sysID uint8) []byte {
	payload := make([]byte, 9)
	buf := []byte{0xFE, byte(len(payload)), 0x00, sysID, 0x01, 0x00}
	buf = append(buf, payload...)
	buf = append(buf, 0x11, 0x22) // CRC
	return buf
}

// TestReconnectPreservesConnectionIdAndResumesFrames drives spec.md §8
// concrete scenario 6: a UART device is opened, sends a frame, is "killed"
// mid-stream, and later comes back. The endpoint must never emit Disconnect
// across the outage (its ConnectionId stays registered the whole time, per
// spec.md §4.4), and frames must resume flowing once a fresh port opens.
func TestReconnectPreservesConnectionIdAndResumesFrames(t *testing.T) {
	id := router.ConnectionId{Kind: router.KindUART, Ordinal: 0}

	first := &fakePort{data: v1HeartbeatBytes(3)}
	second := &fakePort{data: v1HeartbeatBytes(3)}

	var mu sync.Mutex
	opened := 0
	opens := []*fakePort{first, second}

	ep := New(id, "/dev/fake0", 57600, "fake", silentLogger())
	ep.reconnectDelay = 10 * time.Millisecond
	ep.openPort = func(path string, baud uint32) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if opened >= len(opens) {
			return nil, errors.New("no more fake devices")
		}
		p := opens[opened]
		opened++
		return p, nil
	}

	ingress := router.NewIngress()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep.Start(ctx, ingress)

	var newConns, disconnects, frames int
	deadline := time.After(2 * time.Second)

	// Drain until we've observed the registration, a frame from the first
	// port, the kill, a frame from the second port, then stop.
	gotFirstFrame := false
	for !gotFirstFrame || frames < 2 {
		select {
		case msg := <-ingress.Out():
			switch m := msg.(type) {
			case router.NewConnectionMsg:
				newConns++
				if m.ID != id {
					t.Fatalf("unexpected connection id on NewConnection: %v", m.ID)
				}
			case router.DisconnectMsg:
				disconnects++
			case router.FrameMsg:
				frames++
				if m.Source != id {
					t.Fatalf("frame source = %v, want %v", m.Source, id)
				}
				if !gotFirstFrame {
					gotFirstFrame = true
					first.kill()
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect cycle: newConns=%d disconnects=%d frames=%d", newConns, disconnects, frames)
		}
	}

	if newConns != 1 {
		t.Fatalf("NewConnection emitted %d times, want exactly 1 (stable id across reconnect)", newConns)
	}
	if disconnects != 0 {
		t.Fatalf("Disconnect emitted %d times, want 0 (connection stays registered across reconnect)", disconnects)
	}
}

// TestRunWithReconnectRetriesOnOpenFailure checks the supervisor keeps
// retrying (rather than giving up) when openPort fails repeatedly.
func TestRunWithReconnectRetriesOnOpenFailure(t *testing.T) {
	id := router.ConnectionId{Kind: router.KindUART, Ordinal: 1}
	ep := New(id, "/dev/fake1", 57600, "fake", silentLogger())
	ep.reconnectDelay = 5 * time.Millisecond

	var attempts int
	var mu sync.Mutex
	ep.openPort = func(path string, baud uint32) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, errors.New("open always fails")
	}

	ingress := router.NewIngress()
	ctx, cancel := context.WithCancel(context.Background())

	ep.Start(ctx, ingress)

	time.Sleep(50 * time.Millisecond)
	cancel()

	mu.Lock()
	got := attempts
	mu.Unlock()

	if got < 2 {
		t.Fatalf("open attempted %d times, want at least 2 attempts", got)
	}
}
