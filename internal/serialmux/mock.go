package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/accelspeed/internal/timeutil"
)

// MockSerialPort is an in-memory SerialPorter. Reads come from a pipe fed by
// a replay goroutine; writes are captured for inspection.
type MockSerialPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	done    chan struct{}
	once    sync.Once
}

func newMockSerialPort() *MockSerialPort {
	r, w := io.Pipe()
	return &MockSerialPort{r: r, w: w, done: make(chan struct{})}
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything sent to the port so far.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

// Close stops the replay and unblocks readers.
func (m *MockSerialPort) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.w.Close()
		m.r.Close()
	})
	return nil
}

// DefaultMockInterval is the replay cadence used when none is given.
const DefaultMockInterval = 150 * time.Millisecond

// NewMockSerialMux creates a SerialMux whose device emits lines one per
// interval, looping over the fixture until closed. Looping fixtures should
// use the untimestamped x,y,z form so ingest stamps each line on arrival.
func NewMockSerialMux(lines []string, interval time.Duration) *SerialMux[*MockSerialPort] {
	return NewMockSerialMuxWithClock(lines, interval, timeutil.RealClock{})
}

// NewMockSerialMuxWithClock is NewMockSerialMux driven by clock's ticker.
func NewMockSerialMuxWithClock(lines []string, interval time.Duration, clock timeutil.Clock) *SerialMux[*MockSerialPort] {
	if interval <= 0 {
		interval = DefaultMockInterval
	}
	port := newMockSerialPort()
	if len(lines) > 0 {
		ticker := clock.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for i := 0; ; i = (i + 1) % len(lines) {
				select {
				case <-port.done:
					return
				case <-ticker.C():
				}
				if _, err := io.WriteString(port.w, lines[i]+"\n"); err != nil {
					return
				}
			}
		}()
	}
	return NewSerialMux(port)
}
