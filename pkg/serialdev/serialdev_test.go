package serialdev

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

func TestParseStateLine(t *testing.T) {
	tests := []struct {
		line      string
		moving    bool
		triggered bool
		ok        bool
	}{
		{"0,1", false, true, true},
		{"1,0", true, false, true},
		{"0,0", false, false, true},
		{"1,1", true, true, true},
		{"(0,1)", false, true, true},
		{"(0, 1)", false, true, true},
		{"( 1 , 0 )", true, false, true},
		{"0 1", false, true, true},
		{"1\t0", true, false, true},
		{"  0,1  ", false, true, true},
		{"garbage", false, false, false},
		{"", false, false, false},
		{"0", false, false, false},
		{"0,1,1", false, false, false},
		{"2,1", false, false, false},
		{"a,b", false, false, false},
	}

	for _, tt := range tests {
		moving, triggered, ok := ParseStateLine(tt.line)
		if ok != tt.ok {
			t.Errorf("ParseStateLine(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if moving != tt.moving || triggered != tt.triggered {
			t.Errorf("ParseStateLine(%q) = (%v, %v), want (%v, %v)",
				tt.line, moving, triggered, tt.moving, tt.triggered)
		}
	}
}

func TestMalformedLineKeepsValidState(t *testing.T) {
	c := New(testConfig())

	c.handleLine("(1,0)")
	st := c.LatestState()
	if !st.Moving || st.Triggered {
		t.Fatalf("expected (moving, !triggered), got %+v", st)
	}

	c.handleLine("garbage")
	c.handleLine("")
	c.handleLine("9,9")

	st = c.LatestState()
	if !st.Moving || st.Triggered {
		t.Errorf("malformed line overwrote valid state: %+v", st)
	}
	if st.Raw != "(1,0)" {
		t.Errorf("expected raw line preserved, got %q", st.Raw)
	}
}

func TestLatestStateDefault(t *testing.T) {
	c := New(testConfig())
	st := c.LatestState()
	if st.Moving || st.Triggered {
		t.Errorf("expected default unset state, got %+v", st)
	}
	if !st.ObservedAt.IsZero() {
		t.Errorf("expected zero ObservedAt before first valid line")
	}
}

func TestChoosePort(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0", Product: "Generic UART"},
		{Name: "/dev/ttyUSB1", Product: "USB2.0-Serial CH340"},
		{Name: "/dev/ttyS1", Product: "Another Generic"},
	}

	path, err := ChoosePort(ports)
	if err != nil {
		t.Fatalf("ChoosePort failed: %v", err)
	}
	if path != "/dev/ttyUSB1" {
		t.Errorf("expected CH340 port selected, got %s", path)
	}
}

func TestChoosePortFallbackToFirst(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0", Product: "Generic"},
		{Name: "/dev/ttyS1", Product: "Generic"},
	}

	path, err := ChoosePort(ports)
	if err != nil {
		t.Fatalf("ChoosePort failed: %v", err)
	}
	if path != "/dev/ttyS0" {
		t.Errorf("expected first port fallback, got %s", path)
	}
}

func TestChoosePortEmpty(t *testing.T) {
	_, err := ChoosePort(nil)
	if !errors.Is(err, ErrNoPortFound) {
		t.Errorf("expected ErrNoPortFound, got %v", err)
	}
}

func TestReaderLoopParsesLines(t *testing.T) {
	fp := newFakePort()
	c := newTestChannel(t, fp)
	defer c.Stop()

	fp.feed("(0,1)\n")

	waitFor(t, func() bool { return c.LatestState().Triggered })

	st := c.LatestState()
	if st.Moving {
		t.Errorf("expected not moving, got %+v", st)
	}

	fp.feed("1,0\ngarbage\n")
	waitFor(t, func() bool { return c.LatestState().Moving })

	st = c.LatestState()
	if st.Triggered {
		t.Errorf("expected not triggered after (1,0), got %+v", st)
	}
}

func TestSendCommand(t *testing.T) {
	fp := newFakePort()
	c := newTestChannel(t, fp)
	defer c.Stop()

	if err := c.SendCommand(2); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := fp.written(); got != "2\n" {
		t.Errorf("expected \"2\\n\" on the wire, got %q", got)
	}
}

func TestSendCommandNotStarted(t *testing.T) {
	c := New(testConfig())
	if err := c.SendCommand(1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestSendCommandWriteFailureReconnects(t *testing.T) {
	broken := newFakePort()
	broken.writeErr = errors.New("pipe broken")
	good := newFakePort()

	var opens atomic.Int64
	c := New(testConfig())
	c.open = func() (port, error) {
		if opens.Add(1) == 1 {
			return broken, nil
		}
		return good, nil
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	err := c.SendCommand(3)
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if !broken.isClosed() {
		t.Error("expected broken connection to be closed")
	}

	// Next send dials a fresh connection.
	if err := c.SendCommand(3); err != nil {
		t.Fatalf("expected reconnect and clean send, got %v", err)
	}
	if got := good.written(); got != "3\n" {
		t.Errorf("expected \"3\\n\" on fresh connection, got %q", got)
	}
	if opens.Load() < 2 {
		t.Errorf("expected a reconnect, opens = %d", opens.Load())
	}
}

// --- test helpers ---

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = time.Millisecond
	cfg.ErrorBackoff = time.Millisecond
	cfg.Logger = slog.Default()
	return cfg
}

func newTestChannel(t *testing.T, fp *fakePort) *Channel {
	t.Helper()
	c := New(testConfig())
	c.open = func() (port, error) { return fp, nil }
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakePort simulates a serial port with timeout-style reads.
type fakePort struct {
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	writeErr error
	closed   bool
}

func newFakePort() *fakePort {
	return &fakePort{}
}

func (f *fakePort) feed(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.WriteString(s)
}

func (f *fakePort) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

func (f *fakePort) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.in.Len() == 0 {
		f.mu.Unlock()
		// Behave like a read timeout.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer f.mu.Unlock()
	return f.in.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.out.Write(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }
func (f *fakePort) ResetOutputBuffer() error           { return nil }
