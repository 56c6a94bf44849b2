// Package serialdev owns the serial link to the sorting microcontroller.
//
// A single background reader parses device state lines continuously and
// keeps a non-blocking snapshot cache; commands are sent under a write
// lock that is disjoint from the cache lock, so a send never stalls on
// the reader and vice versa.
package serialdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Sentinel errors.
var (
	// ErrNoPortFound is returned when no serial ports are present at all.
	ErrNoPortFound = errors.New("serialdev: no serial ports found")

	// ErrNotStarted is returned when the channel is used before Start.
	ErrNotStarted = errors.New("serialdev: channel not started")
)

// WriteError wraps a failed command send. The connection is discarded
// and reopened lazily on the next access.
type WriteError struct {
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("serialdev: write failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// State is the last device state parsed from the wire. Moving reports
// whether the sorting mechanism is in motion, Triggered whether the
// object sensor has fired.
type State struct {
	Moving     bool
	Triggered  bool
	Raw        string
	ObservedAt time.Time
}

// portHints score enumerated ports during auto-detection. Common
// USB-serial bridge chips first, then generic identifiers.
var portHints = []string{
	"ch340",
	"ch341",
	"cp210",
	"ft232",
	"ftdi",
	"wchusbserial",
	"usbserial",
	"usbmodem",
	"arduino",
}

// port is the subset of the serial handle the channel uses. Narrowed
// from serial.Port so tests can inject fakes.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Config holds channel configuration.
type Config struct {
	// PortPath is an explicit device path. Empty means auto-detect.
	PortPath string

	// BaudRate for the control line.
	BaudRate int

	// SettleDelay is the post-open grace period for the hardware reset.
	SettleDelay time.Duration

	// ReadTimeout bounds each line-read attempt in the reader loop.
	ReadTimeout time.Duration

	// ErrorBackoff is the pause after a read error before retrying.
	ErrorBackoff time.Duration

	// Logger for structured output.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaudRate:     115200,
		SettleDelay:  2 * time.Second,
		ReadTimeout:  50 * time.Millisecond,
		ErrorBackoff: 50 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Channel owns one hardware control-line connection.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	// open replaces the real dial in tests.
	open func() (port, error)

	// portMu guards the handle itself. The handle is replaced
	// wholesale on reconnect, never patched in place.
	portMu sync.Mutex
	port   port

	// stateMu guards only the snapshot cache.
	stateMu sync.RWMutex
	state   State

	// writeMu serializes command sends, disjoint from stateMu.
	writeMu sync.Mutex

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a channel. Call Start to open the port and begin reading.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "serialdev"),
	}
	c.open = c.dial
	return c
}

// Start opens the serial port and spawns the background reader.
// Exactly one reader runs per channel; calling Start twice is a no-op.
func (c *Channel) Start() error {
	if c.started {
		return nil
	}

	p, err := c.open()
	if err != nil {
		return err
	}
	c.setPort(p)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go c.readLoop(ctx)
	return nil
}

// Stop signals the reader to exit, waits briefly for it, then releases
// the port unconditionally.
func (c *Channel) Stop() {
	if !c.started {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.logger.Warn("reader did not stop in time")
	}
	c.invalidate()
	c.started = false
}

// LatestState returns the cached device state without blocking. Before
// any valid line has been parsed it returns the zero State (not moving,
// not triggered).
func (c *Channel) LatestState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// SendCommand writes a single decimal command value terminated by a
// newline. On failure the connection is discarded so the next access
// reconnects, and a WriteError is returned.
func (c *Channel) SendCommand(value int) error {
	if !c.started {
		return ErrNotStarted
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	p, err := c.ensurePort()
	if err != nil {
		return &WriteError{Err: err}
	}

	if err := p.ResetOutputBuffer(); err != nil {
		c.logger.Debug("reset output buffer failed", "error", err)
	}
	if _, err := fmt.Fprintf(p, "%d\n", value); err != nil {
		c.invalidate()
		return &WriteError{Err: err}
	}

	c.logger.Info("command sent", "value", value)
	return nil
}

// readLoop runs until the channel is stopped. Read errors never
// terminate it; the handle is invalidated and reopened on the next pass.
func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)

	var pending []byte
	buf := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return
		}

		p, err := c.ensurePort()
		if err != nil {
			c.logger.Warn("serial reconnect failed", "error", err)
			if !sleepCtx(ctx, c.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		n, err := p.Read(buf)
		if err != nil {
			c.logger.Warn("serial read error", "error", err)
			c.invalidate()
			if !sleepCtx(ctx, c.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		if n == 0 {
			// Read timeout, nothing buffered.
			continue
		}

		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(pending[:i]))
			pending = pending[i+1:]
			if line == "" {
				continue
			}
			c.handleLine(line)
		}
	}
}

// handleLine parses one state line and atomically replaces the cache.
// Unparsable lines are discarded; they never overwrite a valid state.
func (c *Channel) handleLine(line string) {
	moving, triggered, ok := ParseStateLine(line)
	if !ok {
		c.logger.Debug("discarding unparsable line", "line", line)
		return
	}

	c.stateMu.Lock()
	c.state = State{
		Moving:     moving,
		Triggered:  triggered,
		Raw:        line,
		ObservedAt: time.Now(),
	}
	c.stateMu.Unlock()
}

// ParseStateLine parses a two-digit device state line in the tolerant
// grammar: optional surrounding parentheses, comma or whitespace as
// separator. Accepted forms include "0,1", "(0, 1)" and "0 1". The
// digits are (moving, triggered) read left to right.
func ParseStateLine(line string) (moving, triggered, ok bool) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 2 {
		return false, false, false
	}

	vals := make([]bool, 2)
	for i, f := range fields {
		switch f {
		case "0":
			vals[i] = false
		case "1":
			vals[i] = true
		default:
			return false, false, false
		}
	}
	return vals[0], vals[1], true
}

// ensurePort returns the current handle, dialing a fresh one if the
// previous connection was invalidated.
func (c *Channel) ensurePort() (port, error) {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	if c.port != nil {
		return c.port, nil
	}
	p, err := c.open()
	if err != nil {
		return nil, err
	}
	c.port = p
	return p, nil
}

func (c *Channel) setPort(p port) {
	c.portMu.Lock()
	c.port = p
	c.portMu.Unlock()
}

// invalidate closes and discards the handle so the next access
// re-resolves and reopens the device.
func (c *Channel) invalidate() {
	c.portMu.Lock()
	if c.port != nil {
		c.port.Close()
		c.port = nil
	}
	c.portMu.Unlock()
}

// dial resolves the device path, opens it, applies the hardware settle
// delay and clears any buffered input.
func (c *Channel) dial() (port, error) {
	path := c.cfg.PortPath
	if path == "" {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return nil, fmt.Errorf("serialdev: enumerate ports: %w", err)
		}
		path, err = ChoosePort(ports)
		if err != nil {
			return nil, err
		}
	}

	mode := &serial.Mode{BaudRate: c.cfg.BaudRate}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialdev: open %s: %w", path, err)
	}
	if err := p.SetReadTimeout(c.cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialdev: set read timeout: %w", err)
	}

	c.logger.Info("serial port opened", "path", path, "baud", c.cfg.BaudRate)

	// Grace period for the microcontroller reset on open, then drop
	// whatever arrived during it.
	time.Sleep(c.cfg.SettleDelay)
	if err := p.ResetInputBuffer(); err != nil {
		c.logger.Debug("reset input buffer failed", "error", err)
	}

	return p, nil
}

// ChoosePort picks a device path from the enumerated ports. Ports are
// scored by substring match against known USB-serial identifiers; if
// nothing matches, the first enumerated port is used.
func ChoosePort(ports []*enumerator.PortDetails) (string, error) {
	if len(ports) == 0 {
		return "", ErrNoPortFound
	}

	for _, hint := range portHints {
		for _, p := range ports {
			desc := strings.ToLower(p.Name + " " + p.Product)
			if strings.Contains(desc, hint) {
				return p.Name, nil
			}
		}
	}

	return ports[0].Name, nil
}

// sleepCtx sleeps for d unless the context is cancelled first.
// Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
