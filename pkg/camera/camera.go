// Package camera owns the webcam and keeps a continuously refreshed
// frame cache.
//
// One background goroutine reads frames and replaces the cached
// snapshot wholesale; consumers poll Latest without ever blocking the
// capture loop. Transient capture failures are absorbed by a
// counter-and-reopen policy.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors.
var (
	// ErrCameraUnavailable is returned when the capture device cannot
	// be opened at all. Fatal at startup.
	ErrCameraUnavailable = errors.New("camera: capture device unavailable")

	// ErrReadFailed is the per-frame capture failure, absorbed by the
	// capture loop.
	ErrReadFailed = errors.New("camera: frame read failed")
)

// Frame is one captured snapshot. JPEG is owned by whoever holds the
// Frame; the capture loop never mutates a published buffer.
type Frame struct {
	JPEG       []byte
	CapturedAt time.Time
}

// Device is the opaque "open camera" primitive. The production
// implementation wraps gocv; tests inject fakes.
type Device interface {
	// ReadJPEG captures one frame encoded as JPEG.
	ReadJPEG() ([]byte, error)

	// Close releases the device handle.
	Close() error
}

// OpenFunc opens a capture device. Called at Start and again on
// failure-triggered reopens.
type OpenFunc func() (Device, error)

// Config holds frame source configuration.
type Config struct {
	// Interval paces the capture loop, roughly the camera frame rate.
	Interval time.Duration

	// FailThreshold is the consecutive-failure count that triggers a
	// reopen attempt (~two seconds at the expected frame rate).
	FailThreshold int

	// ReopenCooldown gates reopen attempts so a flaky driver is not
	// thrashed.
	ReopenCooldown time.Duration

	// Logger for structured output.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       33 * time.Millisecond,
		FailThreshold:  60,
		ReopenCooldown: 5 * time.Second,
		Logger:         slog.Default(),
	}
}

// Source runs the background capture loop over one camera device.
type Source struct {
	cfg    Config
	open   OpenFunc
	logger *slog.Logger

	mu       sync.RWMutex
	frame    Frame
	hasFrame bool

	device  Device
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a frame source over the default gocv camera at the given
// device index.
func New(index int, cfg Config) *Source {
	return NewWithOpener(func() (Device, error) { return openGoCV(index) }, cfg)
}

// NewWithOpener creates a frame source with a custom device opener.
func NewWithOpener(open OpenFunc, cfg Config) *Source {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{
		cfg:    cfg,
		open:   open,
		logger: cfg.Logger.With("component", "camera"),
	}
}

// Start opens the capture device and spawns exactly one capture task.
func (s *Source) Start() error {
	if s.started {
		return nil
	}

	dev, err := s.open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	s.device = dev

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true

	go s.captureLoop()
	s.logger.Info("capture loop started")
	return nil
}

// Stop signals the loop to exit, waits up to a bounded timeout for it
// to observe the signal, then releases the device unconditionally.
func (s *Source) Stop() {
	if !s.started {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("capture loop did not stop in time")
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	s.started = false
}

// Latest returns the cached snapshot without blocking. ok is false
// until the first successful capture. With copy=true the returned JPEG
// is an independent buffer safe to hold indefinitely; with copy=false
// it is a shared reference valid only until the next capture write.
func (s *Source) Latest(copyBuf bool) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasFrame {
		return Frame{}, false
	}
	f := s.frame
	if copyBuf {
		dup := make([]byte, len(f.JPEG))
		copy(dup, f.JPEG)
		f.JPEG = dup
	}
	return f, true
}

// captureLoop reads one frame per tick. Consecutive failures past the
// threshold trigger a cooldown-gated reopen; the counter resets after a
// reopen attempt regardless of its outcome.
func (s *Source) captureLoop() {
	defer close(s.done)

	failures := 0
	var lastReopen time.Time

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		jpeg, err := s.device.ReadJPEG()
		if err != nil {
			failures++
			if failures >= s.cfg.FailThreshold {
				if time.Since(lastReopen) >= s.cfg.ReopenCooldown {
					s.reopen()
					lastReopen = time.Now()
				}
				failures = 0
			}
			continue
		}

		s.mu.Lock()
		s.frame = Frame{JPEG: jpeg, CapturedAt: time.Now()}
		s.hasFrame = true
		s.mu.Unlock()
		failures = 0
	}
}

// reopen replaces the device handle wholesale. A failed reopen leaves
// the old handle in place; the next threshold crossing tries again.
func (s *Source) reopen() {
	s.logger.Warn("capture failing, reopening device")

	dev, err := s.open()
	if err != nil {
		s.logger.Error("device reopen failed", "error", err)
		return
	}
	if s.device != nil {
		s.device.Close()
	}
	s.device = dev
	s.logger.Info("device reopened")
}
