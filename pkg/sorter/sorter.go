// Package sorter drives the sorting cycle state machine.
//
// The controller polls the serial state cache and the frame cache,
// classifies on trigger, publishes the result and commands the
// hardware, then waits for mechanical settle. All polling reads caches
// only; nothing here blocks on hardware I/O, so responsiveness to
// cancellation is bounded by the poll interval.
package sorter

import (
	"context"
	"log/slog"
	"time"

	"github.com/recyclesort/go-sorter/pkg/backend"
	"github.com/recyclesort/go-sorter/pkg/camera"
	"github.com/recyclesort/go-sorter/pkg/serialdev"
	"github.com/recyclesort/go-sorter/pkg/validate"
)

// StateReader exposes the serial channel's non-blocking state snapshot.
type StateReader interface {
	LatestState() serialdev.State
}

// FrameReader exposes the frame source's non-blocking snapshot.
type FrameReader interface {
	Latest(copy bool) (camera.Frame, bool)
}

// Recognizer resolves one frame to a category decision.
type Recognizer interface {
	Classify(ctx context.Context, frame []byte, fresh validate.FrameSupplier) *validate.Result
}

// Publisher records a classification event. May be nil when the
// backend is not configured.
type Publisher interface {
	Publish(ctx context.Context, ev backend.Event) error
}

// Commander sends the category command to the hardware.
type Commander interface {
	SendCommand(value int) error
}

// Config holds controller configuration.
type Config struct {
	// PollInterval paces the WaitFirstFrame, WaitTrigger and
	// WaitSettle loops.
	PollInterval time.Duration

	// MaxCycles stops the controller after N cycles; 0 means
	// unbounded.
	MaxCycles int

	// Logger for structured output.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 50 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Controller ties the channel, frame source, validator and backend
// together. It owns no device directly, only injected handles.
type Controller struct {
	states StateReader
	frames FrameReader
	rec    Recognizer
	pub    Publisher
	cmd    Commander
	cfg    Config
	logger *slog.Logger

	// held is the last frame observed, the Capture fallback when a
	// fresh read momentarily returns empty.
	held camera.Frame
}

// New creates a controller over the injected collaborators.
func New(states StateReader, frames FrameReader, rec Recognizer, pub Publisher, cmd Commander, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Controller{
		states: states,
		frames: frames,
		rec:    rec,
		pub:    pub,
		cmd:    cmd,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "sorter"),
	}
}

// Run executes the cycle loop until the context is cancelled or the
// cycle bound is reached:
//
//	WaitFirstFrame -> WaitTrigger -> Capture -> Classify -> Publish
//	-> Command -> WaitSettle -> WaitTrigger ...
//
// Publish and command failures are logged and never abort the loop.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("waiting for first frame")
	if !c.waitFirstFrame(ctx) {
		return ctx.Err()
	}

	cycles := 0
	for {
		c.logger.Info("waiting for trigger")
		if !c.poll(ctx, func() bool { return c.states.LatestState().Triggered }) {
			return ctx.Err()
		}

		frame := c.capture()
		c.logger.Info("object detected", "frame_age", time.Since(frame.CapturedAt))

		result := c.rec.Classify(ctx, frame.JPEG, c.freshFrame)

		c.publish(ctx, result)
		c.command(result)

		c.logger.Info("waiting for settle")
		if !c.poll(ctx, func() bool { return !c.states.LatestState().Moving }) {
			return ctx.Err()
		}

		cycles++
		if c.cfg.MaxCycles > 0 && cycles >= c.cfg.MaxCycles {
			c.logger.Info("cycle bound reached", "cycles", cycles)
			return nil
		}
	}
}

// waitFirstFrame polls until the frame cache is non-empty.
func (c *Controller) waitFirstFrame(ctx context.Context) bool {
	return c.poll(ctx, func() bool {
		f, ok := c.frames.Latest(false)
		if ok {
			c.held = f
		}
		return ok
	})
}

// capture takes the freshest available frame at the instant the trigger
// was observed, falling back to the previously held frame. The copy is
// requested so the buffer survives the next capture write.
func (c *Controller) capture() camera.Frame {
	if f, ok := c.frames.Latest(true); ok {
		c.held = f
		return f
	}
	return c.held
}

// freshFrame is the retry supplier handed to the validator.
func (c *Controller) freshFrame() ([]byte, bool) {
	f, ok := c.frames.Latest(true)
	if !ok {
		return nil, false
	}
	return f.JPEG, true
}

// publish forwards the result to the backend. Failures are logged only.
func (c *Controller) publish(ctx context.Context, result *validate.Result) {
	if c.pub == nil {
		return
	}
	ev := backend.Event{
		CategorySlug: result.Category.Slug(),
		Confidence:   result.Confidence,
		RawPayload: map[string]any{
			"agreement": result.Agreement.String(),
			"label":     result.Label,
			"responses": result.Raw,
		},
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Error("publish failed", "error", err)
	}
}

// command sends the category to the hardware. Failures are logged only;
// the serial channel reconnects lazily on its own.
func (c *Controller) command(result *validate.Result) {
	if err := c.cmd.SendCommand(int(result.Category)); err != nil {
		c.logger.Error("command failed",
			"category", result.Category.String(),
			"error", err,
		)
	}
}

// poll re-checks cond at the poll interval until it holds or the
// context is cancelled. Returns false on cancellation.
func (c *Controller) poll(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
