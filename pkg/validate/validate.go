// Package validate cross-checks two independent classifiers and applies
// the agreement/retry/tie-break policy to produce one category decision.
package validate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/recyclesort/go-sorter/pkg/vision"
)

// Agreement describes how the final category was reached.
type Agreement int

const (
	// BothAgreed means both classifiers returned the same category on
	// the first attempt.
	BothAgreed Agreement = iota

	// RetryAgreed means the classifiers disagreed (or both failed) at
	// first but agreed on the retry frame.
	RetryAgreed

	// TieBreak means the classifiers still disagreed after the retry;
	// classifier B's retry value wins.
	TieBreak

	// SingleSourceOnly means exactly one classifier produced a result.
	SingleSourceOnly

	// BothFailed means no classifier produced a result on either
	// attempt; the fail-safe category is Garbage.
	BothFailed
)

// String returns a human-readable name.
func (a Agreement) String() string {
	switch a {
	case BothAgreed:
		return "both_agreed"
	case RetryAgreed:
		return "retry_agreed"
	case TieBreak:
		return "tie_break"
	case SingleSourceOnly:
		return "single_source"
	case BothFailed:
		return "both_failed"
	default:
		return "unknown"
	}
}

// FrameSupplier returns a fresh frame for the retry attempt. ok=false
// means no fresh frame is available and the original should be reused.
type FrameSupplier func() ([]byte, bool)

// Result is the validator's final decision for one frame.
type Result struct {
	// Category is the resolved sorting category.
	Category vision.Category

	// Agreement records how the decision was reached.
	Agreement Agreement

	// Label is the winning classifier's original label, empty when
	// both classifiers failed.
	Label string

	// Confidence is the winning classifier's score, nil when absent.
	Confidence *float64

	// Raw holds the last response body per classifier name, forwarded
	// to the backend as the event payload.
	Raw map[string]json.RawMessage
}

// Option configures a Validator.
type Option func(*Validator)

// WithRetry enables or disables the single retry attempt.
func WithRetry(enabled bool) Option {
	return func(v *Validator) { v.retry = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l.With("component", "validate") }
}

// Validator runs two classifiers against a frame and reconciles their
// answers. Classifier B is the tie-break preference.
type Validator struct {
	a, b   vision.Classifier
	retry  bool
	logger *slog.Logger
}

// New creates a validator over classifiers A and B.
func New(a, b vision.Classifier, opts ...Option) *Validator {
	v := &Validator{
		a:      a,
		b:      b,
		retry:  true,
		logger: slog.Default().With("component", "validate"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Classify applies the agreement policy:
//
//   - both succeed and agree: that category, BothAgreed
//   - exactly one succeeds: its category, SingleSourceOnly
//   - disagreement or double failure: retry once on a fresh frame,
//     then RetryAgreed / TieBreak (B wins) / SingleSourceOnly /
//     BothFailed (Garbage) as appropriate.
//
// Classify never returns an error; a total failure degrades to the
// fail-safe Garbage decision.
func (v *Validator) Classify(ctx context.Context, frame []byte, fresh FrameSupplier) *Result {
	raw := make(map[string]json.RawMessage)

	pa, pb := v.evaluate(ctx, frame, raw)

	switch {
	case pa != nil && pb != nil && pa.Category == pb.Category:
		return v.result(pb, BothAgreed, raw)
	case pa != nil && pb == nil:
		return v.result(pa, SingleSourceOnly, raw)
	case pb != nil && pa == nil:
		return v.result(pb, SingleSourceOnly, raw)
	}

	// Disagreement, or both calls failed.
	if !v.retry {
		if pa == nil && pb == nil {
			return v.failSafe(raw)
		}
		return v.result(pb, TieBreak, raw)
	}

	retryFrame := frame
	if fresh != nil {
		if f, ok := fresh(); ok && len(f) > 0 {
			retryFrame = f
		}
	}

	v.logger.Info("classifiers disagreed, retrying on fresh frame")

	pa, pb = v.evaluate(ctx, retryFrame, raw)

	switch {
	case pa != nil && pb != nil && pa.Category == pb.Category:
		return v.result(pb, RetryAgreed, raw)
	case pa != nil && pb != nil:
		// Persistent disagreement: classifier B's retry value wins.
		return v.result(pb, TieBreak, raw)
	case pa != nil:
		return v.result(pa, SingleSourceOnly, raw)
	case pb != nil:
		return v.result(pb, SingleSourceOnly, raw)
	}

	return v.failSafe(raw)
}

// evaluate runs both classifiers against the frame. Each call is
// fault-isolated: a failure in one never prevents evaluating the other.
func (v *Validator) evaluate(ctx context.Context, frame []byte, raw map[string]json.RawMessage) (*vision.Prediction, *vision.Prediction) {
	pa, err := v.a.Classify(ctx, frame)
	if err != nil {
		v.logger.Warn("classifier failed",
			"classifier", v.a.Name(),
			"error", err,
		)
		pa = nil
	} else if pa.Raw != nil {
		raw[v.a.Name()] = pa.Raw
	}

	pb, err := v.b.Classify(ctx, frame)
	if err != nil {
		v.logger.Warn("classifier failed",
			"classifier", v.b.Name(),
			"error", err,
		)
		pb = nil
	} else if pb.Raw != nil {
		raw[v.b.Name()] = pb.Raw
	}

	return pa, pb
}

func (v *Validator) result(p *vision.Prediction, agreement Agreement, raw map[string]json.RawMessage) *Result {
	v.logger.Info("classification resolved",
		"category", p.Category.String(),
		"agreement", agreement.String(),
	)
	return &Result{
		Category:   p.Category,
		Agreement:  agreement,
		Label:      p.Label,
		Confidence: p.Confidence,
		Raw:        raw,
	}
}

func (v *Validator) failSafe(raw map[string]json.RawMessage) *Result {
	v.logger.Warn("all classification attempts failed, defaulting to garbage")
	return &Result{
		Category:  vision.Garbage,
		Agreement: BothFailed,
		Raw:       raw,
	}
}
