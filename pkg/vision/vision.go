// Package vision provides the classification services used by the sorter.
//
// Two independent classifiers are implemented behind a single Classifier
// interface: Detect, a detection-style HTTP service whose response shape
// varies by deployment, and Gemini, a prompted vision-language service
// constrained to a strict JSON schema. The validator package combines the
// two into one decision.
//
// Example usage:
//
//	clf, _ := vision.NewGemini(
//	    vision.WithAPIKey(os.Getenv("GEMINI_API_KEY")),
//	)
//	pred, err := clf.Classify(ctx, jpeg)
package vision

import (
	"context"
	"encoding/json"
)

// Classifier categorizes a single JPEG frame.
// All implementations must satisfy this interface.
type Classifier interface {
	// Name identifies the classifier in logs and raw payloads.
	Name() string

	// Classify returns the category decision for one frame.
	Classify(ctx context.Context, jpeg []byte) (*Prediction, error)
}

// Prediction is one classifier's decision for a frame.
type Prediction struct {
	// Category is the resolved sorting category.
	Category Category

	// Label is the classifier's original free-text label.
	Label string

	// Confidence is the classifier's score, nil when the service
	// does not report one.
	Confidence *float64

	// Raw is the unmodified response body, forwarded to the backend.
	Raw json.RawMessage

	// LatencyMs is the response time in milliseconds.
	LatencyMs int64
}
