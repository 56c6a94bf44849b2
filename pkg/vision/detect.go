package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

const serviceDetect = "detect"

// Detect implements Classifier for a detection-style inference service.
// The response is a JSON document whose shape varies by deployment mode;
// the best match is found by recursive search for the highest-confidence
// prediction object.
type Detect struct {
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewDetect creates a detection-service classifier.
func NewDetect(opts ...Option) (*Detect, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.BaseURL == "" {
		return nil, WrapError(serviceDetect, ErrNoEndpoint)
	}

	return &Detect{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("component", "vision.detect"),
	}, nil
}

// Name identifies the classifier.
func (d *Detect) Name() string { return serviceDetect }

// Classify uploads the frame and picks the highest-confidence prediction.
func (d *Detect) Classify(ctx context.Context, jpeg []byte) (*Prediction, error) {
	start := time.Now()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, WrapError(serviceDetect, err)
	}
	if _, err := fw.Write(jpeg); err != nil {
		return nil, WrapError(serviceDetect, err)
	}
	if err := mw.Close(); err != nil {
		return nil, WrapError(serviceDetect, err)
	}

	endpoint := d.config.BaseURL
	if d.config.APIKey != "" {
		endpoint += "?api_key=" + url.QueryEscape(d.config.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, &buf)
	if err != nil {
		return nil, WrapError(serviceDetect, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, WrapError(serviceDetect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(serviceDetect, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Service:    serviceDetect,
		}
	}

	var tree any
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, WrapError(serviceDetect, fmt.Errorf("decode response: %w", err))
	}

	label, conf, ok := bestPrediction(tree)
	if !ok {
		return nil, WrapError(serviceDetect, ErrNoPrediction)
	}

	d.logger.Debug("detection result",
		"label", label,
		"confidence", conf,
	)

	return &Prediction{
		Category:   CategoryFromLabel(label),
		Label:      label,
		Confidence: &conf,
		Raw:        json.RawMessage(body),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// bestPrediction searches an arbitrarily nested JSON value for prediction
// objects and returns the one with the highest confidence.
func bestPrediction(node any) (label string, confidence float64, found bool) {
	walkPredictions(node, func(l string, c float64) {
		if !found || c > confidence {
			label, confidence, found = l, c, true
		}
	})
	return label, confidence, found
}

// walkPredictions traverses maps and lists, invoking fn for every object
// that carries a label-like string field and a numeric confidence.
func walkPredictions(node any, fn func(label string, confidence float64)) {
	switch v := node.(type) {
	case map[string]any:
		if label, conf, ok := predictionFields(v); ok {
			fn(label, conf)
		}
		for _, child := range v {
			walkPredictions(child, fn)
		}
	case []any:
		for _, child := range v {
			walkPredictions(child, fn)
		}
	}
}

// predictionFields extracts (label, confidence) from a candidate object.
// Different deployment modes name the label field differently.
func predictionFields(m map[string]any) (string, float64, bool) {
	conf, ok := m["confidence"].(float64)
	if !ok {
		return "", 0, false
	}
	for _, key := range []string{"label", "class", "name"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s, conf, true
		}
	}
	return "", 0, false
}

// Verify Detect implements Classifier at compile time.
var _ Classifier = (*Detect)(nil)
