// Package backend publishes classification events to the session store.
//
// Publishing is gated on an active session for this device's label; when
// none is active the event is skipped, which is a no-op rather than an
// error. Delivery is best-effort: there is no retry budget here and no
// transaction spanning publish and the hardware command.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/recyclesort/go-sorter/internal/httpc"
)

// Event is one classification to record.
type Event struct {
	// CategorySlug identifies the resolved category (cans, bottles,
	// garbage).
	CategorySlug string

	// Confidence is the winning classifier's score, nil when the
	// classifier does not report one.
	Confidence *float64

	// RawPayload is arbitrary JSON describing how the decision was
	// reached, stored verbatim.
	RawPayload any
}

// Publisher resolves the active session and posts classification events.
type Publisher struct {
	baseURL     string
	key         string
	deviceLabel string
	http        *http.Client
	logger      *slog.Logger
}

// Config holds publisher configuration.
type Config struct {
	// BaseURL of the backend REST API.
	BaseURL string

	// Key is the service credential sent with every request.
	Key string

	// DeviceLabel identifies this sorter when resolving sessions.
	DeviceLabel string

	// Logger for structured output.
	Logger *slog.Logger
}

// New creates a publisher.
func New(cfg Config) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		baseURL:     cfg.BaseURL,
		key:         cfg.Key,
		deviceLabel: cfg.DeviceLabel,
		http:        httpc.Client,
		logger:      logger.With("component", "backend"),
	}
}

// Publish records one classification under the currently active session.
// When no session is active the event is skipped and nil is returned.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	sessionID, ok, err := p.activeSession(ctx)
	if err != nil {
		return fmt.Errorf("backend: resolve session: %w", err)
	}
	if !ok {
		p.logger.Debug("no active session, skipping publish")
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"session_id":    sessionID,
		"category_slug": ev.CategorySlug,
		"confidence":    ev.Confidence,
		"raw_payload":   ev.RawPayload,
		"client_ref":    uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("backend: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		p.baseURL+"/rest/v1/classifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	p.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend: publish failed with status %d: %s",
			resp.StatusCode, msg)
	}

	p.logger.Info("classification published",
		"session_id", sessionID,
		"category", ev.CategorySlug,
	)
	return nil
}

// activeSession looks up the active session for this device's label.
// ok=false means none is active.
func (p *Publisher) activeSession(ctx context.Context) (string, bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("status", "eq.active")
	q.Set("device_label", "eq."+p.deviceLabel)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, "GET",
		p.baseURL+"/rest/v1/sessions?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	p.authorize(req)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("session lookup failed with status %d: %s",
			resp.StatusCode, msg)
	}

	var sessions []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return "", false, fmt.Errorf("decode session lookup: %w", err)
	}
	if len(sessions) == 0 || sessions[0].ID == "" {
		return "", false, nil
	}
	return sessions[0].ID, true, nil
}

func (p *Publisher) authorize(req *http.Request) {
	req.Header.Set("apikey", p.key)
	req.Header.Set("Authorization", "Bearer "+p.key)
}
