package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestPublishWithActiveSession(t *testing.T) {
	var mu sync.Mutex
	var published map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "eq.active" {
			t.Errorf("expected active-session filter, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("device_label") != "eq.sorter-7" {
			t.Errorf("expected device label filter, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id": "sess-1"}]`))
	})
	mux.HandleFunc("/rest/v1/classifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") == "" {
			t.Error("expected apikey header")
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&published); err != nil {
			t.Errorf("bad publish body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	p := New(Config{BaseURL: server.URL, Key: "k", DeviceLabel: "sorter-7"})
	conf := 0.9
	err := p.Publish(context.Background(), Event{
		CategorySlug: "bottles",
		Confidence:   &conf,
		RawPayload:   map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if published == nil {
		t.Fatal("expected a publish request")
	}
	if published["session_id"] != "sess-1" {
		t.Errorf("expected session id forwarded, got %v", published["session_id"])
	}
	if published["category_slug"] != "bottles" {
		t.Errorf("expected category slug, got %v", published["category_slug"])
	}
	if ref, _ := published["client_ref"].(string); ref == "" {
		t.Error("expected a generated client_ref")
	}
	if published["raw_payload"] == nil {
		t.Error("expected raw payload forwarded")
	}
}

func TestPublishSkippedWithoutSession(t *testing.T) {
	posted := false

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/rest/v1/classifications", func(w http.ResponseWriter, r *http.Request) {
		posted = true
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	p := New(Config{BaseURL: server.URL, Key: "k", DeviceLabel: "sorter-1"})
	if err := p.Publish(context.Background(), Event{CategorySlug: "cans"}); err != nil {
		t.Fatalf("expected skip to be a no-op, got %v", err)
	}
	if posted {
		t.Error("publish must be skipped when no session is active")
	}
}

func TestPublishSessionLookupError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, Key: "k", DeviceLabel: "sorter-1"})
	if err := p.Publish(context.Background(), Event{CategorySlug: "cans"}); err == nil {
		t.Error("expected error when session lookup fails")
	}
}
