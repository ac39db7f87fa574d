package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	s := NewServer(0, NewStatsCollector())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
}

func TestReadyHandler(t *testing.T) {
	s := NewServer(0, NewStatsCollector())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.readyHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before SetReady, got %d", rec.Code)
	}

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.readyHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after SetReady, got %d", rec.Code)
	}

	s.SetReady(false)
	rec = httptest.NewRecorder()
	s.readyHandler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after SetReady(false), got %d", rec.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	sc := NewStatsCollector()
	sc.IncRequestsForHost("example.com")
	sc.AddBytesSent(42)

	s := NewServer(0, sc)
	s.SetPoolCounter(func() int { return 3 })

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.statsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats body: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("expected 1 total request, got %d", stats.TotalRequests)
	}
	if stats.BytesSent != 42 {
		t.Errorf("expected 42 bytes sent, got %d", stats.BytesSent)
	}
	if stats.RequestsPerHost["example.com"] != 1 {
		t.Errorf("expected per-host count, got %v", stats.RequestsPerHost)
	}
	if stats.CachedPools != 3 {
		t.Errorf("expected cached pool count from the registered counter, got %d", stats.CachedPools)
	}
}
