package retry

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	r := New(5)

	if r.Total != 5 {
		t.Errorf("expected total 5, got %d", r.Total)
	}
	if r.Redirect != -1 {
		t.Errorf("expected redirect -1 (inherit), got %d", r.Redirect)
	}
	if !r.RaiseOnRedirect {
		t.Error("expected RaiseOnRedirect true by default")
	}
	for _, name := range []string{"Authorization", "Proxy-Authorization", "Cookie"} {
		if !r.RemoveHeadersOnRedirect[name] {
			t.Errorf("expected %s in RemoveHeadersOnRedirect", name)
		}
	}
}

func TestRedirectsRemaining(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		redirect int
		want     int
	}{
		{"inherits total", 7, -1, 7},
		{"explicit redirect wins", 7, 3, 3},
		{"explicit zero", 7, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.total)
			r.Redirect = tt.redirect
			if got := r.RedirectsRemaining(); got != tt.want {
				t.Errorf("RedirectsRemaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIncrementDecrements(t *testing.T) {
	r := New(2)

	resp := &http.Response{StatusCode: http.StatusFound}
	r2, err := r.Increment(http.MethodGet, "http://example.com/", resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r2.Total != 1 {
		t.Errorf("expected total 1 after increment, got %d", r2.Total)
	}
	if len(r2.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(r2.History))
	}
	if r2.History[0].Status != http.StatusFound {
		t.Errorf("expected recorded status 302, got %d", r2.History[0].Status)
	}

	// Original is untouched
	if r.Total != 2 || len(r.History) != 0 {
		t.Error("Increment mutated the original policy")
	}
}

func TestIncrementExhausted(t *testing.T) {
	r := New(0)

	_, err := r.Increment(http.MethodGet, "http://example.com/", &http.Response{StatusCode: http.StatusFound})
	if err == nil {
		t.Fatal("expected error when budget is exhausted")
	}

	var maxErr *MaxRetryError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxRetryError, got %T", err)
	}
	if maxErr.URL != "http://example.com/" {
		t.Errorf("expected URL in error, got %q", maxErr.URL)
	}
}

func TestIncrementExplicitRedirectBudget(t *testing.T) {
	r := New(10).WithRedirect(1)

	r2, err := r.Increment(http.MethodGet, "http://a/", &http.Response{StatusCode: http.StatusFound})
	if err != nil {
		t.Fatalf("first increment failed: %v", err)
	}

	if _, err := r2.Increment(http.MethodGet, "http://b/", &http.Response{StatusCode: http.StatusFound}); err == nil {
		t.Error("expected exhaustion after redirect budget consumed")
	}
}

func TestDisabled(t *testing.T) {
	r := Disabled()

	if !r.IsExhausted() {
		t.Error("Disabled() should have no budget")
	}
	if r.RaiseOnRedirect {
		t.Error("Disabled() should not raise on redirect")
	}
}

func TestStripHeaders(t *testing.T) {
	r := New(3)

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Cookie", "session=abc")
	h.Set("Accept", "application/json")

	r.StripHeaders(h)

	if h.Get("Authorization") != "" {
		t.Error("Authorization should be stripped")
	}
	if h.Get("Cookie") != "" {
		t.Error("Cookie should be stripped")
	}
	if h.Get("Accept") != "application/json" {
		t.Error("Accept should survive stripping")
	}
}

func TestIsRedirect(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		location string
		want     bool
	}{
		{"moved permanently", http.StatusMovedPermanently, "/next", true},
		{"found", http.StatusFound, "/next", true},
		{"see other", http.StatusSeeOther, "/next", true},
		{"temporary redirect", http.StatusTemporaryRedirect, "/next", true},
		{"permanent redirect", http.StatusPermanentRedirect, "/next", true},
		{"redirect without location", http.StatusFound, "", false},
		{"ok", http.StatusOK, "", false},
		{"not modified", http.StatusNotModified, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			if tt.location != "" {
				resp.Header.Set("Location", tt.location)
			}
			if got := IsRedirect(resp); got != tt.want {
				t.Errorf("IsRedirect() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsRedirect(nil) {
		t.Error("IsRedirect(nil) should be false")
	}
}

func TestBackoffTime(t *testing.T) {
	r := New(10)
	r.BackoffFactor = 0.5

	// First attempt never sleeps
	if got := r.BackoffTime(); got != 0 {
		t.Errorf("expected no backoff before any history, got %v", got)
	}

	r.History = []Attempt{{}, {}}
	if got := r.BackoffTime(); got != 1*time.Second {
		t.Errorf("expected 1s backoff after 2 attempts, got %v", got)
	}

	r.History = []Attempt{{}, {}, {}}
	if got := r.BackoffTime(); got != 2*time.Second {
		t.Errorf("expected 2s backoff after 3 attempts, got %v", got)
	}

	// Capped at BackoffMax
	r.History = make([]Attempt, 20)
	if got := r.BackoffTime(); got != r.BackoffMax {
		t.Errorf("expected backoff capped at %v, got %v", r.BackoffMax, got)
	}
}

func TestBackoffDisabledByDefault(t *testing.T) {
	r := New(10)
	r.History = make([]Attempt, 5)
	if got := r.BackoffTime(); got != 0 {
		t.Errorf("expected zero backoff with zero factor, got %v", got)
	}
}
