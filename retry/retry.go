// Package retry provides the redirect/retry budget policy consulted by
// the pool manager when following redirect chains.
package retry

import (
	"fmt"
	"math"
	"net/http"
	"net/textproto"
	"time"
)

// Default budgets and backoff parameters.
const (
	// DefaultTotal is the default total attempt budget.
	DefaultTotal = 10

	// DefaultBackoffMax caps the exponential backoff delay.
	DefaultBackoffMax = 120 * time.Second
)

// defaultRemoveHeadersOnRedirect lists headers dropped when a redirect
// crosses to a different host.
var defaultRemoveHeadersOnRedirect = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
}

// redirectStatuses are the response codes that carry a followable
// Location header.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// MaxRetryError is returned when the retry budget is exhausted.
type MaxRetryError struct {
	URL    string
	Reason string
}

func (e *MaxRetryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("max retries exceeded for %s", e.URL)
	}
	return fmt.Sprintf("max retries exceeded for %s: %s", e.URL, e.Reason)
}

// Attempt records one consumed unit of the budget.
type Attempt struct {
	Method string
	URL    string
	Status int
}

// Retry tracks the remaining redirect/retry budget, the accumulated
// attempt history and the cross-redirect header policy.
//
// A Retry value is never mutated after construction; Increment returns
// a decremented copy, so callers can thread retry state through a
// redirect chain while holding references to earlier states.
type Retry struct {
	// Total is the overall attempt budget.
	Total int

	// Redirect is the redirect budget. Negative means "inherit Total".
	Redirect int

	// RaiseOnRedirect controls whether an exhausted redirect budget is
	// reported as a MaxRetryError or the last response is returned.
	RaiseOnRedirect bool

	// RemoveHeadersOnRedirect holds canonical header names stripped
	// from requests that redirect to a different host.
	RemoveHeadersOnRedirect map[string]bool

	// History holds one entry per consumed attempt, oldest first.
	History []Attempt

	// BackoffFactor scales the exponential backoff between attempts.
	// Zero disables backoff.
	BackoffFactor float64

	// BackoffMax caps the computed backoff delay.
	BackoffMax time.Duration
}

// New returns a Retry with the given total budget and default policy.
func New(total int) *Retry {
	r := &Retry{
		Total:           total,
		Redirect:        -1,
		RaiseOnRedirect: true,
		BackoffMax:      DefaultBackoffMax,
	}
	r.RemoveHeadersOnRedirect = make(map[string]bool, len(defaultRemoveHeadersOnRedirect))
	for _, h := range defaultRemoveHeadersOnRedirect {
		r.RemoveHeadersOnRedirect[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
	return r
}

// Default returns the policy used when a caller supplies none.
func Default() *Retry {
	return New(DefaultTotal)
}

// Disabled returns a policy with no budget that reports the last
// response instead of an error. It stands in for "retries=false".
func Disabled() *Retry {
	r := New(0)
	r.RaiseOnRedirect = false
	return r
}

// WithRedirect returns a copy with an explicit redirect budget.
func (r *Retry) WithRedirect(n int) *Retry {
	c := r.copy()
	c.Redirect = n
	return c
}

// WithRaiseOnRedirect returns a copy with the raise flag set.
func (r *Retry) WithRaiseOnRedirect(raise bool) *Retry {
	c := r.copy()
	c.RaiseOnRedirect = raise
	return c
}

// copy returns a shallow copy with its own history and header set.
func (r *Retry) copy() *Retry {
	c := *r
	c.History = make([]Attempt, len(r.History))
	copy(c.History, r.History)
	c.RemoveHeadersOnRedirect = make(map[string]bool, len(r.RemoveHeadersOnRedirect))
	for k, v := range r.RemoveHeadersOnRedirect {
		c.RemoveHeadersOnRedirect[k] = v
	}
	return &c
}

// RedirectsRemaining reports the effective redirect budget.
func (r *Retry) RedirectsRemaining() int {
	if r.Redirect >= 0 {
		return r.Redirect
	}
	return r.Total
}

// IsExhausted reports whether no budget remains.
func (r *Retry) IsExhausted() bool {
	return r.RedirectsRemaining() <= 0
}

// Increment consumes one unit of the budget for the attempt that
// produced resp and returns the decremented policy. When the budget is
// already exhausted it returns a MaxRetryError instead.
func (r *Retry) Increment(method, url string, resp *http.Response) (*Retry, error) {
	if r.IsExhausted() {
		reason := ""
		if resp != nil {
			reason = fmt.Sprintf("too many redirects (last status %d)", resp.StatusCode)
		}
		return nil, &MaxRetryError{URL: url, Reason: reason}
	}

	c := r.copy()
	if c.Total > 0 {
		c.Total--
	}
	if c.Redirect > 0 {
		c.Redirect--
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.History = append(c.History, Attempt{Method: method, URL: url, Status: status})
	return c, nil
}

// StripHeaders removes the headers forbidden across cross-host
// redirects from h, in place.
func (r *Retry) StripHeaders(h http.Header) {
	for name := range r.RemoveHeadersOnRedirect {
		h.Del(name)
	}
}

// IsRedirect reports whether resp carries a followable redirect.
func IsRedirect(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return redirectStatuses[resp.StatusCode] && resp.Header.Get("Location") != ""
}

// RedirectLocation returns the Location header of a redirect response,
// or "" when the response is not a redirect.
func RedirectLocation(resp *http.Response) string {
	if !IsRedirect(resp) {
		return ""
	}
	return resp.Header.Get("Location")
}

// BackoffTime computes the exponential backoff for the next attempt
// from the consumed history: factor * 2^(attempts-1), capped at
// BackoffMax. The first attempt never sleeps.
func (r *Retry) BackoffTime() time.Duration {
	consumed := len(r.History)
	if consumed <= 1 || r.BackoffFactor <= 0 {
		return 0
	}

	delay := time.Duration(r.BackoffFactor * math.Pow(2, float64(consumed-1)) * float64(time.Second))
	if delay > r.BackoffMax {
		delay = r.BackoffMax
	}
	return delay
}
