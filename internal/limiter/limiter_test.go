package limiter

import (
	"errors"
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	l := New(2, 10)

	if err := l.Acquire("example.com"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.Acquire("example.com"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if err := l.Acquire("example.com"); !errors.Is(err, ErrHostLimitReached) {
		t.Errorf("expected ErrHostLimitReached, got %v", err)
	}

	// Another host still has room.
	if err := l.Acquire("other.com"); err != nil {
		t.Errorf("different host should not be limited: %v", err)
	}

	l.Release("example.com")
	if err := l.Acquire("example.com"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestTotalLimit(t *testing.T) {
	l := New(10, 2)

	if err := l.Acquire("a.com"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := l.Acquire("b.com"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if err := l.Acquire("c.com"); !errors.Is(err, ErrTotalLimitReached) {
		t.Errorf("expected ErrTotalLimitReached, got %v", err)
	}
}

func TestHostLimitRollsBackTotal(t *testing.T) {
	l := New(1, 10)

	l.Acquire("example.com")
	if err := l.Acquire("example.com"); !errors.Is(err, ErrHostLimitReached) {
		t.Fatalf("expected host limit, got %v", err)
	}

	if got := l.GetTotalCount(); got != 1 {
		t.Errorf("rejected acquire should roll back total, got %d", got)
	}
}

func TestCounts(t *testing.T) {
	l := New(10, 100)

	l.Acquire("example.com")
	l.Acquire("example.com")
	l.Acquire("other.com")

	if got := l.GetHostCount("example.com"); got != 2 {
		t.Errorf("expected host count 2, got %d", got)
	}
	if got := l.GetHostCount("unknown.com"); got != 0 {
		t.Errorf("expected 0 for unknown host, got %d", got)
	}
	if got := l.GetTotalCount(); got != 3 {
		t.Errorf("expected total 3, got %d", got)
	}

	stats := l.Stats()
	if stats["total"] != 3 || stats["example.com"] != 2 || stats["other.com"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestUpdateLimits(t *testing.T) {
	l := New(1, 1)

	l.Acquire("example.com")
	if err := l.Acquire("example.com"); err == nil {
		t.Fatal("expected limit reached")
	}

	l.UpdateLimits(5, 10)
	if l.MaxPerHost() != 5 || l.MaxTotal() != 10 {
		t.Errorf("limits not updated: %d/%d", l.MaxPerHost(), l.MaxTotal())
	}

	if err := l.Acquire("example.com"); err != nil {
		t.Errorf("acquire should succeed after raising limits: %v", err)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	const limit = 50
	l := New(limit, limit)

	var wg sync.WaitGroup
	acquired := make(chan struct{}, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire("example.com"); err == nil {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(acquired)

	n := 0
	for range acquired {
		n++
	}
	if n != limit {
		t.Errorf("expected exactly %d successful acquires, got %d", limit, n)
	}
	if got := l.GetTotalCount(); got != limit {
		t.Errorf("expected total %d, got %d", limit, got)
	}
}
