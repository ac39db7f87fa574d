package metrics

import (
	"sync"
	"testing"
)

func TestStatsCollectorActiveRequests(t *testing.T) {
	sc := NewStatsCollector()

	sc.IncActiveRequests()
	sc.IncActiveRequests()
	sc.DecActiveRequests()

	if got := sc.GetStats().ActiveRequests; got != 1 {
		t.Errorf("expected 1 active request, got %d", got)
	}
}

func TestStatsCollectorPerHost(t *testing.T) {
	sc := NewStatsCollector()

	sc.IncRequestsForHost("a.example")
	sc.IncRequestsForHost("a.example")
	sc.IncRequestsForHost("b.example")

	stats := sc.GetStats()
	if stats.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.RequestsPerHost["a.example"] != 2 {
		t.Errorf("expected 2 requests for a.example, got %d", stats.RequestsPerHost["a.example"])
	}
	if stats.RequestsPerHost["b.example"] != 1 {
		t.Errorf("expected 1 request for b.example, got %d", stats.RequestsPerHost["b.example"])
	}
}

func TestStatsCollectorBytes(t *testing.T) {
	sc := NewStatsCollector()

	sc.AddBytesSent(100)
	sc.AddBytesSent(50)
	sc.AddBytesReceived(30)

	stats := sc.GetStats()
	if stats.BytesSent != 150 {
		t.Errorf("expected 150 bytes sent, got %d", stats.BytesSent)
	}
	if stats.BytesReceived != 30 {
		t.Errorf("expected 30 bytes received, got %d", stats.BytesReceived)
	}
}

func TestStatsCollectorConcurrent(t *testing.T) {
	sc := NewStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.IncRequestsForHost("shared.example")
			sc.AddBytesSent(1)
		}()
	}
	wg.Wait()

	stats := sc.GetStats()
	if stats.TotalRequests != 100 {
		t.Errorf("expected 100 total requests, got %d", stats.TotalRequests)
	}
	if stats.RequestsPerHost["shared.example"] != 100 {
		t.Errorf("expected 100 per-host requests, got %d", stats.RequestsPerHost["shared.example"])
	}
	if stats.BytesSent != 100 {
		t.Errorf("expected 100 bytes sent, got %d", stats.BytesSent)
	}
}
