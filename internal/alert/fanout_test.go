package alert

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"arbcore/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) Config {
	return Config{
		WebhookURL:            url,
		BufferSize:            3,
		SendTimeout:           2 * time.Second,
		CircuitBreakThreshold: 2,
		CircuitBreakDuration:  50 * time.Millisecond,
		MaxRetries:            1,
	}
}

func criticalEvent(id string) eventbus.Event {
	return eventbus.Event{Type: "trading.halted", Module: "test", CorrelationID: id}
}

func infoNonAllowedEvent() eventbus.Event {
	return eventbus.Event{Type: "orderbook.updated", Module: "ingestion"}
}

func TestHandleEventIgnoresNonAllowedInfo(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), testLogger())
	f.HandleEvent(context.Background(), infoNonAllowedEvent())

	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no delivery attempt for a non-allow-listed info event, got %d", hits)
	}
}

func TestHandleEventDeliversCritical(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), testLogger())
	f.HandleEvent(context.Background(), criticalEvent("c1"))

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected exactly one delivery attempt, got %d", hits)
	}
}

func TestBufferOverflowEvictsLowestPriorityOldest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), testLogger())

	low1 := eventbus.Event{Type: "order.filled", Module: "test"}   // info, allow-listed, priority 0
	low2 := eventbus.Event{Type: "order.filled", Module: "test"}
	high := eventbus.Event{Type: "trading.halted", Module: "test"} // critical, priority 2

	f.HandleEvent(context.Background(), low1)
	f.HandleEvent(context.Background(), low2)
	f.HandleEvent(context.Background(), high)
	// buffer size 3: now at capacity. A third info-priority arrival should
	// evict the oldest low-priority entry rather than the critical one.
	low3 := eventbus.Event{Type: "order.filled", Module: "test"}
	f.HandleEvent(context.Background(), low3)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buffer) != 3 {
		t.Fatalf("buffer len = %d, want 3", len(f.buffer))
	}
	foundCritical := false
	for _, b := range f.buffer {
		if b.event.Type == "trading.halted" {
			foundCritical = true
		}
	}
	if !foundCritical {
		t.Error("expected the critical event to survive eviction")
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), testLogger())

	f.HandleEvent(context.Background(), criticalEvent("c1"))
	f.HandleEvent(context.Background(), criticalEvent("c2"))

	if f.breaker.allowRequest() {
		t.Error("expected breaker to be open after reaching the failure threshold")
	}

	time.Sleep(80 * time.Millisecond)
	if !f.breaker.allowRequest() {
		t.Error("expected breaker to allow a half-open probe after the break duration")
	}
}

func TestCircuitBreakerClosesOnSuccessfulProbe(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL), testLogger())
	f.HandleEvent(context.Background(), criticalEvent("c1"))
	f.HandleEvent(context.Background(), criticalEvent("c2"))
	time.Sleep(80 * time.Millisecond)

	fail.Store(false)
	f.HandleEvent(context.Background(), criticalEvent("c3"))

	f.breaker.mu.Lock()
	state := f.breaker.state
	f.breaker.mu.Unlock()
	if state != breakerClosed {
		t.Errorf("breaker state = %v, want closed after a successful probe", state)
	}
}
