package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/pkg/types"
)

type fakeConnector struct {
	venue    types.VenueID
	book     types.NormalizedOrderBook
	fetchErr error
	cb       exchange.UpdateCallback
}

func (f *fakeConnector) PlatformID() types.VenueID           { return f.venue }
func (f *fakeConnector) Connect(ctx context.Context) error    { return nil }
func (f *fakeConnector) Disconnect(ctx context.Context) error { return nil }
func (f *fakeConnector) FetchOrderBook(ctx context.Context, contractID string) (types.NormalizedOrderBook, error) {
	if f.fetchErr != nil {
		return types.NormalizedOrderBook{}, f.fetchErr
	}
	return f.book, nil
}
func (f *fakeConnector) Subscribe(ctx context.Context, contractID string) error { return nil }
func (f *fakeConnector) SetUpdateCallback(cb exchange.UpdateCallback)           { f.cb = cb }
func (f *fakeConnector) FeeSchedule() types.FeeSchedule                         { return types.FeeSchedule{} }
func (f *fakeConnector) Health() types.VenueHealth {
	return types.VenueHealth{VenueID: f.venue, Status: types.HealthHealthy, LastHeartbeat: time.Now().UTC()}
}

type fakeSink struct {
	mu        sync.Mutex
	snapshots []types.NormalizedOrderBook
	healths   []types.VenueHealth
	failUntil int
}

func (s *fakeSink) AppendSnapshot(ctx context.Context, book types.NormalizedOrderBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) < s.failUntil {
		s.snapshots = append(s.snapshots, book)
		return errors.New("simulated write failure")
	}
	s.snapshots = append(s.snapshots, book)
	return nil
}

func (s *fakeSink) AppendHealth(ctx context.Context, health types.VenueHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healths = append(s.healths, health)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBook(venue types.VenueID, contractID string) types.NormalizedOrderBook {
	return types.NormalizedOrderBook{
		VenueID:    venue,
		ContractID: contractID,
		Bids:       []types.PriceLevel{{Price: decimal.NewFromFloat(0.40), Quantity: decimal.NewFromInt(100)}},
		Asks:       []types.PriceLevel{{Price: decimal.NewFromFloat(0.42), Quantity: decimal.NewFromInt(100)}},
		ObservedAt: time.Now().UTC(),
	}
}

func testPair() types.ContractPairConfig {
	return types.ContractPairConfig{KalshiContractID: "K-TICKER", PolymarketContractID: "0xabc", EventDescription: "test pair"}
}

func newTestPipeline(sink *fakeSink) (*Pipeline, *fakeConnector, *fakeConnector) {
	kalshi := &fakeConnector{venue: types.Kalshi, book: testBook(types.Kalshi, "K-TICKER")}
	poly := &fakeConnector{venue: types.Polymarket, book: testBook(types.Polymarket, "0xabc")}
	connectors := map[types.VenueID]exchange.Connector{types.Kalshi: kalshi, types.Polymarket: poly}
	deg := degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, eventbus.New())
	p := New(connectors, []types.ContractPairConfig{testPair()}, sink, sink, eventbus.New(), deg, testLogger())
	return p, kalshi, poly
}

func TestHandleUpdatePersistsAsynchronously(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	p, kalshi, _ := newTestPipeline(sink)

	p.HandleUpdate(context.Background(), kalshi.book)

	deadline := time.After(time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for async persistence")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestIngestCurrentOrderBooksFetchesEveryPair(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	p, _, _ := newTestPipeline(sink)

	p.IngestCurrentOrderBooks(context.Background())

	if n := sink.count(); n != 2 {
		t.Fatalf("snapshots persisted = %d, want 2 (one kalshi, one polymarket)", n)
	}
	sink.mu.Lock()
	healths := len(sink.healths)
	sink.mu.Unlock()
	if healths != 2 {
		t.Errorf("health records persisted = %d, want 2", healths)
	}
}

func TestIngestCurrentOrderBooksSkipsFailedFetchPerContract(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	kalshi := &fakeConnector{venue: types.Kalshi, fetchErr: errors.New("fetch failed")}
	poly := &fakeConnector{venue: types.Polymarket, book: testBook(types.Polymarket, "0xabc")}
	connectors := map[types.VenueID]exchange.Connector{types.Kalshi: kalshi, types.Polymarket: poly}
	deg := degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, eventbus.New())
	p := New(connectors, []types.ContractPairConfig{testPair()}, sink, sink, eventbus.New(), deg, testLogger())

	p.IngestCurrentOrderBooks(context.Background())

	if n := sink.count(); n != 1 {
		t.Fatalf("snapshots persisted = %d, want 1 (kalshi fetch should be skipped, not fatal)", n)
	}
}

func TestIngestCurrentOrderBooksMarksDegradedVenueHealth(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	p, kalshi, _ := newTestPipeline(sink)
	bus := eventbus.New()
	p.degradation = degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, bus)
	p.degradation.ActivateProtocol(context.Background(), types.Kalshi, "test")

	p.IngestCurrentOrderBooks(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var found bool
	for _, b := range sink.snapshots {
		if b.VenueID == kalshi.venue {
			found = true
			if b.Health == nil || *b.Health != types.HealthDegraded {
				t.Errorf("expected degraded health marker on kalshi snapshot, got %v", b.Health)
			}
		}
	}
	if !found {
		t.Fatal("expected a kalshi snapshot to be persisted even while degraded")
	}
}

func TestPersistenceFailuresRaiseSystemHealthCritical(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{failUntil: persistenceFailureLimit}
	p, _, _ := newTestPipeline(sink)

	var critical int
	p.bus = eventbus.New()
	p.bus.Subscribe("monitoring.system_health_critical", func(ctx context.Context, e eventbus.Event) {
		critical++
	})

	for i := 0; i < persistenceFailureLimit; i++ {
		p.IngestCurrentOrderBooks(context.Background())
	}

	if critical == 0 {
		t.Error("expected at least one monitoring.system_health_critical event after repeated persistence failures")
	}
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	p, _, _ := newTestPipeline(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Ticker(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ticker did not return after context cancellation")
	}
}
