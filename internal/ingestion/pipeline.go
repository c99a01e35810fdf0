// Package ingestion is the data-plane pipeline: WS-callback persistence,
// periodic REST polling of all configured pairs, and degraded-venue REST
// fallback polling.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/pkg/types"
)

// SnapshotSink is the append-only order-book persistence contract of
// Implemented by internal/store.
type SnapshotSink interface {
	AppendSnapshot(ctx context.Context, book types.NormalizedOrderBook) error
}

// HealthSink is the append-only platform-health log contract.
type HealthSink interface {
	AppendHealth(ctx context.Context, health types.VenueHealth) error
}

// persistenceFailureLimit is the consecutive-write-failure threshold that
// raises system-health error code 4005.
const persistenceFailureLimit = 10

// Pipeline wires venue connectors to persistence and the event bus. It
// never imports internal/detection; connectors call back into Pipeline
// through the exchange.UpdateCallback interface, avoiding the cycle
// a connector depending on ingestion would create.
type Pipeline struct {
	connectors  map[types.VenueID]exchange.Connector
	pairs       []types.ContractPairConfig
	snapshots   SnapshotSink
	health      HealthSink
	bus         *eventbus.Bus
	degradation *degradation.Manager
	logger      *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

// New constructs a Pipeline. connectors must be keyed by PlatformID().
func New(connectors map[types.VenueID]exchange.Connector, pairs []types.ContractPairConfig, snapshots SnapshotSink, health HealthSink, bus *eventbus.Bus, deg *degradation.Manager, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		connectors:  connectors,
		pairs:       pairs,
		snapshots:   snapshots,
		health:      health,
		bus:         bus,
		degradation: deg,
		logger:      logger.With("component", "ingestion"),
	}
	for _, c := range connectors {
		c.SetUpdateCallback(p.HandleUpdate)
	}
	return p
}

// HandleUpdate is the WS-callback entry point.
// Persistence and emission run async relative to the caller's read loop;
// a failure here is logged with a correlation id and never stops the
// underlying WS stream.
func (p *Pipeline) HandleUpdate(ctx context.Context, book types.NormalizedOrderBook) {
	ctx = ensureCorrelation(ctx)
	go p.persistAndEmit(ctx, book, "ws")
}

// IngestCurrentOrderBooks is the periodic entry point driven by an
// external scheduler: it REST-fetches
// every configured pair's contracts on non-degraded venues, and performs
// the degraded-polling sweep for venues currently under degradation.
func (p *Pipeline) IngestCurrentOrderBooks(ctx context.Context) {
	ctx = ensureCorrelation(ctx)

	for venueID, conn := range p.connectors {
		degraded := p.degradation.IsDegraded(venueID)
		contractIDs := p.contractIDsFor(venueID)

		for _, contractID := range contractIDs {
			book, err := conn.FetchOrderBook(ctx, contractID)
			if err != nil {
				p.logger.Warn("fetch order book failed", "venue", venueID, "contract", contractID, "error", err)
				continue // per-contract errors isolated, don't affect other contracts
			}
			if degraded {
				status := types.HealthDegraded
				book.Health = &status
			}
			p.persistAndEmit(ctx, book, "poll")
		}
		if degraded {
			p.degradation.IncrementPollingCycle(venueID)
		}

		if err := p.health.AppendHealth(ctx, conn.Health()); err != nil {
			p.logger.Warn("append health failed", "venue", venueID, "error", err)
		}
	}
}

func (p *Pipeline) contractIDsFor(venue types.VenueID) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, pair := range p.pairs {
		var id string
		switch venue {
		case types.Kalshi:
			id = pair.KalshiContractID
		case types.Polymarket:
			id = pair.PolymarketContractID
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pipeline) persistAndEmit(ctx context.Context, book types.NormalizedOrderBook, source string) {
	if err := p.snapshots.AppendSnapshot(ctx, book); err != nil {
		p.onPersistenceFailure(ctx, err)
		return
	}
	p.onPersistenceSuccess()

	correlationID, _ := eventbus.CorrelationID(ctx)
	p.bus.Publish(ctx, eventbus.Event{
		Type:          "orderbook.updated",
		Module:        "ingestion",
		CorrelationID: correlationID,
		Details: map[string]any{
			"venue":      string(book.VenueID),
			"contractId": book.ContractID,
			"source":     source,
		},
	})
}

func (p *Pipeline) onPersistenceSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
}

func (p *Pipeline) onPersistenceFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.consecutiveFailures++
	count := p.consecutiveFailures
	p.mu.Unlock()

	correlationID, _ := eventbus.CorrelationID(ctx)
	p.logger.Error("persistence write failed", "error", err, "consecutive_failures", count)

	if count >= persistenceFailureLimit {
		p.bus.Publish(ctx, eventbus.Event{
			Type:          "monitoring.system_health_critical",
			Module:        "ingestion",
			CorrelationID: correlationID,
			Details: map[string]any{
				"code":                4005,
				"consecutiveFailures": count,
				"error":               fmt.Sprint(err),
			},
		})
	}
}

func ensureCorrelation(ctx context.Context) context.Context {
	if _, ok := eventbus.CorrelationID(ctx); ok {
		return ctx
	}
	return eventbus.WithCorrelationID(ctx, eventbus.NewCorrelationID())
}

// Ticker runs a ticker-driven loop that calls IngestCurrentOrderBooks at
// interval, blocking until ctx is cancelled.
func (p *Pipeline) Ticker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.IngestCurrentOrderBooks(ctx)
		}
	}
}
