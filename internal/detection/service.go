// Package detection runs the per-cycle scan across configured contract
// pairs, comparing each leg's best ask against the other leg's complement
// in both directions to surface raw price dislocations before any fee or
// gas adjustment.
package detection

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/pkg/types"
)

// Result is the outcome of one detection cycle.
type Result struct {
	Dislocations   []types.RawDislocation
	PairsEvaluated int
	PairsSkipped   int
	CycleDuration  time.Duration
}

// Service scans configured pairs for cross-venue price dislocations. It
// never submits orders and never mutates venue state; it only reads
// order books through the injected connectors.
type Service struct {
	connectors  map[types.VenueID]exchange.Connector
	pairs       []types.ContractPairConfig
	degradation *degradation.Manager
	bus         *eventbus.Bus
	logger      *slog.Logger
}

// New constructs a Service. connectors must be keyed by PlatformID().
func New(connectors map[types.VenueID]exchange.Connector, pairs []types.ContractPairConfig, deg *degradation.Manager, bus *eventbus.Bus, logger *slog.Logger) *Service {
	return &Service{
		connectors:  connectors,
		pairs:       pairs,
		degradation: deg,
		bus:         bus,
		logger:      logger.With("component", "detection"),
	}
}

// DetectDislocations runs one full cycle over every configured pair. A pair
// is skipped (counted, not evaluated) when either leg is currently
// degraded, when a book fetch errors, or when either book lacks a best bid
// and ask on both sides. Each non-skipped pair is checked in both
// directions: buying the YES leg on one venue against the complement of
// the other venue's best ask.
func (s *Service) DetectDislocations(ctx context.Context) Result {
	start := time.Now()
	ctx = ensureCorrelation(ctx)

	var dislocations []types.RawDislocation
	pairsEvaluated := 0
	pairsSkipped := 0

	for _, pair := range s.pairs {
		if s.degradation.IsDegraded(types.Kalshi) || s.degradation.IsDegraded(types.Polymarket) {
			pairsSkipped++
			continue
		}

		kalshiConn, kalshiOK := s.connectors[types.Kalshi]
		polyConn, polyOK := s.connectors[types.Polymarket]
		if !kalshiOK || !polyOK {
			pairsSkipped++
			continue
		}

		kalshiBook, err := kalshiConn.FetchOrderBook(ctx, pair.KalshiContractID)
		if err != nil {
			s.logger.Warn("fetch kalshi book failed", "pair", pair.EventDescription, "error", err)
			pairsSkipped++
			continue
		}
		polyBook, err := polyConn.FetchOrderBook(ctx, pair.PolymarketContractID)
		if err != nil {
			s.logger.Warn("fetch polymarket book failed", "pair", pair.EventDescription, "error", err)
			pairsSkipped++
			continue
		}

		kalshiAsk, kalshiHasAsk := kalshiBook.BestAsk()
		kalshiBid, kalshiHasBid := kalshiBook.BestBid()
		polyAsk, polyHasAsk := polyBook.BestAsk()
		polyBid, polyHasBid := polyBook.BestBid()
		if !kalshiHasAsk || !kalshiHasBid || !polyHasAsk || !polyHasBid {
			pairsSkipped++
			continue
		}

		pairsEvaluated++
		correlationID, _ := eventbus.CorrelationID(ctx)

		// Direction A: buy YES on Polymarket, sell YES on Kalshi.
		if d, ok := s.evaluateDirection(pair, types.Polymarket, types.Kalshi, polyAsk.Price, kalshiAsk.Price, polyBook, kalshiBook, correlationID); ok {
			dislocations = append(dislocations, d)
		}
		// Direction B: buy YES on Kalshi, sell YES on Polymarket.
		if d, ok := s.evaluateDirection(pair, types.Kalshi, types.Polymarket, kalshiAsk.Price, polyAsk.Price, kalshiBook, polyBook, correlationID); ok {
			dislocations = append(dislocations, d)
		}
	}

	return Result{
		Dislocations:   dislocations,
		PairsEvaluated: pairsEvaluated,
		PairsSkipped:   pairsSkipped,
		CycleDuration:  time.Since(start),
	}
}

// evaluateDirection checks one direction of a pair: buying at buyPrice on
// buyVenue against the complement of sellPrice (the sell venue's own best
// ask) on sellVenue. An arb exists when buyPrice is strictly less than
// 1-sellPrice.
func (s *Service) evaluateDirection(pair types.ContractPairConfig, buyVenue, sellVenue types.VenueID, buyPrice, sellPrice decimal.Decimal, buyBook, sellBook types.NormalizedOrderBook, correlationID string) (types.RawDislocation, bool) {
	one := decimal.NewFromInt(1)
	impliedSell := one.Sub(sellPrice)
	if !buyPrice.LessThan(impliedSell) {
		return types.RawDislocation{}, false
	}

	grossEdge := impliedSell.Sub(buyPrice).Abs()
	d := types.RawDislocation{
		Pair:        pair,
		BuyVenue:    buyVenue,
		SellVenue:   sellVenue,
		BuyPrice:    buyPrice,
		SellPrice:   sellPrice,
		GrossEdge:   grossEdge,
		BuyBook:     buyBook,
		SellBook:    sellBook,
		DetectedAt:  time.Now().UTC(),
		Correlation: correlationID,
	}

	if s.bus != nil {
		s.bus.Publish(context.Background(), eventbus.Event{
			Type:          "detection.dislocation.found",
			Module:        "detection",
			CorrelationID: correlationID,
			Details: map[string]any{
				"pair":      pair.EventDescription,
				"buyVenue":  string(buyVenue),
				"sellVenue": string(sellVenue),
				"grossEdge": grossEdge.String(),
			},
		})
	}

	return d, true
}

func ensureCorrelation(ctx context.Context) context.Context {
	if _, ok := eventbus.CorrelationID(ctx); ok {
		return ctx
	}
	return eventbus.WithCorrelationID(ctx, eventbus.NewCorrelationID())
}
