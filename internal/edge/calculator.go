// Package edge turns raw price dislocations into fee/gas-adjusted
// opportunities, filtering out anything that does not clear the
// degradation-aware effective edge threshold.
package edge

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/internal/money"
	"arbcore/pkg/types"
)

// FilterReason names why a dislocation did not become an opportunity.
type FilterReason string

const (
	ReasonNegativeEdge   FilterReason = "negative_edge"
	ReasonBelowThreshold FilterReason = "below_threshold"
)

// FilteredDislocation is a RawDislocation that failed the net-edge check,
// carrying the reason and the numbers that produced it.
type FilteredDislocation struct {
	Dislocation        types.RawDislocation
	Reason             FilterReason
	NetEdge            decimal.Decimal
	EffectiveThreshold decimal.Decimal
}

// Summary totals one processDislocations call.
type Summary struct {
	Evaluated     int
	Opportunities int
	Filtered      int
}

// Calculator computes net edge and filters raw dislocations against the
// degradation-aware effective threshold.
type Calculator struct {
	connectors      map[types.VenueID]exchange.Connector
	degradation     *degradation.Manager
	bus             *eventbus.Bus
	baseMinEdge     decimal.Decimal
	positionSizeUSD decimal.Decimal
	logger          *slog.Logger
}

// New constructs a Calculator. baseMinEdge and positionSizeUSD come from
// configuration and are passed in already parsed as decimals.
func New(connectors map[types.VenueID]exchange.Connector, deg *degradation.Manager, bus *eventbus.Bus, baseMinEdge, positionSizeUSD decimal.Decimal, logger *slog.Logger) *Calculator {
	return &Calculator{
		connectors:      connectors,
		degradation:     deg,
		bus:             bus,
		baseMinEdge:     baseMinEdge,
		positionSizeUSD: positionSizeUSD,
		logger:          logger.With("component", "edge"),
	}
}

// ProcessDislocations computes net edge for every raw dislocation, splitting
// them into opportunities that clear the effective threshold and filtered
// entries with a reason.
func (c *Calculator) ProcessDislocations(ctx context.Context, raw []types.RawDislocation) ([]types.EnrichedOpportunity, []FilteredDislocation, Summary) {
	var opportunities []types.EnrichedOpportunity
	var filtered []FilteredDislocation

	for _, d := range raw {
		buyFees := c.connectors[d.BuyVenue].FeeSchedule()
		sellFees := c.connectors[d.SellVenue].FeeSchedule()

		buyFeeCost := money.PctOf(d.BuyPrice, buyFees.TakerFeePct)
		sellFeeCost := money.PctOf(d.SellPrice, sellFees.TakerFeePct)
		gasFraction := decimal.Zero
		if !c.positionSizeUSD.IsZero() {
			gasFraction = buyFees.GasEstimateUSD.Add(sellFees.GasEstimateUSD).DivRound(c.positionSizeUSD, money.Precision)
		}
		totalCosts := buyFeeCost.Add(sellFeeCost).Add(gasFraction)

		netEdge := d.GrossEdge.Sub(totalCosts)
		multiplier := c.degradation.GetEdgeThresholdMultiplier(d.BuyVenue)
		effectiveThreshold := c.baseMinEdge.Mul(decimal.NewFromFloat(multiplier))

		fees := types.FeeBreakdown{
			BuyFeeCost:   buyFeeCost,
			SellFeeCost:  sellFeeCost,
			GasFraction:  gasFraction,
			TotalCosts:   totalCosts,
			BuyFeeSched:  buyFees,
			SellFeeSched: sellFees,
		}

		if netEdge.LessThanOrEqual(effectiveThreshold) {
			reason := ReasonBelowThreshold
			if netEdge.IsNegative() {
				reason = ReasonNegativeEdge
			}
			filtered = append(filtered, FilteredDislocation{
				Dislocation:        d,
				Reason:             reason,
				NetEdge:            netEdge,
				EffectiveThreshold: effectiveThreshold,
			})
			c.publishFiltered(ctx, d, reason, netEdge, effectiveThreshold)
			continue
		}

		opp := types.EnrichedOpportunity{
			RawDislocation: d,
			NetEdge:        netEdge,
			Fees:           fees,
			Liquidity:      liquidityDepth(d),
			EnrichedAt:     d.DetectedAt,
		}
		opportunities = append(opportunities, opp)
		c.publishIdentified(ctx, opp)
	}

	return opportunities, filtered, Summary{
		Evaluated:     len(raw),
		Opportunities: len(opportunities),
		Filtered:      len(filtered),
	}
}

func liquidityDepth(d types.RawDislocation) types.LiquidityDepth {
	var depth types.LiquidityDepth
	if bid, ok := d.BuyBook.BestBid(); ok {
		depth.BuyBidSize = bid.Quantity
	}
	if ask, ok := d.BuyBook.BestAsk(); ok {
		depth.BuyAskSize = ask.Quantity
	}
	if bid, ok := d.SellBook.BestBid(); ok {
		depth.SellBidSize = bid.Quantity
	}
	if ask, ok := d.SellBook.BestAsk(); ok {
		depth.SellAskSize = ask.Quantity
	}
	return depth
}

func (c *Calculator) publishFiltered(ctx context.Context, d types.RawDislocation, reason FilterReason, netEdge, effectiveThreshold decimal.Decimal) {
	if c.bus == nil {
		return
	}
	correlationID, _ := eventbus.CorrelationID(ctx)
	c.bus.Publish(ctx, eventbus.Event{
		Type:          "opportunity.filtered",
		Module:        "edge",
		CorrelationID: correlationID,
		Details: map[string]any{
			"pair":               d.Pair.EventDescription,
			"buyVenue":           string(d.BuyVenue),
			"sellVenue":          string(d.SellVenue),
			"reason":             string(reason),
			"netEdge":            netEdge.String(),
			"effectiveThreshold": effectiveThreshold.String(),
		},
	})
}

func (c *Calculator) publishIdentified(ctx context.Context, opp types.EnrichedOpportunity) {
	if c.bus == nil {
		return
	}
	correlationID, _ := eventbus.CorrelationID(ctx)
	c.bus.Publish(ctx, eventbus.Event{
		Type:          "detection.opportunity.identified",
		Module:        "edge",
		CorrelationID: correlationID,
		Details: map[string]any{
			"pair":      opp.Pair.EventDescription,
			"buyVenue":  string(opp.BuyVenue),
			"sellVenue": string(opp.SellVenue),
			"netEdge":   opp.NetEdge.String(),
		},
	})
}
