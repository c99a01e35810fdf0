package edge

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/pkg/types"
)

type fakeConnector struct {
	venue types.VenueID
	fees  types.FeeSchedule
}

func (f *fakeConnector) PlatformID() types.VenueID                                    { return f.venue }
func (f *fakeConnector) Connect(ctx context.Context) error                            { return nil }
func (f *fakeConnector) Disconnect(ctx context.Context) error                         { return nil }
func (f *fakeConnector) FetchOrderBook(ctx context.Context, id string) (types.NormalizedOrderBook, error) {
	return types.NormalizedOrderBook{}, nil
}
func (f *fakeConnector) Subscribe(ctx context.Context, id string) error     { return nil }
func (f *fakeConnector) SetUpdateCallback(cb exchange.UpdateCallback)       {}
func (f *fakeConnector) FeeSchedule() types.FeeSchedule                     { return f.fees }
func (f *fakeConnector) Health() types.VenueHealth                         { return types.VenueHealth{VenueID: f.venue} }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestScenario5ThresholdWidening(t *testing.T) {
	t.Parallel()

	connectors := map[types.VenueID]exchange.Connector{
		types.Kalshi:     &fakeConnector{venue: types.Kalshi, fees: types.FeeSchedule{TakerFeePct: decimal.Zero, GasEstimateUSD: decimal.Zero}},
		types.Polymarket: &fakeConnector{venue: types.Polymarket, fees: types.FeeSchedule{TakerFeePct: decimal.Zero, GasEstimateUSD: decimal.Zero}},
	}
	deg := degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, eventbus.New())
	deg.ActivateProtocol(context.Background(), types.Polymarket, "test")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := New(connectors, deg, eventbus.New(), d("0.008"), d("1000"), logger)

	raw := types.RawDislocation{
		Pair:      types.ContractPairConfig{EventDescription: "test"},
		BuyVenue:  types.Kalshi,
		SellVenue: types.Polymarket,
		GrossEdge: d("0.010"),
	}

	opportunities, filtered, summary := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})

	if summary.Opportunities != 0 || summary.Filtered != 1 {
		t.Fatalf("opportunities=%d filtered=%d, want 0/1", summary.Opportunities, summary.Filtered)
	}
	if len(opportunities) != 0 {
		t.Fatalf("expected no opportunities, got %d", len(opportunities))
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered entry, got %d", len(filtered))
	}

	f := filtered[0]
	if f.Reason != ReasonBelowThreshold {
		t.Errorf("reason = %q, want %q", f.Reason, ReasonBelowThreshold)
	}
	if !f.NetEdge.Equal(d("0.010")) {
		t.Errorf("netEdge = %s, want 0.010", f.NetEdge)
	}
	if !f.EffectiveThreshold.Equal(d("0.012")) {
		t.Errorf("effectiveThreshold = %s, want 0.012", f.EffectiveThreshold)
	}
}

func TestNegativeEdgeReason(t *testing.T) {
	t.Parallel()

	connectors := map[types.VenueID]exchange.Connector{
		types.Kalshi:     &fakeConnector{venue: types.Kalshi, fees: types.FeeSchedule{TakerFeePct: d("1"), GasEstimateUSD: decimal.Zero}},
		types.Polymarket: &fakeConnector{venue: types.Polymarket, fees: types.FeeSchedule{TakerFeePct: d("1"), GasEstimateUSD: decimal.Zero}},
	}
	deg := degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, eventbus.New())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := New(connectors, deg, eventbus.New(), d("0.008"), d("1000"), logger)

	raw := types.RawDislocation{
		Pair:      types.ContractPairConfig{EventDescription: "test"},
		BuyVenue:  types.Kalshi,
		SellVenue: types.Polymarket,
		BuyPrice:  d("0.50"),
		SellPrice: d("0.50"),
		GrossEdge: d("0.001"),
	}

	_, filtered, _ := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered entry, got %d", len(filtered))
	}
	if filtered[0].Reason != ReasonNegativeEdge {
		t.Errorf("reason = %q, want %q", filtered[0].Reason, ReasonNegativeEdge)
	}
}

func TestOpportunityIdentifiedWhenAboveThreshold(t *testing.T) {
	t.Parallel()

	connectors := map[types.VenueID]exchange.Connector{
		types.Kalshi:     &fakeConnector{venue: types.Kalshi, fees: types.FeeSchedule{TakerFeePct: decimal.Zero, GasEstimateUSD: decimal.Zero}},
		types.Polymarket: &fakeConnector{venue: types.Polymarket, fees: types.FeeSchedule{TakerFeePct: decimal.Zero, GasEstimateUSD: decimal.Zero}},
	}
	deg := degradation.New(degradation.Config{ThresholdMultiplier: 1.5, ProtocolResyncThreshold: 3}, eventbus.New())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := New(connectors, deg, eventbus.New(), d("0.008"), d("1000"), logger)

	raw := types.RawDislocation{
		Pair:      types.ContractPairConfig{EventDescription: "test"},
		BuyVenue:  types.Kalshi,
		SellVenue: types.Polymarket,
		BuyPrice:  d("0.40"),
		SellPrice: d("0.55"),
		GrossEdge: d("0.05"),
		BuyBook:   types.NormalizedOrderBook{Bids: []types.PriceLevel{{Price: d("0.39"), Quantity: d("10")}}, Asks: []types.PriceLevel{{Price: d("0.40"), Quantity: d("20")}}},
		SellBook:  types.NormalizedOrderBook{Bids: []types.PriceLevel{{Price: d("0.54"), Quantity: d("30")}}, Asks: []types.PriceLevel{{Price: d("0.55"), Quantity: d("40")}}},
	}

	opportunities, filtered, summary := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})
	if summary.Opportunities != 1 || summary.Filtered != 0 {
		t.Fatalf("opportunities=%d filtered=%d, want 1/0", summary.Opportunities, summary.Filtered)
	}
	opp := opportunities[0]
	if !opp.Liquidity.BuyAskSize.Equal(d("20")) {
		t.Errorf("BuyAskSize = %s, want 20", opp.Liquidity.BuyAskSize)
	}
	if !opp.Liquidity.SellBidSize.Equal(d("30")) {
		t.Errorf("SellBidSize = %s, want 30", opp.Liquidity.SellBidSize)
	}
	_ = filtered
}
