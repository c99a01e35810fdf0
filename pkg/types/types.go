// Package types defines the shared domain vocabulary for the arbitrage
// core: venue identifiers, order-book shapes, contract-pair configuration,
// dislocations, and the enriched opportunities the detection/edge layers
// produce. No package in this module may depend on types for anything
// beyond these definitions; types itself depends on nothing internal.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueID identifies one of the two supported venues. Closed set.
type VenueID string

const (
	Kalshi     VenueID = "kalshi"
	Polymarket VenueID = "polymarket"
)

// Side is a book side.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// HealthStatus is the tri-state health of a venue connector.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthDisconnected HealthStatus = "disconnected"
)

// PriceLevel is one level of a normalized order book: a probability in
// (0,1) and a strictly positive quantity.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// NormalizedOrderBook is the venue-agnostic view every connector's raw
// payload is converted into. Bids are sorted descending by price, asks
// ascending; within each side, prices are unique.
//
// Invariants (enforced by internal/normalize, never by this struct
// itself): bids[i].Price > bids[i+1].Price, asks[i].Price < asks[i+1].Price,
// and when both sides are non-empty, bids[0].Price < asks[0].Price.
type NormalizedOrderBook struct {
	VenueID        VenueID
	ContractID     string
	Bids           []PriceLevel
	Asks           []PriceLevel
	ObservedAt     time.Time
	SequenceNumber *uint64
	Health         *HealthStatus
}

// BestBid returns the highest bid, or false if the side is empty.
func (b NormalizedOrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false if the side is empty.
func (b NormalizedOrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// ContractPairConfig binds one Kalshi market to one economically
// equivalent Polymarket market. Loaded once at startup and treated as
// immutable for the process lifetime.
type ContractPairConfig struct {
	KalshiContractID              string
	PolymarketContractID          string
	EventDescription              string
	OperatorVerificationTimestamp time.Time
	PrimaryLeg                    VenueID
}

// FeeSchedule describes a venue's cost model for a single taker fill.
type FeeSchedule struct {
	MakerFeePct    decimal.Decimal
	TakerFeePct    decimal.Decimal
	GasEstimateUSD decimal.Decimal
	Description    string
}

// VenueHealth is the point-in-time health snapshot for a venue connector.
type VenueHealth struct {
	VenueID       VenueID
	Status        HealthStatus
	LastHeartbeat time.Time
	LatencyMs     []float64
	Mode          string
}

// DegradationState exists only for a venue currently under degradation.
type DegradationState struct {
	VenueID           VenueID
	DegradedAt        time.Time
	Reason            string
	PollingCycleCount int
}

// RawDislocation is a raw observation of an exploitable price difference
// between two venues, before fee/gas adjustment.
type RawDislocation struct {
	Pair        ContractPairConfig
	BuyVenue    VenueID
	SellVenue   VenueID
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	GrossEdge   decimal.Decimal
	BuyBook     NormalizedOrderBook
	SellBook    NormalizedOrderBook
	DetectedAt  time.Time
	Correlation string
}

// FeeBreakdown is the itemized cost of capturing one dislocation.
type FeeBreakdown struct {
	BuyFeeCost    decimal.Decimal
	SellFeeCost   decimal.Decimal
	GasFraction   decimal.Decimal
	TotalCosts    decimal.Decimal
	BuyFeeSched   FeeSchedule
	SellFeeSched  FeeSchedule
}

// LiquidityDepth records the top-of-book size on both legs at enrichment
// time, for operator visibility into how much of an opportunity is real.
type LiquidityDepth struct {
	BuyBidSize  decimal.Decimal
	BuyAskSize  decimal.Decimal
	SellBidSize decimal.Decimal
	SellAskSize decimal.Decimal
}

// EnrichedOpportunity is a RawDislocation that cleared the effective net
// edge threshold, carrying full cost and liquidity context.
type EnrichedOpportunity struct {
	RawDislocation
	NetEdge        decimal.Decimal
	Fees           FeeBreakdown
	Liquidity      LiquidityDepth
	EnrichedAt     time.Time
}

// --- Venue-native wire payloads -------------------------------------------

// KalshiOrderbookSnapshot is the `orderbook_snapshot` WS frame payload.
// Yes/No are lists of [priceCents, quantity] pairs.
type KalshiOrderbookSnapshot struct {
	MarketTicker string
	Seq          uint64
	Yes          [][2]int64
	No           [][2]int64
}

// KalshiOrderbookDelta is the `orderbook_delta` WS frame payload. Delta is
// a signed quantity change to apply at Price on Side.
type KalshiOrderbookDelta struct {
	MarketTicker string
	Seq          uint64
	Price        int64
	Delta        int64
	Side         Side
}

// PolymarketBookLevel is one level in a `book` WS frame or REST response.
type PolymarketBookLevel struct {
	Price string
	Size  string
}

// PolymarketBookSnapshot is the `book` WS frame payload: a full snapshot
// for one asset (token) id.
type PolymarketBookSnapshot struct {
	AssetID string
	Bids    []PolymarketBookLevel
	Asks    []PolymarketBookLevel
	Hash    string
}

// PolymarketPriceChange is one element of a `price_change` WS frame's
// update list: a top-of-book refresh for an existing asset.
type PolymarketPriceChange struct {
	AssetID  string
	BestBid  string
	BestAsk  string
	Side     Side
	Hash     string
}
