package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBestBidBestAsk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		book    NormalizedOrderBook
		wantBid bool
		wantAsk bool
	}{
		{
			name:    "empty book",
			book:    NormalizedOrderBook{},
			wantBid: false,
			wantAsk: false,
		},
		{
			name: "bids only",
			book: NormalizedOrderBook{
				Bids: []PriceLevel{{Price: decimal.NewFromFloat(0.4), Quantity: decimal.NewFromInt(10)}},
			},
			wantBid: true,
			wantAsk: false,
		},
		{
			name: "both sides",
			book: NormalizedOrderBook{
				Bids: []PriceLevel{{Price: decimal.NewFromFloat(0.4), Quantity: decimal.NewFromInt(10)}},
				Asks: []PriceLevel{{Price: decimal.NewFromFloat(0.45), Quantity: decimal.NewFromInt(5)}},
			},
			wantBid: true,
			wantAsk: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, gotBid := tc.book.BestBid()
			if gotBid != tc.wantBid {
				t.Errorf("BestBid ok = %v, want %v", gotBid, tc.wantBid)
			}
			_, gotAsk := tc.book.BestAsk()
			if gotAsk != tc.wantAsk {
				t.Errorf("BestAsk ok = %v, want %v", gotAsk, tc.wantAsk)
			}
		})
	}
}

func TestVenueIDConstants(t *testing.T) {
	t.Parallel()

	if Kalshi == Polymarket {
		t.Fatal("venue ids must be distinct")
	}
}
