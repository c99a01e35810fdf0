// Package normalize converts venue-native order-book payloads into
// NormalizedOrderBook: pure functions, same input always
// yields the same output, no shared-state mutation. Before validation,
// levels with non-positive quantity or a price outside (0,1) are dropped
// and duplicate prices on a side collapse to one level (the last in input
// order); any invariant still violated after that, such as a crossed
// book, is returned as an error for the caller to discard and record.
package normalize

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arbcore/internal/money"
	"arbcore/pkg/types"
)

// Kalshi converts integer-cent YES/NO bid ladders into a canonical
// NormalizedOrderBook. yes holds [priceCents, quantity] YES-bid levels;
// no holds [priceCents, quantity] NO-bid levels, each converted to the
// complementary canonical YES ask at (100-price)/100.
// Levels with non-positive quantity are dropped.
func Kalshi(contractID string, yes, no [][2]int64, seq *uint64) (types.NormalizedOrderBook, error) {
	bids := make([]types.PriceLevel, 0, len(yes))
	for _, lvl := range yes {
		price, qty := lvl[0], lvl[1]
		if qty <= 0 {
			continue
		}
		if price < 1 || price > 99 {
			continue
		}
		bids = append(bids, types.PriceLevel{
			Price:    money.CentsToProbability(price),
			Quantity: decimal.NewFromInt(qty),
		})
	}

	asks := make([]types.PriceLevel, 0, len(no))
	for _, lvl := range no {
		price, qty := lvl[0], lvl[1]
		if qty <= 0 {
			continue
		}
		if price < 1 || price > 99 {
			continue
		}
		asks = append(asks, types.PriceLevel{
			Price:    money.ComplementYes(money.CentsToProbability(price)),
			Quantity: decimal.NewFromInt(qty),
		})
	}

	book := types.NormalizedOrderBook{
		VenueID:        types.Kalshi,
		ContractID:     contractID,
		Bids:           sortDesc(dedupe(bids)),
		Asks:           sortAsc(dedupe(asks)),
		ObservedAt:     time.Now().UTC(),
		SequenceNumber: seq,
	}
	if err := Validate(book); err != nil {
		return types.NormalizedOrderBook{}, err
	}
	return book, nil
}

// Polymarket converts a decimal-string bid/ask ladder (already in
// canonical price space) into a NormalizedOrderBook.
func Polymarket(contractID string, bids, asks []types.PolymarketBookLevel) (types.NormalizedOrderBook, error) {
	toLevels := func(raw []types.PolymarketBookLevel) ([]types.PriceLevel, error) {
		out := make([]types.PriceLevel, 0, len(raw))
		for _, lvl := range raw {
			price, err := decimal.NewFromString(lvl.Price)
			if err != nil {
				return nil, fmt.Errorf("parse price %q: %w", lvl.Price, err)
			}
			qty, err := decimal.NewFromString(lvl.Size)
			if err != nil {
				return nil, fmt.Errorf("parse size %q: %w", lvl.Size, err)
			}
			if qty.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if err := money.ValidateProbability(price); err != nil {
				continue
			}
			out = append(out, types.PriceLevel{Price: price, Quantity: qty})
		}
		return out, nil
	}

	bidLevels, err := toLevels(bids)
	if err != nil {
		return types.NormalizedOrderBook{}, err
	}
	askLevels, err := toLevels(asks)
	if err != nil {
		return types.NormalizedOrderBook{}, err
	}

	book := types.NormalizedOrderBook{
		VenueID:    types.Polymarket,
		ContractID: contractID,
		Bids:       sortDesc(dedupe(bidLevels)),
		Asks:       sortAsc(dedupe(askLevels)),
		ObservedAt: time.Now().UTC(),
	}
	if err := Validate(book); err != nil {
		return types.NormalizedOrderBook{}, err
	}
	return book, nil
}

// Validate checks every book invariant: strictly descending
// bids, strictly ascending asks, no duplicate prices per side, strictly
// positive quantities, prices strictly in (0,1), and bids[0] < asks[0]
// when both sides are non-empty.
func Validate(book types.NormalizedOrderBook) error {
	if err := validateSide(book.Bids, true); err != nil {
		return fmt.Errorf("invalid bids: %w", err)
	}
	if err := validateSide(book.Asks, false); err != nil {
		return fmt.Errorf("invalid asks: %w", err)
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		if !book.Bids[0].Price.LessThan(book.Asks[0].Price) {
			return fmt.Errorf("crossed book: best bid %s >= best ask %s", book.Bids[0].Price, book.Asks[0].Price)
		}
	}
	return nil
}

func validateSide(levels []types.PriceLevel, descending bool) error {
	seen := make(map[string]bool, len(levels))
	for i, lvl := range levels {
		if err := money.ValidateProbability(lvl.Price); err != nil {
			return err
		}
		if lvl.Quantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("non-positive quantity %s at price %s", lvl.Quantity, lvl.Price)
		}
		key := lvl.Price.String()
		if seen[key] {
			return fmt.Errorf("duplicate price %s", key)
		}
		seen[key] = true

		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if descending && !prev.Price.GreaterThan(lvl.Price) {
			return fmt.Errorf("bids not strictly descending at index %d", i)
		}
		if !descending && !prev.Price.LessThan(lvl.Price) {
			return fmt.Errorf("asks not strictly ascending at index %d", i)
		}
	}
	return nil
}

func dedupe(levels []types.PriceLevel) []types.PriceLevel {
	byPrice := make(map[string]types.PriceLevel, len(levels))
	for _, lvl := range levels {
		byPrice[lvl.Price.String()] = lvl
	}
	out := make([]types.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	return out
}

func sortDesc(levels []types.PriceLevel) []types.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	return levels
}

func sortAsc(levels []types.PriceLevel) []types.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
