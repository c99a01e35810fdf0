// Package money holds the shared fixed-precision decimal helpers for the
// arbitrage core (probability parsing and validation, cent conversion,
// percentage fees) and sets decimal.DivisionPrecision for the process.
// Detection and edge code also call decimal.Decimal methods directly.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of significant decimal places carried through
// division results. Prediction-market prices are probabilities in (0,1);
// 20 significant digits comfortably exceeds any venue's native precision.
const Precision = 20

func init() {
	decimal.DivisionPrecision = Precision
}

// ParseProbability parses s as a decimal and validates it lies in (0,1),
// the domain of a normalized YES/NO price.
func ParseProbability(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse probability %q: %w", s, err)
	}
	if err := ValidateProbability(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// ValidateProbability returns an error unless d is strictly between 0 and 1.
func ValidateProbability(d decimal.Decimal) error {
	if d.LessThanOrEqual(decimal.Zero) || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("probability %s out of range (0,1)", d.String())
	}
	return nil
}

// CentsToProbability converts an integer-cent price (Kalshi's native price
// space, 1..99) to a normalized decimal probability, e.g. 42 -> 0.42.
func CentsToProbability(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).DivRound(decimal.NewFromInt(100), Precision)
}

// ProbabilityToCents converts a normalized probability back to integer
// cents, rounding half-to-even. Used only for round-trip verification;
// the connector boundary is the only place cents appear in this module.
func ProbabilityToCents(p decimal.Decimal) int64 {
	return p.Mul(decimal.NewFromInt(100)).RoundBank(0).IntPart()
}

// ComplementYes returns 1 - p, i.e. the implied YES price of the
// complementary NO contract.
func ComplementYes(p decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(p)
}

// AbsDiff returns |a - b|, rounded half-to-even to Precision places.
func AbsDiff(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs().RoundBank(Precision)
}

// RoundHalfToEven rounds d to the given number of decimal places using
// banker's rounding (round-half-to-even) throughout.
func RoundHalfToEven(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundBank(places)
}

// Equal reports whether a and b are decimal-equal (same numeric value,
// independent of trailing-zero representation).
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

// PctOf returns amount * (pct / 100), i.e. applies a percentage fee rate
// (expressed 0-100, not 0-1) to a notional amount.
func PctOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).DivRound(decimal.NewFromInt(100), Precision)
}
