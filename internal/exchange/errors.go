package exchange

import (
	"errors"
	"fmt"

	"arbcore/pkg/types"
)

// Kind is the closed taxonomy of connector-level error categories from
// for platform/API errors.
type Kind string

const (
	KindUnauthorized            Kind = "unauthorized"
	KindRateLimited              Kind = "rate_limited"
	KindMarketNotFound            Kind = "market_not_found"
	KindInvalidRequest           Kind = "invalid_request"
	KindCredentialDerivationFailed Kind = "credential_derivation_failed"
	KindNotConnected             Kind = "not_connected"
	KindNotImplemented           Kind = "not_implemented"
	KindTransport                Kind = "transport"
	KindProtocol                 Kind = "protocol"
	KindStale                    Kind = "stale"
)

// baseCodes maps each Kind to the 1000-range base of its numeric error
// code (1000-range platform/API errors, per-venue
// offsets within").
var baseCodes = map[Kind]int{
	KindUnauthorized:               1000,
	KindRateLimited:                1010,
	KindMarketNotFound:             1020,
	KindInvalidRequest:             1030,
	KindCredentialDerivationFailed: 1040,
	KindNotConnected:               1050,
	KindNotImplemented:             1060,
	KindTransport:                  1070,
	KindProtocol:                   1080,
	KindStale:                      1090,
}

// venueOffset adds a small per-venue offset to baseCodes so the same Kind
// at different venues yields distinct codes.
func venueOffset(v types.VenueID) int {
	switch v {
	case types.Kalshi:
		return 0
	case types.Polymarket:
		return 1
	default:
		return 9
	}
}

// Error is the typed platform error every connector call-site maps its
// failures to before returning.
type Error struct {
	Kind    Kind
	Venue   types.VenueID
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%d] %s: %s: %v", e.Venue, e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%d] %s: %s", e.Venue, e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a typed Error with its numeric code derived from
// Kind and venue.
func NewError(venue types.VenueID, kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Venue:   venue,
		Code:    baseCodes[kind] + venueOffset(venue),
		Message: message,
		Err:     cause,
	}
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
