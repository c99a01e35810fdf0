// Package exchange implements the venue connectors: Kalshi and
// Polymarket. Both share the Connector interface so the ingestion and
// detection layers never branch on venue identity.
package exchange

import (
	"context"

	"arbcore/pkg/types"
)

// UpdateCallback is invoked by a connector's WS stream whenever it has a
// freshly normalized order book for a contract. Connectors never import
// the ingestion package directly (it would create an import cycle);
// instead ingestion registers this callback at wiring time.
type UpdateCallback func(ctx context.Context, book types.NormalizedOrderBook)

// Connector is the uniform interface both venue implementations satisfy.
// Order submission and position tracking are external collaborators and
// are deliberately not part of this interface.
type Connector interface {
	// PlatformID returns this connector's venue identity.
	PlatformID() types.VenueID

	// Connect establishes the WS stream and any auth handshake. Connect
	// must complete within the configured dial timeout or return an error.
	Connect(ctx context.Context) error

	// Disconnect tears down the WS stream and releases resources.
	Disconnect(ctx context.Context) error

	// FetchOrderBook performs a REST order-book fetch for contractID,
	// acquiring the read-quota token first.
	FetchOrderBook(ctx context.Context, contractID string) (types.NormalizedOrderBook, error)

	// Subscribe requests live book updates for contractID; updates are
	// delivered to the UpdateCallback registered via SetUpdateCallback.
	Subscribe(ctx context.Context, contractID string) error

	// SetUpdateCallback registers the callback invoked on every WS-driven
	// book update. Must be called before Connect.
	SetUpdateCallback(cb UpdateCallback)

	// FeeSchedule returns this venue's current cost model.
	FeeSchedule() types.FeeSchedule

	// Health returns a point-in-time health snapshot.
	Health() types.VenueHealth
}
