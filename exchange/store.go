package exchange

import "context"

// Store owns durable storage of exchanges.
//
// Implementations must enforce the one-open-offer rule with a storage
// constraint and report its violation on Add as ErrOpenOfferExists. Save
// commits the aggregate and its new timeline entries atomically, returning
// ErrConcurrentUpdate when the row changed since it was loaded.
type Store interface {
	ExistsOpenForPair(ctx context.Context, initiatorID, offeredItemID, requestedItemID int64) (bool, error)
	Add(ctx context.Context, e *Exchange) error
	// GetByID returns ErrNotFound when no exchange has the id.
	GetByID(ctx context.Context, id int64) (*Exchange, error)
	Save(ctx context.Context, e *Exchange) error
}
