package item

import (
	"context"
	"errors"
)

// ErrNotFound signals the requested item does not exist.
var ErrNotFound = errors.New("item: not found")

// Item is the read-only slice of catalog data the exchange core consumes.
type Item struct {
	ID       int64
	OwnerID  int64
	IsActive bool
}

// Lookup resolves an item id. Implementations return ErrNotFound for unknown ids.
type Lookup interface {
	GetByID(ctx context.Context, id int64) (Item, error)
}
