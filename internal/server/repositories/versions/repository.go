// Package versions provides the per-collection version counter that orders
// every accepted change within a collection.
package versions

import "context"

type Repository interface {
	// Next atomically increments and returns the collection's version
	// counter. Must be called inside the push transaction so version
	// assignment and the record write commit together.
	Next(ctx context.Context, collection string) (int64, error)

	// Current returns the collection's latest assigned version, zero if
	// nothing has ever been pushed.
	Current(ctx context.Context, collection string) (int64, error)
}
