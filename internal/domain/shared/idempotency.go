package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers request keys that were already applied.
// The ledger stays the authoritative duplicate check for stock movements;
// a store only lets obvious replays skip line acquisition.
type IdempotencyStore interface {
	// MarkProcessed records key for ttl. It reports false when the key was
	// already present.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
	Close() error
}
