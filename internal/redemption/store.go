package redemption

import "context"

// Store persists requests across transitions. Implementations live in
// internal/journal; writes must be durable before the caller proceeds past a
// broadcast.
type Store interface {
	Get(ctx context.Context, reference string) (*Request, error)
	Save(ctx context.Context, req Request) error
	// Claim persists req only when the reference is unknown or its existing
	// record rolled back to Idle. When another request already holds the
	// reference, Claim returns that record and persists nothing. The check
	// and the write are atomic.
	Claim(ctx context.Context, req Request) (*Request, error)
	ListByStatus(ctx context.Context, status Status) ([]Request, error)
}
