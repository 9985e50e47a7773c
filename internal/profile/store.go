package profile

import (
	"context"
	"errors"
)

// ErrProfileNotFound is returned by stores for unknown users.
var ErrProfileNotFound = errors.New("profile not found")

// Store persists profile snapshots across restarts. The Registry remains the
// source of truth while the process runs; a Store is written behind it and
// read back at startup.
type Store interface {
	// Save upserts p. Implementations must ignore a snapshot whose Version is
	// not newer than the stored one, since saves may arrive out of order.
	Save(ctx context.Context, p *GeoProfile) error
	Get(ctx context.Context, userID string) (*GeoProfile, error)
	List(ctx context.Context) ([]*GeoProfile, error)
}
