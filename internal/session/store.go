package session

import (
	"context"
	"time"
)

// DefaultTTL is the advisory expiry applied when a store is built with ttl <= 0.
const DefaultTTL = 2 * time.Hour

// Store is the durable, keyed record of every open session.
//
// Put merges with any existing record (see Session.Merge) and stamps
// ExpiresAt = LastSeen + ttl. Delete of a missing record is not an error.
// ScanRecent returns records whose LastSeen is within window of now.
//
// Implementations must be safe for concurrent use. Backend failures are
// returned wrapped in ErrStoreUnavailable.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	ScanRecent(ctx context.Context, window time.Duration) ([]Session, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Reaper is implemented by stores that reclaim expired records on demand.
type Reaper interface {
	DeleteExpired(ctx context.Context) (int, error)
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// stamp returns s with ExpiresAt derived from LastSeen.
func stamp(s Session, ttl time.Duration) Session {
	if s.Role == "" {
		s.Role = RoleUnknown
	}
	s.ExpiresAt = s.LastSeen.Add(ttl)
	return s
}
