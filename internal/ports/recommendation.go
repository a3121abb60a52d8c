package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// RecommendationSource supplies externally generated trade proposals.
type RecommendationSource interface {
	// Next returns up to max pending recommendations, removing them from the source.
	Next(ctx context.Context, max int) ([]domain.Recommendation, error)
}

// Notifier is the fire-and-forget notification sink. Implementations must not
// block the caller for long and their failures never affect trading outcomes.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// Locker coordinates work that must run on one instance at a time.
type Locker interface {
	// TryLock acquires key for ttl without blocking and reports success.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unlock releases a key held by this instance.
	Unlock(ctx context.Context, key string) error
}
