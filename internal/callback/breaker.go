package callback

import (
	"context"
	"time"

	"notifyd/internal/store"
)

const (
	// A service is considered failing only when enough distinct
	// notifications are affected AND the raw failure volume is high;
	// occasional network blips keep retrying normally.
	DefaultMinFailingNotifications = 50
	DefaultMaxTotalFailures        = 500
	DefaultBucket                  = time.Hour
)

type FailureStats interface {
	CallbackFailureStats(ctx context.Context, serviceID string, bucketStart, bucketEnd time.Time) (store.CallbackFailureStats, error)
}

// FailingChecker gates outbound callback attempts per service.
type FailingChecker interface {
	IsFailing(ctx context.Context, serviceID string) (bool, error)
}

// Breaker is a read-only circuit breaker over the append-only callback
// failure log, bucketed by truncating to the bucket granularity. It holds no
// state of its own; two workers always compute the same answer.
type Breaker struct {
	Stats FailureStats

	MinFailingNotifications int
	MaxTotalFailures        int
	Bucket                  time.Duration

	Now func() time.Time
}

func NewBreaker(stats FailureStats) *Breaker {
	return &Breaker{
		Stats:                   stats,
		MinFailingNotifications: DefaultMinFailingNotifications,
		MaxTotalFailures:        DefaultMaxTotalFailures,
		Bucket:                  DefaultBucket,
		Now:                     time.Now,
	}
}

func (b *Breaker) IsFailing(ctx context.Context, serviceID string) (bool, error) {
	bucketStart := b.Now().UTC().Truncate(b.Bucket)
	stats, err := b.Stats.CallbackFailureStats(ctx, serviceID, bucketStart, bucketStart.Add(b.Bucket))
	if err != nil {
		return false, err
	}
	return stats.FailingNotifications >= b.MinFailingNotifications &&
		stats.TotalFailures > b.MaxTotalFailures, nil
}
