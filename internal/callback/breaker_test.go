package callback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notifyd/internal/store"
)

type fakeStats struct {
	stats store.CallbackFailureStats
	calls int

	gotStart time.Time
	gotEnd   time.Time
}

func (f *fakeStats) CallbackFailureStats(ctx context.Context, serviceID string, bucketStart, bucketEnd time.Time) (store.CallbackFailureStats, error) {
	f.calls++
	f.gotStart, f.gotEnd = bucketStart, bucketEnd
	return f.stats, nil
}

func TestBreakerThresholds(t *testing.T) {
	cases := []struct {
		failing int
		total   int
		want    bool
	}{
		{0, 0, false},
		{49, 10000, false}, // too few distinct notifications
		{50, 500, false},   // volume not strictly above the cap
		{50, 501, true},
		{200, 10000, true},
	}
	for _, c := range cases {
		b := NewBreaker(&fakeStats{stats: store.CallbackFailureStats{
			FailingNotifications: c.failing,
			TotalFailures:        c.total,
		}})
		got, err := b.IsFailing(context.Background(), "svc-1")
		if err != nil {
			t.Fatalf("is failing: %v", err)
		}
		if got != c.want {
			t.Fatalf("failing=%d total=%d: got %v, want %v", c.failing, c.total, got, c.want)
		}
	}
}

func TestBreakerBucketsByTruncatedHour(t *testing.T) {
	stats := &fakeStats{}
	b := NewBreaker(stats)
	b.Now = func() time.Time {
		return time.Date(2026, 8, 30, 10, 42, 17, 0, time.UTC)
	}

	if _, err := b.IsFailing(context.Background(), "svc-1"); err != nil {
		t.Fatalf("is failing: %v", err)
	}
	wantStart := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !stats.gotStart.Equal(wantStart) || !stats.gotEnd.Equal(wantStart.Add(time.Hour)) {
		t.Fatalf("bucket = [%v, %v), want [%v, %v)", stats.gotStart, stats.gotEnd, wantStart, wantStart.Add(time.Hour))
	}
}

func TestCachedBreakerCachesAnswer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stats := &fakeStats{stats: store.CallbackFailureStats{FailingNotifications: 60, TotalFailures: 600}}
	cached := NewCachedBreaker(rdb, NewBreaker(stats))

	for i := 0; i < 3; i++ {
		failing, err := cached.IsFailing(context.Background(), "svc-1")
		if err != nil {
			t.Fatalf("is failing %d: %v", i, err)
		}
		if !failing {
			t.Fatalf("expected failing")
		}
	}
	if stats.calls != 1 {
		t.Fatalf("stats queried %d times, want 1 (cached)", stats.calls)
	}

	// Cached per service.
	if _, err := cached.IsFailing(context.Background(), "svc-2"); err != nil {
		t.Fatalf("is failing svc-2: %v", err)
	}
	if stats.calls != 2 {
		t.Fatalf("stats queried %d times, want 2", stats.calls)
	}
}

func TestCachedBreakerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stats := &fakeStats{}
	cached := NewCachedBreaker(rdb, NewBreaker(stats))

	if _, err := cached.IsFailing(context.Background(), "svc-1"); err != nil {
		t.Fatalf("is failing: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := cached.IsFailing(context.Background(), "svc-1"); err != nil {
		t.Fatalf("is failing: %v", err)
	}
	if stats.calls != 2 {
		t.Fatalf("stats queried %d times, want 2 after TTL expiry", stats.calls)
	}
}
