package receipt

import (
	"context"
	"log/slog"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// PollerStore lists in-flight notifications whose delivery receipt is
// overdue.
type PollerStore interface {
	ListStaleInFlight(ctx context.Context, sentBy string, olderThan time.Time, limit int) ([]domain.Notification, error)
}

// Poller periodically asks providers with the poll-for-status capability
// about in-flight notifications whose receipt never arrived, and feeds the
// answers through the same apply path the webhooks use. Receipts get lost;
// without this an SMS whose callback was dropped would sit in sending
// forever.
type Poller struct {
	Store     PollerStore
	Processor *Processor

	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Now       func() time.Time

	pollers map[string]provider.StatusPoller
}

func NewPoller(st PollerStore, proc *Processor) *Poller {
	return &Poller{
		Store:     st,
		Processor: proc,
		Interval:  time.Minute,
		MinAge:    10 * time.Minute,
		BatchSize: 100,
		Now:       time.Now,
		pollers:   make(map[string]provider.StatusPoller),
	}
}

func (p *Poller) RegisterProvider(identifier string, sp provider.StatusPoller) {
	p.pollers[identifier] = sp
}

// Registered reports whether any provider opted into polling.
func (p *Poller) Registered() bool { return len(p.pollers) > 0 }

// Run polls on the interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one sweep over every registered provider's overdue
// notifications.
func (p *Poller) PollOnce(ctx context.Context) {
	cutoff := p.Now().UTC().Add(-p.MinAge)

	for id, sp := range p.pollers {
		stale, err := p.Store.ListStaleInFlight(ctx, id, cutoff, p.BatchSize)
		if err != nil {
			slog.Error("overdue notification listing failed", "err", err, "provider", id)
			continue
		}
		for _, n := range stale {
			status, err := sp.PollStatus(ctx, n.Reference)
			if err != nil {
				slog.Warn("status poll failed",
					"err", err, "provider", id, "notification_id", n.ID)
				continue
			}
			if status.InFlight() || status == domain.StatusCreated {
				// Still pending at the provider; the next sweep will ask
				// again.
				continue
			}
			if err := p.Processor.ApplyStatus(ctx, id, n, status); err != nil {
				slog.Error("polled status apply failed",
					"err", err, "provider", id, "notification_id", n.ID)
			}
		}
	}
}
