package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/domain"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

type Store interface {
	GetNotification(ctx context.Context, id string) (domain.Notification, bool, error)
	GetService(ctx context.Context, id string) (domain.Service, bool, error)
	ClaimForSending(ctx context.Context, id, reference string, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, in store.SentUpdate) error
	MarkStatus(ctx context.Context, id string, status domain.Status, now time.Time) error
}

// Selector picks and disables providers; backed by the registry.
type Selector interface {
	Select(ctx context.Context, channel domain.Channel, international bool) (provider.Client, error)
	Disable(ctx context.Context, identifier string) error
}

// Dispatcher runs the send state machine for one notification task:
// created -> sending -> (sent | delivered), or technical-failure when the
// send can never succeed.
type Dispatcher struct {
	Store     Store
	Providers Selector
	Simulator *Simulator

	// Limiter and Breaker guard the real provider call, per pod. Either
	// may be nil.
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// LocalPhonePrefix rewrites local leading-zero numbers when intake left
	// the recipient unnormalized.
	LocalPhonePrefix string

	Now func() time.Time
}

func NewDispatcher(st Store, sel Selector, sim *Simulator) *Dispatcher {
	return &Dispatcher{
		Store:     st,
		Providers: sel,
		Simulator: sim,
		Now:       time.Now,
	}
}

// Dispatch processes one send task. A nil return deletes the task; an error
// leaves it for the queue's redrive policy.
func (d *Dispatcher) Dispatch(ctx context.Context, notificationID string) error {
	n, found, err := d.Store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("send task for unknown notification", "notification_id", notificationID)
		return nil
	}

	// Idempotent consumer: only a created notification is dispatchable.
	// A replayed task finds it already claimed or settled.
	if n.Status != domain.StatusCreated {
		slog.Info("notification not in created, skipping dispatch",
			"notification_id", n.ID, "status", n.Status)
		return nil
	}

	if n.NormalisedTo == "" {
		switch n.Channel {
		case domain.ChannelSMS:
			n.NormalisedTo = util.NormalizePhone(n.To, d.LocalPhonePrefix)
		case domain.ChannelEmail:
			n.NormalisedTo = util.NormalizeEmail(n.To)
		}
	}

	now := d.Now().UTC()

	svc, found, err := d.Store.GetService(ctx, n.ServiceID)
	if err != nil {
		return err
	}
	if !found || !svc.Active {
		slog.Error("dispatch for inactive service",
			"notification_id", n.ID, "service_id", n.ServiceID)
		return d.Store.MarkStatus(ctx, n.ID, domain.StatusTechnicalFailure, now)
	}

	client, err := d.Providers.Select(ctx, n.Channel, n.International)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveProvider) {
			slog.Error("no active provider", "notification_id", n.ID, "channel", n.Channel)
			return d.Store.MarkStatus(ctx, n.ID, domain.StatusTechnicalFailure, now)
		}
		return err
	}

	if n.KeyType == domain.KeyTypeTest || svc.ResearchMode {
		return d.dispatchSimulated(ctx, n, client, now)
	}
	return d.dispatchReal(ctx, n, client, now)
}

// dispatchReal claims the notification and calls the provider. SMS claims
// carry the reference (our notification id) so a fast receipt still finds
// its row; email references are assigned by the provider and committed with
// MarkSent.
func (d *Dispatcher) dispatchReal(ctx context.Context, n domain.Notification, client provider.Client, now time.Time) error {
	claimRef := ""
	if n.Channel == domain.ChannelSMS {
		claimRef = n.ID
	}
	claimed, err := d.Store.ClaimForSending(ctx, n.ID, claimRef, now)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("lost dispatch claim", "notification_id", n.ID)
		return nil
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return d.releaseAndReturn(ctx, n.ID, err)
		}
	}

	start := time.Now()
	res, err := d.send(ctx, client, provider.SendInput{
		To:        n.NormalisedTo,
		Subject:   n.Subject,
		Body:      n.Body,
		Reference: n.ID,
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Transient provider protection, not a provider fault.
			observability.ProviderSend.WithLabelValues(client.Identifier(), "cb_open").Inc()
			return d.releaseAndReturn(ctx, n.ID, err)
		}
		observability.ProviderSend.WithLabelValues(client.Identifier(), "error").Inc()
		slog.Error("provider send failed, disabling provider",
			"err", err, "provider", client.Identifier(), "notification_id", n.ID)
		if derr := d.Providers.Disable(ctx, client.Identifier()); derr != nil {
			slog.Error("disable provider failed", "err", derr, "provider", client.Identifier())
		}
		return d.releaseAndReturn(ctx, n.ID, err)
	}

	observability.ProviderSend.WithLabelValues(client.Identifier(), "ok").Inc()
	observability.ProviderSendLatency.WithLabelValues(client.Identifier()).Observe(time.Since(start).Seconds())

	status := res.Status
	if n.Channel == domain.ChannelSMS && n.International {
		// No receipt follows a cross-border SMS; the accept is final.
		status = domain.StatusSent
	}

	sentAt := d.Now().UTC()
	if err := d.Store.MarkSent(ctx, store.SentUpdate{
		ID:            n.ID,
		SentBy:        client.Identifier(),
		Reference:     res.Reference,
		BillableUnits: domain.BillableUnits(n.Channel, n.Body),
		Status:        status,
		Now:           sentAt,
	}); err != nil {
		return err
	}

	observability.SendTotalTime.WithLabelValues(string(n.Channel)).Observe(sentAt.Sub(n.CreatedAt).Seconds())
	slog.Info("notification sent",
		"notification_id", n.ID,
		"provider", client.Identifier(),
		"channel", n.Channel,
		"status", status,
	)
	return nil
}

// dispatchSimulated records a zero-cost send and feeds a provider-shaped
// fake receipt straight into the receipt processor. If the synchronous
// simulation fails, the claim is rolled back so a retry re-runs the whole
// thing.
func (d *Dispatcher) dispatchSimulated(ctx context.Context, n domain.Notification, client provider.Client, now time.Time) error {
	ref := simulatedReference(n)
	claimed, err := d.Store.ClaimForSending(ctx, n.ID, ref, now)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("lost dispatch claim", "notification_id", n.ID)
		return nil
	}

	if err := d.Store.MarkSent(ctx, store.SentUpdate{
		ID:            n.ID,
		SentBy:        client.Identifier(),
		Reference:     ref,
		BillableUnits: 0,
		Status:        domain.StatusSending,
		Now:           now,
	}); err != nil {
		return err
	}

	if err := d.Simulator.Deliver(ctx, client, n, ref); err != nil {
		slog.Error("simulated receipt failed, releasing claim",
			"err", err, "notification_id", n.ID, "provider", client.Identifier())
		return d.releaseAndReturn(ctx, n.ID, err)
	}

	observability.SendTotalTime.WithLabelValues(string(n.Channel)).Observe(d.Now().UTC().Sub(n.CreatedAt).Seconds())
	return nil
}

func (d *Dispatcher) send(ctx context.Context, client provider.Client, in provider.SendInput) (provider.SendResult, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return client.Send(reqCtx, in)
	}

	var (
		resAny any
		err    error
	)
	if d.Breaker != nil {
		resAny, err = d.Breaker.Execute(call)
	} else {
		resAny, err = call()
	}
	if err != nil {
		return provider.SendResult{}, err
	}
	return resAny.(provider.SendResult), nil
}

// releaseAndReturn rolls the claim back to created and propagates the cause
// so the task queue redrives the whole dispatch. The release is conditional
// on the row still being in sending: with SMS references committed at claim
// time, a delivery receipt can settle the notification while the provider
// call is still timing out, and then the send's failure must not roll the
// settled status back or trigger a second send.
func (d *Dispatcher) releaseAndReturn(ctx context.Context, id string, cause error) error {
	released, err := d.Store.ReleaseClaim(ctx, id, d.Now().UTC())
	if err != nil {
		return fmt.Errorf("release claim for %s: %w (after: %v)", id, err, cause)
	}
	if !released {
		slog.Warn("claim settled during failed send, not releasing",
			"notification_id", id, "cause", cause)
		return nil
	}
	return cause
}
