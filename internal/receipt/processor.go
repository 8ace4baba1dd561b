package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"notifyd/internal/callback"
	"notifyd/internal/domain"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/queue/sqs"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

// GraceWindow covers the gap between a provider accepting a message and the
// sending worker committing the provider reference. A receipt that finds no
// row but carries an event timestamp inside this window is answered with an
// error so the provider redelivers it after the commit has landed.
const GraceWindow = 5 * time.Minute

type Store interface {
	GetNotificationByReference(ctx context.Context, reference string) (domain.Notification, bool, error)
	ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (bool, error)
	GetCallbackRegistration(ctx context.Context, serviceID string, callbackType domain.CallbackType) (domain.CallbackRegistration, bool, error)
	InsertComplaint(ctx context.Context, c domain.Complaint) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task sqsqueue.CallbackTask) error
}

type handler struct {
	parser   provider.ReceiptParser
	statuses provider.StatusMap
}

// Processor turns inbound provider receipts into status transitions and,
// when a service subscribed, queued callback tasks.
type Processor struct {
	Store   Store
	Queue   Enqueuer
	Breaker callback.FailingChecker
	Now     func() time.Time

	handlers map[string]handler
}

func NewProcessor(st Store, q Enqueuer, br callback.FailingChecker) *Processor {
	return &Processor{
		Store:    st,
		Queue:    q,
		Breaker:  br,
		Now:      time.Now,
		handlers: make(map[string]handler),
	}
}

// RegisterProvider wires one provider's receipt wire format and status
// vocabulary under its identifier.
func (p *Processor) RegisterProvider(identifier string, parser provider.ReceiptParser, statuses provider.StatusMap) {
	p.handlers[identifier] = handler{parser: parser, statuses: statuses}
}

// Ingest processes one inbound receipt from the named provider. A nil return
// acknowledges the receipt; an error tells the HTTP layer to make the
// provider redeliver (or reject) it.
func (p *Processor) Ingest(ctx context.Context, providerID string, req provider.ReceiptRequest) error {
	h, ok := p.handlers[providerID]
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrBadCallbackPayload, providerID)
	}

	rcpt, err := h.parser.ParseReceipt(req)
	if err != nil {
		return err
	}
	if rcpt.Complaint {
		cp, ok := h.parser.(provider.ComplaintParser)
		if !ok {
			return fmt.Errorf("%w: %s sent a complaint receipt but cannot parse complaints", domain.ErrBadCallbackPayload, providerID)
		}
		return p.ingestComplaint(ctx, providerID, cp, req)
	}

	status, err := h.statuses.Canonical(rcpt.VendorStatus)
	if err != nil {
		slog.Error("unmapped provider status",
			"provider", providerID,
			"vendor_status", rcpt.VendorStatus,
			"reference", rcpt.Reference,
		)
		return err
	}

	now := p.Now().UTC()

	n, found, err := p.Store.GetNotificationByReference(ctx, rcpt.Reference)
	if err != nil {
		return err
	}
	if !found {
		if withinGrace(rcpt.OccurredAt, now) {
			return fmt.Errorf("%w: reference %q", domain.ErrReceiptRace, rcpt.Reference)
		}
		slog.Warn("receipt for unknown reference",
			"provider", providerID,
			"reference", rcpt.Reference,
			"vendor_status", rcpt.VendorStatus,
		)
		return nil
	}

	return p.ApplyStatus(ctx, providerID, n, status)
}

// ApplyStatus settles an in-flight notification with a canonical status and
// queues the status callback. Webhook receipts and provider status polls
// both land here; settled notifications are left untouched.
func (p *Processor) ApplyStatus(ctx context.Context, providerID string, n domain.Notification, status domain.Status) error {
	now := p.Now().UTC()

	if !n.Status.InFlight() {
		slog.Warn("status update for settled notification",
			"provider", providerID,
			"notification_id", n.ID,
			"status", n.Status,
			"update", status,
		)
		return nil
	}

	applied, err := p.Store.ApplyReceipt(ctx, store.ReceiptUpdate{
		Reference: n.Reference,
		Status:    status,
		Now:       now,
	})
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent receipt settled the row between our read and
		// this update. The winner forwarded the callback.
		slog.Warn("status update lost race",
			"provider", providerID,
			"notification_id", n.ID,
			"update", status,
		)
		return nil
	}

	observability.ReceiptEvents.WithLabelValues(providerID, string(status)).Inc()
	if status == domain.StatusDelivered && n.SentAt != nil {
		observability.DeliveryLatency.WithLabelValues(providerID).Observe(now.Sub(*n.SentAt).Seconds())
	}

	slog.Info("status applied",
		"provider", providerID,
		"notification_id", n.ID,
		"from", n.Status,
		"to", status,
	)

	n.Status = status
	n.UpdatedAt = &now
	return p.forwardDeliveryStatus(ctx, n)
}

func (p *Processor) ingestComplaint(ctx context.Context, providerID string, cp provider.ComplaintParser, req provider.ReceiptRequest) error {
	c, err := cp.ParseComplaint(req)
	if err != nil {
		return err
	}

	now := p.Now().UTC()

	n, found, err := p.Store.GetNotificationByReference(ctx, c.Reference)
	if err != nil {
		return err
	}
	if !found {
		if withinGrace(c.Date, now) {
			return fmt.Errorf("%w: complaint reference %q", domain.ErrReceiptRace, c.Reference)
		}
		slog.Warn("complaint for unknown reference",
			"provider", providerID,
			"reference", c.Reference,
			"feedback_id", c.FeedbackID,
		)
		return nil
	}

	complaint := domain.Complaint{
		ID:             util.NewComplaintID(),
		NotificationID: n.ID,
		ServiceID:      n.ServiceID,
		FeedbackID:     c.FeedbackID,
		ComplaintType:  c.ComplaintType,
		ComplaintDate:  c.Date,
	}
	// Complaints never touch the notification status; a delivered email
	// stays delivered.
	if err := p.Store.InsertComplaint(ctx, complaint); err != nil {
		return err
	}

	observability.ReceiptEvents.WithLabelValues(providerID, "complaint").Inc()
	slog.Info("complaint recorded",
		"provider", providerID,
		"notification_id", n.ID,
		"feedback_id", c.FeedbackID,
	)

	reg, ok, err := p.Store.GetCallbackRegistration(ctx, n.ServiceID, domain.CallbackTypeComplaint)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return p.enqueue(ctx, sqsqueue.CallbackTask{
		NotificationID: n.ID,
		ServiceID:      n.ServiceID,
		CallbackType:   domain.CallbackTypeComplaint,
		URL:            reg.URL,
		BearerToken:    reg.BearerToken,
		Payload:        callback.BuildComplaintPayload(complaint, n),
	})
}

// forwardDeliveryStatus queues the status-change callback if the owning
// service asked for one. A per-notification callback URL wins over the
// service-level registration.
func (p *Processor) forwardDeliveryStatus(ctx context.Context, n domain.Notification) error {
	url, token := n.StatusCallbackURL, n.StatusCallbackBearerToken
	if url == "" {
		reg, ok, err := p.Store.GetCallbackRegistration(ctx, n.ServiceID, domain.CallbackTypeDeliveryStatus)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		url, token = reg.URL, reg.BearerToken
	}
	return p.enqueue(ctx, sqsqueue.CallbackTask{
		NotificationID: n.ID,
		ServiceID:      n.ServiceID,
		CallbackType:   domain.CallbackTypeDeliveryStatus,
		URL:            url,
		BearerToken:    token,
		Payload:        callback.BuildDeliveryStatusPayload(n),
	})
}

func (p *Processor) enqueue(ctx context.Context, task sqsqueue.CallbackTask) error {
	failing, err := p.Breaker.IsFailing(ctx, task.ServiceID)
	if err != nil {
		// The breaker is advisory; on error, enqueue anyway.
		slog.Warn("callback breaker check failed", "err", err, "service_id", task.ServiceID)
	} else if failing {
		observability.CallbackSuppressed.WithLabelValues("enqueue").Inc()
		slog.Info("callback suppressed, service endpoint failing",
			"service_id", task.ServiceID,
			"notification_id", task.NotificationID,
		)
		return nil
	}
	return p.Queue.Enqueue(ctx, task)
}

func withinGrace(occurred *time.Time, now time.Time) bool {
	return occurred != nil && now.Sub(*occurred) < GraceWindow
}
