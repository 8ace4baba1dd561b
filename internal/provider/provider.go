package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"notifyd/internal/domain"
)

// SendInput is the already-rendered content handed to a provider client.
// Reference is our notification id; SMS providers echo it back in their
// delivery receipts, email providers assign their own message id instead.
type SendInput struct {
	To        string
	Subject   string
	Body      string
	Reference string
	Sender    string // sender id / from number / from address, optional
}

// SendResult reports a provider accepting a message. Reference is the
// correlation key for later receipts: our id for SMS providers, the
// provider-assigned message id for email.
type SendResult struct {
	Reference string
	Status    domain.Status
}

// Client is one channel-provider pair.
type Client interface {
	Identifier() string
	Channel() domain.Channel
	Send(ctx context.Context, in SendInput) (SendResult, error)
}

// StatusPoller is the optional poll-for-status capability.
type StatusPoller interface {
	PollStatus(ctx context.Context, reference string) (domain.Status, error)
}

// ReceiptRequest is a raw inbound delivery receipt before provider-specific
// parsing. PathReference carries the reference from the webhook URL where
// the provider's payload does not repeat it.
type ReceiptRequest struct {
	PathReference string
	Body          []byte
	Form          url.Values
}

// Receipt is the normalized (reference, vendor status) pair. OccurredAt is
// the provider's own event timestamp when the wire format carries one; it
// feeds the not-yet-committed grace window on lookup misses.
type Receipt struct {
	Reference    string
	VendorStatus string
	OccurredAt   *time.Time

	// Complaint marks a receipt that reports a recipient complaint
	// instead of a delivery status change. The parser also implements
	// ComplaintParser in that case.
	Complaint bool
}

// ReceiptParser decodes a provider's receipt wire format.
type ReceiptParser interface {
	ParseReceipt(req ReceiptRequest) (Receipt, error)
}

// ComplaintReceipt is an email recipient complaint reported by a provider.
type ComplaintReceipt struct {
	Reference     string
	FeedbackID    string
	ComplaintType string
	Date          *time.Time
}

// ComplaintParser is the optional complaint-receipt capability of email
// providers.
type ComplaintParser interface {
	ParseComplaint(req ReceiptRequest) (ComplaintReceipt, error)
}

// StatusMap is a provider's fixed vendor-status to canonical-status table.
type StatusMap map[string]domain.Status

// Canonical maps a vendor status code. Unrecognized codes are a technical
// failure needing operator attention, never silently dropped.
func (m StatusMap) Canonical(vendor string) (domain.Status, error) {
	st, ok := m[vendor]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownProviderStatus, vendor)
	}
	return st, nil
}
