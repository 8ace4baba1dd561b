package store

import (
	"time"

	"notifyd/internal/domain"
)

// SentUpdate records a provider accepting a send. Status is sending, or
// sent when the channel has no further provider acknowledgement step.
type SentUpdate struct {
	ID            string
	SentBy        string
	Reference     string
	BillableUnits int
	Status        domain.Status
	Now           time.Time
}

// ReceiptUpdate applies a canonical status from a delivery receipt. The
// update only lands while the notification is still in-flight (sending or
// pending); RowsAffected tells the caller whether it did.
type ReceiptUpdate struct {
	Reference string
	Status    domain.Status
	Now       time.Time
}

// CallbackFailureStats are the per-service circuit breaker inputs for one
// time bucket.
type CallbackFailureStats struct {
	FailingNotifications int // distinct notifications with >=1 failure
	TotalFailures        int
}
