package callback

import (
	"encoding/json"
	"time"

	"notifyd/internal/domain"
)

// DeliveryStatusPayload is the body POSTed to a subscribing service on a
// status change.
type DeliveryStatusPayload struct {
	ID               string  `json:"id"`
	Reference        string  `json:"reference"`
	To               string  `json:"to"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at"`
	SentAt           *string `json:"sent_at"`
	NotificationType string  `json:"notification_type"`
}

// ComplaintPayload is the body POSTed for an email complaint.
type ComplaintPayload struct {
	NotificationID string  `json:"notification_id"`
	ComplaintID    string  `json:"complaint_id"`
	Reference      string  `json:"reference"`
	To             string  `json:"to"`
	ComplaintDate  *string `json:"complaint_date"`
}

// BuildDeliveryStatusPayload snapshots a notification at enqueue time. The
// forwarder only references the snapshot, never the live record.
func BuildDeliveryStatusPayload(n domain.Notification) json.RawMessage {
	p := DeliveryStatusPayload{
		ID:               n.ID,
		Reference:        n.ClientReference,
		To:               n.To,
		Status:           string(n.Status),
		CreatedAt:        formatTime(n.CreatedAt),
		CompletedAt:      formatTimePtr(n.UpdatedAt),
		SentAt:           formatTimePtr(n.SentAt),
		NotificationType: string(n.Channel),
	}
	b, _ := json.Marshal(p)
	return b
}

func BuildComplaintPayload(c domain.Complaint, n domain.Notification) json.RawMessage {
	p := ComplaintPayload{
		NotificationID: n.ID,
		ComplaintID:    c.ID,
		Reference:      n.ClientReference,
		To:             n.To,
		ComplaintDate:  formatTimePtr(c.ComplaintDate),
	}
	b, _ := json.Marshal(p)
	return b
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
