package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// Magic recipients for test traffic. SMS numbers select the outcome by
// suffix; email addresses by local part.
const (
	smsSuffixDelivered = "409000001"
	smsSuffixPermanent = "409000002"
	smsSuffixTemporary = "409000003"

	emailPrefixPermanent = "perm-fail@"
	emailPrefixTemporary = "temp-fail@"
)

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomePermanent
	outcomeTemporary
)

// ReceiptSink is where fake receipts land; in production it is the inbound
// receipt processor.
type ReceiptSink interface {
	Ingest(ctx context.Context, providerID string, req provider.ReceiptRequest) error
}

// Simulator fabricates a delivery receipt in the selected provider's own
// wire format and feeds it synchronously through the same ingestion path a
// real receipt would take, so test traffic exercises everything except the
// provider call itself.
type Simulator struct {
	Sink ReceiptSink
	Now  func() time.Time
}

func NewSimulator(sink ReceiptSink) *Simulator {
	return &Simulator{Sink: sink, Now: time.Now}
}

func (s *Simulator) Deliver(ctx context.Context, client provider.Client, n domain.Notification, reference string) error {
	req, err := fakeReceipt(client.Identifier(), reference, simulatedOutcome(n), s.Now().UTC())
	if err != nil {
		return err
	}
	return s.Sink.Ingest(ctx, client.Identifier(), req)
}

func simulatedReference(n domain.Notification) string {
	if n.Channel == domain.ChannelSMS {
		return n.ID
	}
	return uuid.NewString()
}

func simulatedOutcome(n domain.Notification) outcome {
	if n.Channel == domain.ChannelSMS {
		switch {
		case strings.HasSuffix(n.NormalisedTo, smsSuffixPermanent):
			return outcomePermanent
		case strings.HasSuffix(n.NormalisedTo, smsSuffixTemporary):
			return outcomeTemporary
		default:
			return outcomeDelivered
		}
	}
	switch {
	case strings.HasPrefix(n.NormalisedTo, emailPrefixPermanent):
		return outcomePermanent
	case strings.HasPrefix(n.NormalisedTo, emailPrefixTemporary):
		return outcomeTemporary
	default:
		return outcomeDelivered
	}
}

func fakeReceipt(providerID, reference string, o outcome, now time.Time) (provider.ReceiptRequest, error) {
	switch providerID {
	case "twilio":
		// Twilio has no transient failure status; a temporary outcome
		// surfaces as "failed".
		status := "delivered"
		switch o {
		case outcomePermanent:
			status = "undelivered"
		case outcomeTemporary:
			status = "failed"
		}
		return provider.ReceiptRequest{
			PathReference: reference,
			Form: url.Values{
				"MessageSid":    {reference},
				"MessageStatus": {status},
			},
		}, nil

	case "telstra":
		status := "DELIVRD"
		switch o {
		case outcomePermanent:
			status = "EXPIRED"
		case outcomeTemporary:
			status = "REJECTED"
		}
		body, err := json.Marshal(map[string]string{
			"messageId":      reference,
			"deliveryStatus": status,
		})
		if err != nil {
			return provider.ReceiptRequest{}, err
		}
		return provider.ReceiptRequest{PathReference: reference, Body: body}, nil

	case "sap":
		// SAP reports success or error only.
		status := "DELIVERED"
		if o != outcomeDelivered {
			status = "ERROR"
		}
		body, err := json.Marshal(map[string]string{
			"messageId": reference,
			"status":    status,
		})
		if err != nil {
			return provider.ReceiptRequest{}, err
		}
		return provider.ReceiptRequest{PathReference: reference, Body: body}, nil

	case "ses":
		body, err := sesFakeReceipt(reference, o, now)
		if err != nil {
			return provider.ReceiptRequest{}, err
		}
		return provider.ReceiptRequest{Body: body}, nil
	}
	return provider.ReceiptRequest{}, fmt.Errorf("provider %q has no simulated receipt format", providerID)
}

func sesFakeReceipt(reference string, o outcome, now time.Time) ([]byte, error) {
	msg := map[string]any{
		"notificationType": "Delivery",
		"mail": map[string]string{
			"messageId": reference,
			"timestamp": now.Format(time.RFC3339),
		},
	}
	switch o {
	case outcomePermanent:
		msg["notificationType"] = "Bounce"
		msg["bounce"] = map[string]string{"bounceType": "Permanent"}
	case outcomeTemporary:
		msg["notificationType"] = "Bounce"
		msg["bounce"] = map[string]string{"bounceType": "Transient"}
	}

	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": string(inner),
	})
}
