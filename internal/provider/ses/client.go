package ses

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// SES notification types, after bounce subtyping.
const (
	EventDelivery  = "Delivery"
	EventPermanent = "Permanent"
	EventTemporary = "Temporary"
	EventComplaint = "Complaint"
)

var statusMap = provider.StatusMap{
	EventDelivery:  domain.StatusDelivered,
	EventPermanent: domain.StatusPermanentFailure,
	EventTemporary: domain.StatusTemporaryFailure,
}

func StatusMap() provider.StatusMap { return statusMap }

type Sender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Client struct {
	SES        Sender
	FromDomain string // e.g. notify.example.com
	FromName   string
}

func (c *Client) Identifier() string      { return "ses" }
func (c *Client) Channel() domain.Channel { return domain.ChannelEmail }

func (c *Client) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	from := fmt.Sprintf("%q <noreply@%s>", c.FromName, c.FromDomain)

	out, err := c.SES.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{in.To}},
		ReplyToAddresses: replyTo(in.Sender),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(in.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(in.Body)},
				},
			},
		},
	})
	if err != nil {
		return provider.SendResult{}, err
	}
	// Receipts correlate on the SES-assigned message id.
	return provider.SendResult{Reference: aws.ToString(out.MessageId), Status: domain.StatusSending}, nil
}

func replyTo(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}

// snsEnvelope is the SNS notification wrapper SES receipts arrive in.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type sesMessage struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"mail"`
	Bounce struct {
		BounceType string `json:"bounceType"`
	} `json:"bounce"`
	Complaint struct {
		FeedbackID            string `json:"feedbackId"`
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
	} `json:"complaint"`
}

// ParseReceipt decodes the SNS-wrapped SES receipt. Bounces are subtyped to
// Permanent or Temporary; anything that is not a permanent bounce retries.
func (c *Client) ParseReceipt(req provider.ReceiptRequest) (provider.Receipt, error) {
	msg, err := DecodeMessage(req.Body)
	if err != nil {
		return provider.Receipt{}, err
	}

	event := msg.NotificationType
	switch event {
	case "Bounce":
		if msg.Bounce.BounceType == "Permanent" {
			event = EventPermanent
		} else {
			event = EventTemporary
		}
	case "Delivery", "Complaint":
	default:
		return provider.Receipt{}, fmt.Errorf("%w: %q", domain.ErrUnknownProviderStatus, event)
	}

	var occurred *time.Time
	if t, err := time.Parse(time.RFC3339, msg.Mail.Timestamp); err == nil {
		t = t.UTC()
		occurred = &t
	}

	return provider.Receipt{
		Reference:    msg.Mail.MessageID,
		VendorStatus: event,
		OccurredAt:   occurred,
		Complaint:    event == EventComplaint,
	}, nil
}

// DecodeMessage unwraps the SNS envelope around an SES receipt.
func DecodeMessage(body []byte) (sesMessage, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return sesMessage{}, fmt.Errorf("%w: ses receipt: %v", domain.ErrBadCallbackPayload, err)
	}
	var msg sesMessage
	if err := json.Unmarshal([]byte(env.Message), &msg); err != nil {
		return sesMessage{}, fmt.Errorf("%w: ses receipt message: %v", domain.ErrBadCallbackPayload, err)
	}
	if msg.Mail.MessageID == "" {
		return sesMessage{}, fmt.Errorf("%w: ses receipt missing messageId", domain.ErrBadCallbackPayload)
	}
	return msg, nil
}

// ParseComplaint extracts the complaint fields from a receipt body, for the
// receipt processor's complaint path.
func (c *Client) ParseComplaint(req provider.ReceiptRequest) (provider.ComplaintReceipt, error) {
	msg, err := DecodeMessage(req.Body)
	if err != nil {
		return provider.ComplaintReceipt{}, err
	}
	out := provider.ComplaintReceipt{
		Reference:     msg.Mail.MessageID,
		FeedbackID:    msg.Complaint.FeedbackID,
		ComplaintType: msg.Complaint.ComplaintFeedbackType,
	}
	if out.FeedbackID == "" {
		return provider.ComplaintReceipt{}, fmt.Errorf("%w: ses complaint missing feedbackId", domain.ErrBadCallbackPayload)
	}
	if t, perr := time.Parse(time.RFC3339, msg.Complaint.Timestamp); perr == nil {
		t = t.UTC()
		out.Date = &t
	}
	return out, nil
}
