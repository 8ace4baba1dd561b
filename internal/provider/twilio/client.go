package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// Vendor statuses per the Twilio message status docs. Twilio's own "sent"
// means handed to the carrier, so it maps to sending, not sent.
var statusMap = provider.StatusMap{
	"accepted":    domain.StatusCreated,
	"queued":      domain.StatusSending,
	"sending":     domain.StatusSending,
	"sent":        domain.StatusSending,
	"delivered":   domain.StatusDelivered,
	"undelivered": domain.StatusPermanentFailure,
	"failed":      domain.StatusTechnicalFailure,
}

func StatusMap() provider.StatusMap { return statusMap }

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	FromNumber string
	BaseURL    string

	// ReceiptsBaseURL is where Twilio posts status callbacks, e.g.
	// https://notify.example.com. Empty disables callbacks.
	ReceiptsBaseURL string
}

func (c *Client) Identifier() string      { return "twilio" }
func (c *Client) Channel() domain.Channel { return domain.ChannelSMS }

type sendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	form := url.Values{}
	form.Set("To", in.To)
	form.Set("Body", in.Body)
	if in.Sender != "" {
		form.Set("From", in.Sender)
	} else {
		form.Set("From", c.FromNumber)
	}
	if c.ReceiptsBaseURL != "" {
		form.Set("StatusCallback", fmt.Sprintf("%s/notifications/sms/twilio/%s", strings.TrimRight(c.ReceiptsBaseURL, "/"), in.Reference))
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return provider.SendResult{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return provider.SendResult{}, errors.New(out.Message)
		}
		return provider.SendResult{}, errors.New("twilio send failed")
	}
	// Receipts correlate on our reference from the StatusCallback URL.
	return provider.SendResult{Reference: in.Reference, Status: domain.StatusSending}, nil
}

// ParseReceipt decodes a Twilio status callback form. The correlating
// reference is the notification id from the callback URL path.
func (c *Client) ParseReceipt(req provider.ReceiptRequest) (provider.Receipt, error) {
	status := req.Form.Get("MessageStatus")
	sid := req.Form.Get("MessageSid")
	if status == "" || sid == "" {
		return provider.Receipt{}, fmt.Errorf("%w: twilio receipt missing MessageStatus or MessageSid", domain.ErrBadCallbackPayload)
	}
	if req.PathReference == "" {
		return provider.Receipt{}, fmt.Errorf("%w: twilio receipt missing reference", domain.ErrBadCallbackPayload)
	}
	return provider.Receipt{Reference: req.PathReference, VendorStatus: status}, nil
}
