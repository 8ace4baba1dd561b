package telstra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// https://dev.telstra.com/content/messaging-api delivery statuses.
var statusMap = provider.StatusMap{
	"PEND":     domain.StatusPending,
	"SENT":     domain.StatusSending,
	"DELIVRD":  domain.StatusDelivered,
	"EXPIRED":  domain.StatusPermanentFailure,
	"DELETED":  domain.StatusPermanentFailure,
	"UNDVBL":   domain.StatusPermanentFailure,
	"REJECTED": domain.StatusTemporaryFailure,
	"READ":     domain.StatusDelivered,
}

func StatusMap() provider.StatusMap { return statusMap }

type Client struct {
	ClientID     string
	ClientSecret string
	HTTP         *http.Client

	BaseURL         string
	ReceiptsBaseURL string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func (c *Client) Identifier() string      { return "telstra" }
func (c *Client) Channel() domain.Channel { return domain.ChannelSMS }

type sendRequest struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	From      string `json:"from,omitempty"`
	NotifyURL string `json:"notifyURL,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		MessageID string `json:"messageId"`
	} `json:"messages"`
}

func (c *Client) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("telstra auth: %w", err)
	}

	req := sendRequest{To: in.To, Body: in.Body, From: in.Sender}
	if c.ReceiptsBaseURL != "" {
		req.NotifyURL = fmt.Sprintf("%s/notifications/sms/telstra/%s", strings.TrimRight(c.ReceiptsBaseURL, "/"), in.Reference)
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/v2/messages/sms", strings.NewReader(string(body)))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return provider.SendResult{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.SendResult{}, fmt.Errorf("telstra send failed: status %d: %s", resp.StatusCode, string(b))
	}

	var out sendResponse
	if err := json.Unmarshal(b, &out); err != nil || len(out.Messages) == 0 {
		return provider.SendResult{}, errors.New("telstra send: malformed response")
	}
	// The nominated notifyURL carries our reference; the Telstra message id
	// is only needed for polling.
	return provider.SendResult{Reference: in.Reference, Status: domain.StatusSending}, nil
}

// PollStatus is the optional poll-for-status capability, for receipts that
// never arrive.
func (c *Client) PollStatus(ctx context.Context, reference string) (domain.Status, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", fmt.Errorf("telstra auth: %w", err)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.BaseURL, "/")+"/v2/messages/sms/"+url.PathEscape(reference)+"/status", nil)
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("telstra status poll failed: status %d", resp.StatusCode)
	}

	var out []struct {
		DeliveryStatus string `json:"deliveryStatus"`
	}
	if err := json.Unmarshal(b, &out); err != nil || len(out) == 0 {
		return "", errors.New("telstra status poll: malformed response")
	}
	return statusMap.Canonical(out[0].DeliveryStatus)
}

type receiptPayload struct {
	MessageID      string `json:"messageId"`
	DeliveryStatus string `json:"deliveryStatus"`
}

func (c *Client) ParseReceipt(req provider.ReceiptRequest) (provider.Receipt, error) {
	var p receiptPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return provider.Receipt{}, fmt.Errorf("%w: telstra receipt: %v", domain.ErrBadCallbackPayload, err)
	}
	if p.MessageID == "" || p.DeliveryStatus == "" {
		return provider.Receipt{}, fmt.Errorf("%w: telstra receipt missing messageId or deliveryStatus", domain.ErrBadCallbackPayload)
	}
	if req.PathReference == "" {
		return provider.Receipt{}, fmt.Errorf("%w: telstra receipt missing reference", domain.ErrBadCallbackPayload)
	}
	return provider.Receipt{Reference: req.PathReference, VendorStatus: p.DeliveryStatus}, nil
}

// token returns a cached OAuth2 client-credentials access token, refreshing
// when within a minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/v2/oauth/token", strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.AccessToken == "" {
		return "", errors.New("token request: malformed response")
	}

	ttl := time.Hour
	if secs, err := out.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.accessToken = out.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.accessToken, nil
}
