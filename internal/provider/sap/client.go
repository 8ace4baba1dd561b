package sap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// https://livelink.sapmobileservices.com delivery statuses.
var statusMap = provider.StatusMap{
	"SENT":      domain.StatusSending,
	"DELIVERED": domain.StatusDelivered,
	"RECEIVED":  domain.StatusDelivered,
	"ERROR":     domain.StatusPermanentFailure,
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

func (c *Client) Identifier() string      { return "sap" }
func (c *Client) Channel() domain.Channel { return domain.ChannelSMS }

type callbackSpec struct {
	URL string `json:"url"`
}

type sendRequest struct {
	Origin          string         `json:"origin,omitempty"`
	Destination     []string       `json:"destination"`
	Message         string         `json:"message"`
	Callback        []callbackSpec `json:"callback,omitempty"`
	Acknowledgement bool           `json:"acknowledgement"`
	AckType         string         `json:"ackType"`
	Subject         string         `json:"subject"`
}

type sendResponse struct {
	LivelinkOrderIDs []struct {
		LivelinkOrderID []string `json:"livelinkOrderId"`
	} `json:"livelinkOrderIds"`
}

func (c *Client) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("sap auth: %w", err)
	}

	req := sendRequest{
		Origin:          in.Sender,
		Destination:     []string{in.To},
		Message:         in.Body,
		Acknowledgement: true,
		AckType:         "MESSAGE",
		Subject:         in.Reference,
	}
	if c.ReceiptsBaseURL != "" {
		req.Callback = []callbackSpec{{
			URL: fmt.Sprintf("%s/notifications/sms/sap/%s", strings.TrimRight(c.ReceiptsBaseURL, "/"), in.Reference),
		}}
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/api/v2/sms", strings.NewReader(string(body)))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return provider.SendResult{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.SendResult{}, fmt.Errorf("sap send failed: status %d: %s", resp.StatusCode, string(b))
	}

	var out sendResponse
	if err := json.Unmarshal(b, &out); err != nil || len(out.LivelinkOrderIDs) == 0 || len(out.LivelinkOrderIDs[0].LivelinkOrderID) == 0 {
		return provider.SendResult{}, errors.New("sap send: malformed response")
	}
	return provider.SendResult{Reference: in.Reference, Status: domain.StatusSending}, nil
}

type receiptPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (c *Client) ParseReceipt(req provider.ReceiptRequest) (provider.Receipt, error) {
	var p receiptPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return provider.Receipt{}, fmt.Errorf("%w: sap receipt: %v", domain.ErrBadCallbackPayload, err)
	}
	if p.MessageID == "" || p.Status == "" {
		return provider.Receipt{}, fmt.Errorf("%w: sap receipt missing messageId or status", domain.ErrBadCallbackPayload)
	}
	if req.PathReference == "" {
		return provider.Receipt{}, fmt.Errorf("%w: sap receipt missing reference", domain.ErrBadCallbackPayload)
	}
	return provider.Receipt{Reference: req.PathReference, VendorStatus: p.Status}, nil
}

// token caches the OAuth2 access token for 30 minutes (SAP tokens are valid
// for 45).
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/api/oauth/token?grant_type=client_credentials", nil)
	httpReq.SetBasicAuth(c.ClientID, c.ClientSecret)

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
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.AccessToken == "" {
		return "", errors.New("token request: malformed response")
	}

	c.accessToken = out.AccessToken
	c.tokenExpiry = time.Now().Add(30 * time.Minute)
	return c.accessToken, nil
}
