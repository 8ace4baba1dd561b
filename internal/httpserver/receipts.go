package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

type Ingestor interface {
	Ingest(ctx context.Context, providerID string, req provider.ReceiptRequest) error
}

// Receipts exposes one inbound webhook per provider and translates ingest
// results into the status codes providers key their redelivery off:
// 200 applied or duplicate, 400 never retry, 500 retry later.
type Receipts struct {
	Processor Ingestor

	// Twilio request signing. VerifySignature is injectable for tests.
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	TwilioAuthToken string
	PublicBaseURL   string
}

func (h *Receipts) Register(r *mux.Router) {
	r.HandleFunc("/notifications/sms/{provider}/{reference}", h.handleSMS).Methods(http.MethodPost)
	r.HandleFunc("/notifications/email/ses", h.handleSES).Methods(http.MethodPost)
}

func (h *Receipts) handleSMS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	providerID := vars["provider"]
	reference := vars["reference"]

	req := provider.ReceiptRequest{PathReference: reference}

	if providerID == "twilio" {
		if err := r.ParseForm(); err != nil {
			http.Error(w, ErrBadForm, http.StatusBadRequest)
			return
		}
		if h.VerifySignature == nil ||
			!h.VerifySignature(h.TwilioAuthToken, h.PublicBaseURL+r.URL.Path, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
			http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
			return
		}
		req.Form = r.PostForm
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, ErrBadPayload, http.StatusBadRequest)
			return
		}
		req.Body = body
	}

	h.ingest(w, r, providerID, req)
}

// snsType is the minimal SNS envelope peek for the lifecycle messages that
// are not receipts.
type snsType struct {
	Type         string `json:"Type"`
	SubscribeURL string `json:"SubscribeURL"`
}

func (h *Receipts) handleSES(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, ErrBadPayload, http.StatusBadRequest)
		return
	}

	var env snsType
	if json.Unmarshal(body, &env) == nil && env.Type == "SubscriptionConfirmation" {
		// Operators confirm subscriptions out of band.
		slog.Info("sns subscription confirmation received", "subscribe_url", env.SubscribeURL)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.ingest(w, r, "ses", provider.ReceiptRequest{Body: body})
}

func (h *Receipts) ingest(w http.ResponseWriter, r *http.Request, providerID string, req provider.ReceiptRequest) {
	err := h.Processor.Ingest(r.Context(), providerID, req)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrBadCallbackPayload),
		errors.Is(err, domain.ErrUnknownProviderStatus):
		slog.Error("receipt rejected", "err", err, "provider", providerID)
		http.Error(w, ErrBadPayload, http.StatusBadRequest)
	case errors.Is(err, domain.ErrReceiptRace):
		// The notification row is probably mid-commit; ask the
		// provider to redeliver.
		http.Error(w, ErrRetryLater, http.StatusInternalServerError)
	default:
		slog.Error("receipt ingest failed", "err", err, "provider", providerID)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
	}
}
