package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"notifyd/internal/httpserver"
	"notifyd/internal/provider/twilio"
)

// A stand-in Twilio for local stacks: accepts sends, then posts a signed
// delivery receipt to the StatusCallback URL after a configurable delay.
type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8080"`

	// fixed | round_robin | random over Outcomes.
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"delivered"`

	ReceiptDelayMs int `envconfig:"MOCK_RECEIPT_DELAY_MS" default:"500"`
	ReceiptRetries int `envconfig:"MOCK_RECEIPT_RETRIES" default:"5"`

	Outcomes     []string
	ReceiptDelay time.Duration
}

type sendResponse struct {
	Sid     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type server struct {
	cfg    config
	idx    uint64
	rngMu  sync.Mutex
	rng    *rand.Rand
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.ReceiptDelay = time.Duration(cfg.ReceiptDelayMs) * time.Millisecond

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/healthz", httpserver.Healthz())

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Status: "failed", Message: "Authentication Error"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Status: "failed", Message: "Invalid form data"})
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("Body") == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Status: "failed", Message: "Missing required parameter"})
		return
	}

	sid := fmt.Sprintf("SM%06d", atomic.AddUint64(&s.idx, 1)-1)
	writeJSON(w, http.StatusCreated, sendResponse{Sid: sid, Status: "queued"})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		go s.postReceipt(cb, sid, s.nextOutcome())
	}
}

func (s *server) postReceipt(callbackURL, sid, status string) {
	time.Sleep(s.cfg.ReceiptDelay)

	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("MessageStatus", status)
	sig := twilio.Signature(s.cfg.AuthToken, callbackURL, form)

	for attempt := 0; attempt <= s.cfg.ReceiptRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			slog.Error("mock receipt request build failed", "err", err, "url", callbackURL)
			return
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			if code < 500 {
				if code >= 300 {
					slog.Warn("mock receipt rejected", "url", callbackURL, "status", code)
				}
				return
			}
		} else {
			slog.Warn("mock receipt post failed", "err", err, "url", callbackURL, "attempt", attempt+1)
		}
		time.Sleep(time.Duration(1<<attempt) * 250 * time.Millisecond)
	}
	slog.Error("mock receipt retries exhausted", "url", callbackURL, "sid", sid)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"delivered"}
	}
	return out
}
