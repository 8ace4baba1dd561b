package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"notifyd/internal/domain"
	sqsqueue "notifyd/internal/queue/sqs"
)

type fakeFailureStore struct {
	failures      []domain.CallbackFailure
	historyExists bool
}

func (s *fakeFailureStore) InsertCallbackFailure(ctx context.Context, f domain.CallbackFailure) error {
	s.failures = append(s.failures, f)
	return nil
}

func (s *fakeFailureStore) NotificationHistoryExists(ctx context.Context, id string) (bool, error) {
	return s.historyExists, nil
}

type stubBreaker struct {
	failing bool
}

func (b *stubBreaker) IsFailing(ctx context.Context, serviceID string) (bool, error) {
	return b.failing, nil
}

func task(url string) sqsqueue.CallbackTask {
	return sqsqueue.CallbackTask{
		NotificationID: "ntf_1",
		ServiceID:      "svc-1",
		CallbackType:   domain.CallbackTypeDeliveryStatus,
		URL:            url,
		BearerToken:    "tok",
		Payload:        []byte(`{"id":"ntf_1","status":"delivered"}`),
		Attempt:        1,
	}
}

func TestForward2xx(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := &fakeFailureStore{historyExists: true}
	f := NewForwarder(st, &stubBreaker{}, time.Second)

	if err := f.Forward(context.Background(), task(srv.URL)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if len(st.failures) != 0 {
		t.Fatalf("failures = %+v, want none", st.failures)
	}
}

func TestForward5xxRecordsFailureAndRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := &fakeFailureStore{historyExists: true}
	f := NewForwarder(st, &stubBreaker{}, time.Second)

	err := f.Forward(context.Background(), task(srv.URL))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(st.failures) != 1 {
		t.Fatalf("failures = %+v, want one record", st.failures)
	}
	rec := st.failures[0]
	if rec.FailureType != "http_500" || rec.NotificationID != "ntf_1" || rec.AttemptNumber != 1 {
		t.Fatalf("failure record = %+v", rec)
	}
}

func TestForward4xxRecordsFailureWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := &fakeFailureStore{historyExists: true}
	f := NewForwarder(st, &stubBreaker{}, time.Second)

	if err := f.Forward(context.Background(), task(srv.URL)); err != nil {
		t.Fatalf("expected no retry for 4xx, got %v", err)
	}
	if len(st.failures) != 1 || st.failures[0].FailureType != "http_404" {
		t.Fatalf("failures = %+v", st.failures)
	}
}

func TestForwardTransportFailureRecordsAndRetries(t *testing.T) {
	st := &fakeFailureStore{historyExists: true}
	f := NewForwarder(st, &stubBreaker{}, 100*time.Millisecond)

	// Nothing listens here.
	err := f.Forward(context.Background(), task("http://127.0.0.1:1/cb"))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(st.failures) != 1 || st.failures[0].FailureType != "connection_error" {
		t.Fatalf("failures = %+v", st.failures)
	}
}

func TestForwardOpenBreakerSkipsNetworkAndAudit(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	st := &fakeFailureStore{historyExists: true}
	f := NewForwarder(st, &stubBreaker{failing: true}, time.Second)

	if err := f.Forward(context.Background(), task(srv.URL)); err != nil {
		t.Fatalf("expected abandoned attempt to succeed, got %v", err)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Fatalf("expected no network call with open breaker")
	}
	if len(st.failures) != 0 {
		t.Fatalf("abandoned attempts write no failure record, got %+v", st.failures)
	}
}

func TestForwardPurgedHistoryDropsNotificationLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := &fakeFailureStore{historyExists: false}
	f := NewForwarder(st, &stubBreaker{}, time.Second)

	_ = f.Forward(context.Background(), task(srv.URL))
	if len(st.failures) != 1 || st.failures[0].NotificationID != "" {
		t.Fatalf("failures = %+v, want empty notification id", st.failures)
	}
}
