package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/observability"
	sqsqueue "notifyd/internal/queue/sqs"
	"notifyd/internal/util"
)

// errRetryable marks outcomes the task queue should redrive: transport
// failures and 5xx responses. Any other non-2xx means the destination has
// explicitly rejected the payload.
var errRetryable = errors.New("retryable callback failure")

func IsRetryable(err error) bool { return errors.Is(err, errRetryable) }

type FailureStore interface {
	InsertCallbackFailure(ctx context.Context, f domain.CallbackFailure) error
	NotificationHistoryExists(ctx context.Context, id string) (bool, error)
}

// Forwarder POSTs signed status payloads to subscribing services. Every
// non-2xx or transport failure leaves an audit record; the circuit breaker
// decides whether an attempt happens at all.
type Forwarder struct {
	HTTP    *http.Client
	Store   FailureStore
	Breaker FailingChecker
}

func NewForwarder(store FailureStore, breaker FailingChecker, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		HTTP:    &http.Client{Timeout: timeout},
		Store:   store,
		Breaker: breaker,
	}
}

func (f *Forwarder) Forward(ctx context.Context, task sqsqueue.CallbackTask) error {
	failing, err := f.Breaker.IsFailing(ctx, task.ServiceID)
	if err != nil {
		return fmt.Errorf("breaker check: %w", err)
	}
	if failing {
		// Abandon the attempt chain without a network call; the service
		// sees silence until the failure window ages out.
		observability.CallbackSuppressed.WithLabelValues("forward").Inc()
		slog.Warn("callback abandoned, service endpoint is failing",
			"notification_id", task.NotificationID,
			"service_id", task.ServiceID,
		)
		return nil
	}

	started := util.NowUTC()
	status, sendErr := f.post(ctx, task)
	ended := util.NowUTC()

	if sendErr == nil && status >= 200 && status < 300 {
		observability.CallbackSend.WithLabelValues("ok").Inc()
		return nil
	}

	failureType := fmt.Sprintf("http_%d", status)
	if sendErr != nil {
		failureType = classify(sendErr)
	}
	f.recordFailure(ctx, task, started, ended, failureType)

	if sendErr != nil || status >= 500 {
		observability.CallbackSend.WithLabelValues("retryable_error").Inc()
		return fmt.Errorf("%w: %s for %s", errRetryable, failureType, task.URL)
	}

	// Destination rejected the payload; retrying will not change its mind.
	observability.CallbackSend.WithLabelValues("rejected").Inc()
	slog.Warn("callback rejected by destination",
		"notification_id", task.NotificationID,
		"service_id", task.ServiceID,
		"http_status", status,
	)
	return nil
}

func (f *Forwarder) post(ctx context.Context, task sqsqueue.CallbackTask) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+task.BearerToken)

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (f *Forwarder) recordFailure(ctx context.Context, task sqsqueue.CallbackTask, started, ended time.Time, failureType string) {
	// History may have been purged by data retention; the audit record is
	// still written, just without the notification link.
	notificationID := task.NotificationID
	if exists, err := f.Store.NotificationHistoryExists(ctx, notificationID); err != nil || !exists {
		notificationID = ""
	}

	failure := domain.CallbackFailure{
		ServiceID:      task.ServiceID,
		NotificationID: notificationID,
		CallbackURL:    task.URL,
		AttemptNumber:  task.Attempt,
		AttemptStarted: started,
		AttemptEnded:   ended,
		FailureType:    failureType,
		CallbackType:   task.CallbackType,
	}
	if err := f.Store.InsertCallbackFailure(ctx, failure); err != nil {
		slog.Error("callback failure record insert failed",
			"err", err,
			"notification_id", task.NotificationID,
			"service_id", task.ServiceID,
		)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "connection_error"
	}
}
