package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifyd/internal/domain"
)

// CallbackTask is one "forward this status change to the subscribing
// service" task. The payload is the canonicalized notification snapshot,
// built at enqueue time so the forwarder never re-reads (or races) the
// notification row.
type CallbackTask struct {
	NotificationID string              `json:"notificationId"`
	ServiceID      string              `json:"serviceId"`
	CallbackType   domain.CallbackType `json:"callbackType"`
	URL            string              `json:"url"`
	BearerToken    string              `json:"bearerToken"`
	Payload        json.RawMessage     `json:"payload"`

	// Attempt is filled by the consumer from the queue's receive count,
	// never serialized.
	Attempt int `json:"-"`
}

type CallbackTaskProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *CallbackTaskProducer) Enqueue(ctx context.Context, task CallbackTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type CallbackTaskHandler func(ctx context.Context, task CallbackTask) error

type CallbackTaskConsumer struct {
	SQS      *sqs.Client
	QueueURL string
	Options  Options

	// MaxAttempts bounds the retry budget. A task that fails on its last
	// attempt is logged at error level and dropped; an operator takes it
	// from there.
	MaxAttempts int
}

func (c *CallbackTaskConsumer) PollConcurrent(ctx context.Context, workers int, handler CallbackTaskHandler) error {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	return pollConcurrent(ctx, c.SQS, c.QueueURL, c.Options, workers, func(ctx context.Context, m types.Message) bool {
		if m.Body == nil {
			return true
		}
		var task CallbackTask
		if err := json.Unmarshal([]byte(*m.Body), &task); err != nil {
			return true
		}
		task.Attempt = receiveCount(m)

		err := handler(ctx, task)
		if err == nil {
			return true
		}
		if task.Attempt >= maxAttempts {
			slog.Error("callback task retries exhausted",
				"err", err,
				"notification_id", task.NotificationID,
				"service_id", task.ServiceID,
				"url", task.URL,
				"attempt", task.Attempt,
			)
			return true
		}
		slog.Warn("callback task failed, will retry",
			"err", err,
			"notification_id", task.NotificationID,
			"service_id", task.ServiceID,
			"attempt", task.Attempt,
		)
		return false
	})
}
