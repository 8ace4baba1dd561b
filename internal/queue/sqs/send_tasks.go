package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SendTask is one "dispatch this notification" task. Delivery is
// at-least-once; the dispatcher's status gate makes replays a no-op.
type SendTask struct {
	NotificationID string `json:"notificationId"`
}

type SendTaskProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *SendTaskProducer) Enqueue(ctx context.Context, notificationID string) error {
	body, err := json.Marshal(SendTask{NotificationID: notificationID})
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type SendTaskHandler func(ctx context.Context, task SendTask) error

type SendTaskConsumer struct {
	SQS      *sqs.Client
	QueueURL string
	Options  Options
}

// PollConcurrent processes send tasks with a worker pool. A handler error
// leaves the message for SQS redrive/DLQ; malformed bodies are deleted so
// they don't loop forever.
func (c *SendTaskConsumer) PollConcurrent(ctx context.Context, workers int, handler SendTaskHandler) error {
	return pollConcurrent(ctx, c.SQS, c.QueueURL, c.Options, workers, func(ctx context.Context, m types.Message) bool {
		if m.Body == nil {
			return true
		}
		var task SendTask
		if err := json.Unmarshal([]byte(*m.Body), &task); err != nil {
			return true
		}
		if err := handler(ctx, task); err != nil {
			slog.Error("send task failed",
				"err", err,
				"notification_id", task.NotificationID,
				"attempt", receiveCount(m),
			)
			return false
		}
		return true
	})
}

func str(s string) *string { return &s }
