package sqsqueue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Options bounds a consumer's receive loop.
type Options struct {
	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// handleFunc processes one raw message and reports whether it should be
// deleted. Returning false leaves the message for SQS redrive/DLQ.
type handleFunc func(ctx context.Context, m types.Message) bool

// receiveCount reads the ApproximateReceiveCount attribute: 1 on first
// delivery, incrementing on every redrive. This is the task attempt number.
func receiveCount(m types.Message) int {
	n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// pollConcurrent fetches messages and feeds a worker pool. Messages are
// deleted only after the handler decides so; on shutdown the workers drain
// whatever is already queued.
func pollConcurrent(ctx context.Context, client *sqs.Client, queueURL string, opts Options, workers int, handle handleFunc) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	deleteMsg := func(m types.Message) {
		_, _ = client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &queueURL,
			ReceiptHandle: m.ReceiptHandle,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if handle(ctx, m) {
					deleteMsg(m)
				}
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &queueURL,
				MaxNumberOfMessages: opts.MaxMessages,
				WaitTimeSeconds:     opts.WaitTimeSeconds,
				VisibilityTimeout:   opts.VisibilityTimeout,
				AttributeNames: []types.QueueAttributeName{
					types.QueueAttributeName(types.MessageSystemAttributeNameApproximateReceiveCount),
				},
			})
			if err != nil {
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}
