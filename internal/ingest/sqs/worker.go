// Package sqs is the optional durable transport of spec.md §6.2/§6.4: when
// configured, the webhook receiver hands deliveries off to an SQS queue
// instead of dispatching in-process, and this package's Worker drains that
// queue on the other side, decoding each message the same way the in-process
// path does and feeding the result to the same Scheduler.Run entrypoint.
// Grounded on the teacher's APIGWEnvelope polling worker, generalized from a
// single processor callback to the bot's event-identity pipeline.
package sqs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ealebed/anubis/internal/events"
	"github.com/ealebed/anubis/internal/prid"
)

// eventTypeAttr and deliveryIDAttr are the message-attribute keys Enqueue
// writes and the Worker reads back, mirroring the webhook headers they
// stand in for.
const (
	eventTypeAttr  = "EventType"
	deliveryIDAttr = "DeliveryID"
)

// Runner is the subset of scheduler.Scheduler the worker depends on.
type Runner interface {
	Run(ctx context.Context, newPrIDs []prid.Identity)
}

// Enqueue publishes one webhook delivery to an SQS queue: the raw payload as
// the message body, event type and delivery id as message attributes. This
// is the function webhook.Server.Enqueue is wired to when durable transport
// is configured.
func Enqueue(ctx context.Context, client *awssqs.Client, queueURL, eventType, deliveryID string, body []byte) error {
	if client == nil || queueURL == "" {
		return errors.New("sqs.Enqueue: missing client or queue URL")
	}
	_, err := client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			eventTypeAttr: {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventType),
			},
			deliveryIDAttr: {
				DataType:    aws.String("String"),
				StringValue: aws.String(deliveryID),
			},
		},
	})
	return err
}

// Worker polls SQS, decodes each message into the PR identities it affects,
// and dispatches them to the scheduler exactly as the in-process webhook
// path would.
type Worker struct {
	Client            *awssqs.Client
	QueueURL          string
	MaxMessages       int32 // 1..10
	WaitTimeSeconds   int32 // 0..20
	VisibilityTimeout int32 // seconds

	Owner, Repo, StagingBranch string
	Scheduler                  Runner
}

// Run starts a long-poll receive loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Client == nil || w.QueueURL == "" || w.Scheduler == nil {
		return errors.New("sqs.Worker: missing Client, QueueURL or Scheduler")
	}
	slog.Info("sqs.worker.start",
		"queue", w.QueueURL,
		"maxMessages", w.vOrDefault(w.MaxMessages, 10),
		"waitSeconds", w.vOrDefault(w.WaitTimeSeconds, 10),
		"visibility", w.vOrDefault(w.VisibilityTimeout, 120),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sqs.worker.stop", "reason", "context_done")
			return ctx.Err()
		default:
		}

		out, err := w.Client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(w.QueueURL),
			MaxNumberOfMessages:   w.vOrDefault(w.MaxMessages, 10),
			WaitTimeSeconds:       w.vOrDefault(w.WaitTimeSeconds, 10),
			VisibilityTimeout:     w.vOrDefault(w.VisibilityTimeout, 120),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			slog.Error("sqs.receive.error", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue // long-poll timeout; loop again
		}

		for _, m := range out.Messages {
			w.handleMessage(ctx, m)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, m types.Message) {
	if m.ReceiptHandle == nil {
		slog.Warn("sqs.message.missing_receipt_handle", "messageID", aws.ToString(m.MessageId))
		return
	}

	eventType, deliveryID := w.attrs(m)
	body := []byte(aws.ToString(m.Body))

	ids, err := events.Decode(eventType, body, w.Owner, w.Repo, w.StagingBranch)
	if err != nil {
		slog.Error("sqs.message.bad_payload", "err", err, "event", eventType, "delivery", deliveryID,
			"messageID", aws.ToString(m.MessageId))
		// Malformed payloads will never decode on retry either; delete to
		// avoid blocking the queue on a poison message.
		w.delete(ctx, m)
		return
	}

	w.Scheduler.Run(ctx, ids)
	slog.Debug("sqs.message.dispatched", "event", eventType, "delivery", deliveryID,
		"messageID", aws.ToString(m.MessageId))
	w.delete(ctx, m)
}

func (w *Worker) attrs(m types.Message) (eventType, deliveryID string) {
	if v, ok := m.MessageAttributes[eventTypeAttr]; ok && v.StringValue != nil {
		eventType = aws.ToString(v.StringValue)
	}
	if v, ok := m.MessageAttributes[deliveryIDAttr]; ok && v.StringValue != nil {
		deliveryID = aws.ToString(v.StringValue)
	}
	return eventType, deliveryID
}

func (w *Worker) delete(ctx context.Context, m types.Message) {
	_, err := w.Client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs.message.delete_error", "err", err, "messageID", aws.ToString(m.MessageId))
	}
}

func (w *Worker) vOrDefault(v, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}
