package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mailrelay/internal/domain"
)

// SQS caps per-message delay at 15 minutes; longer not-before horizons are
// re-applied when the job surfaces.
const maxDelay = 900 * time.Second

// DeliveryJob is the task payload: a value copy of the message narrowed to
// one backend group, linked to its audit record. Attempt counts from 1.
type DeliveryJob struct {
	RecordID  string         `json:"recordId"`
	BackendID string         `json:"backendId"`
	Attempt   int            `json:"attempt"`
	Message   domain.Message `json:"message"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) EnqueueDelivery(ctx context.Context, msg domain.Message, backendID, recordID string) error {
	job := DeliveryJob{RecordID: recordID, BackendID: backendID, Attempt: 1, Message: msg}
	return p.send(ctx, job, scheduleDelay(msg, time.Now()))
}

// Retry re-enqueues the job after delay; the caller owns the attempt counter.
func (p *Producer) Retry(ctx context.Context, job DeliveryJob, delay time.Duration) error {
	return p.send(ctx, job, delay)
}

func (p *Producer) send(ctx context.Context, job DeliveryJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	return err
}

// scheduleDelay merges the message's scheduling hints: an explicit delay and
// a not-before timestamp, whichever pushes delivery later.
func scheduleDelay(msg domain.Message, now time.Time) time.Duration {
	delay := time.Duration(msg.DelaySeconds) * time.Second
	if msg.NotBefore != nil {
		if until := msg.NotBefore.Sub(now); until > delay {
			delay = until
		}
	}
	return delay
}

func str(s string) *string { return &s }
