package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailrelay/internal/domain"
	"mailrelay/internal/observability"
	"mailrelay/internal/providers/smtprelay"
	"mailrelay/internal/providers/unisender"
	sqsqueue "mailrelay/internal/queue/sqs"
	"mailrelay/internal/store"
)

const (
	// Bounded retry: up to MaxRetries re-enqueues, each delayed by
	// RetryBase multiplied by the attempt number.
	MaxRetries = 5
	RetryBase  = 60 * time.Second
)

// Outcome is what a successful delivery writes back onto the record.
type Outcome struct {
	Status   string
	RemoteID string
}

type RetryQueue interface {
	Retry(ctx context.Context, job sqsqueue.DeliveryJob, delay time.Duration) error
}

type SMTPSender interface {
	Send(ctx context.Context, backend domain.BackendConfig, msg domain.Message) error
}

type APISender interface {
	Send(ctx context.Context, req unisender.SendRequest) (unisender.SendResponse, int, []byte, error)
}

type Processor struct {
	Store   store.WorkerStore
	Queue   RetryQueue
	SMTP    SMTPSender
	API     APISender
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// Wall-clock bound per delivery attempt; exceeding it is transient.
	AttemptTimeout time.Duration
}

// Process runs one delivery attempt for one backend group. The record is
// owned by this job lineage, so status writes need no coordination. A nil
// return releases the queue message; a non-nil return leaves it for redrive.
func (p *Processor) Process(ctx context.Context, job sqsqueue.DeliveryJob) error {
	// The queue caps per-message delay below what a not-before horizon may
	// ask for, so a job can surface early. Push it back out with the
	// remaining delay; the attempt counter is not consumed.
	if nb := job.Message.NotBefore; nb != nil {
		if remaining := time.Until(*nb); remaining > 0 {
			slog.Info("delivery not due yet, re-enqueueing",
				"record_id", job.RecordID, "remaining", remaining)
			return p.Queue.Retry(ctx, job, remaining)
		}
	}

	rec, found, err := p.Store.GetDeliveryRecord(ctx, job.RecordID)
	if err != nil {
		return err
	}
	if !found {
		slog.Error("delivery record missing, dropping job", "record_id", job.RecordID)
		return nil
	}

	// Idempotent consumer: a record that already reached the provider is done.
	if rec.RemoteID != "" || rec.StatusFingerprint == domain.Fingerprint(domain.StatusDelivered) {
		return nil
	}

	backend, found, err := p.Store.GetBackend(ctx, job.BackendID)
	if err != nil {
		return err
	}
	if !found {
		return p.fail(ctx, job, "backend configuration missing: "+job.BackendID)
	}

	if p.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			// Could not acquire a token; leave the message for redrive.
			return err
		}
	}

	start := time.Now()
	outcome, err := p.executeWithBreaker(ctx, backend, job.Message)

	method := string(backend.SendingMethod)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.Deliveries.WithLabelValues(method, "cb_open").Inc()
		// Transient provider protection; do NOT touch the record.
		return err
	}

	if err == nil {
		observability.Deliveries.WithLabelValues(method, "ok").Inc()
		observability.DeliveryLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return p.Store.UpdateRecordStatus(ctx, store.RecordStatusUpdate{
			ID:       job.RecordID,
			Status:   outcome.Status,
			RemoteID: outcome.RemoteID,
			Now:      time.Now().UTC(),
		})
	}

	observability.Deliveries.WithLabelValues(method, "error").Inc()

	var ce callError
	retriable := true
	if errors.As(err, &ce) {
		retriable = ce.retriable
	}
	if domain.IsConfigurationError(err) {
		retriable = false
	}

	if !retriable || job.Attempt > MaxRetries {
		return p.fail(ctx, job, err.Error())
	}

	// Write the failure onto the record before retrying, so the audit trail
	// always shows the most recent error while retries continue.
	if uerr := p.Store.UpdateRecordStatus(ctx, store.RecordStatusUpdate{
		ID:     job.RecordID,
		Status: err.Error(),
		Now:    time.Now().UTC(),
	}); uerr != nil {
		return uerr
	}

	next := job
	next.Attempt = job.Attempt + 1
	delay := RetryBase * time.Duration(job.Attempt)
	if rerr := p.Queue.Retry(ctx, next, delay); rerr != nil {
		return rerr
	}
	observability.Deliveries.WithLabelValues(method, "retry_scheduled").Inc()
	slog.Info("delivery retry scheduled",
		"record_id", job.RecordID, "attempt", next.Attempt, "delay", delay, "err", err)
	return nil
}

// fail marks the record with its terminal status. Asynchronous failures are
// operator-visible only; they never propagate to the original caller.
func (p *Processor) fail(ctx context.Context, job sqsqueue.DeliveryJob, status string) error {
	slog.Error("delivery failed terminally", "record_id", job.RecordID, "attempt", job.Attempt, "status", status)
	return p.Store.UpdateRecordStatus(ctx, store.RecordStatusUpdate{
		ID:     job.RecordID,
		Status: status,
		Now:    time.Now().UTC(),
	})
}

func (p *Processor) executeWithBreaker(ctx context.Context, backend domain.BackendConfig, msg domain.Message) (Outcome, error) {
	call := func() (any, error) {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		return p.deliver(attemptCtx, backend, msg)
	}

	var (
		res any
		err error
	)
	if p.Breaker == nil {
		res, err = call()
	} else {
		res, err = p.Breaker.Execute(call)
	}
	if err != nil {
		return Outcome{}, err
	}
	return res.(Outcome), nil
}

// deliver is the closed dispatch over the two sending methods.
func (p *Processor) deliver(ctx context.Context, backend domain.BackendConfig, msg domain.Message) (Outcome, error) {
	switch backend.SendingMethod {
	case domain.MethodSMTP:
		// Inline attachments ride along in the same MIME tree. Materialize
		// is a no-op for parts already encoded by a previous attempt.
		smtprelay.MergeInline(&msg)
		smtprelay.Materialize(msg.Attachments)
		if err := p.SMTP.Send(ctx, backend, msg); err != nil {
			return Outcome{}, wrapCallError(err, 0)
		}
		return Outcome{Status: domain.StatusDelivered}, nil

	case domain.MethodTransactionalAPI:
		resp, httpStatus, raw, err := p.API.Send(ctx, unisender.SendRequest{
			APIKey:      backend.APIKey,
			Username:    backend.APIUsername,
			Subject:     msg.Subject,
			BodyHTML:    msg.Body,
			FromEmail:   backend.APIFromEmail,
			FromName:    backend.APIFromName,
			Recipients:  msg.To,
			Attachments: msg.Attachments,
			Inline:      msg.InlineAttachments,
		})
		if err != nil {
			return Outcome{}, callError{err: err, httpStatus: httpStatus, retriable: unisender.ShouldRetry(err, httpStatus)}
		}
		// The record keeps the provider's raw response representation.
		return Outcome{Status: string(raw), RemoteID: resp.JobID}, nil

	default:
		return Outcome{}, &domain.ConfigurationError{Reason: "unknown sending method: " + string(backend.SendingMethod)}
	}
}

type callError struct {
	err        error
	httpStatus int
	retriable  bool
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }

func wrapCallError(err error, httpStatus int) error {
	if domain.IsConfigurationError(err) {
		return err
	}
	return callError{err: err, httpStatus: httpStatus, retriable: true}
}
