package dispatch

import (
	"context"
	"log/slog"
	"time"

	"mailrelay/internal/domain"
	"mailrelay/internal/observability"
	"mailrelay/internal/store"
)

type Settings struct {
	DefaultSiteID int64
	// ResendInterval > 0 enables the rate-limit suppression tier.
	ResendInterval time.Duration
}

type Queue interface {
	EnqueueDelivery(ctx context.Context, msg domain.Message, backendID, recordID string) error
}

// Coordinator runs the synchronous dispatch path: preprocessing and all audit
// writes inside one transaction, then one delivery task per backend group,
// scheduled only after the transaction commits.
type Coordinator struct {
	Tx       store.TxRunner
	Records  store.WorkerStore
	Queue    Queue
	Recorder *Recorder
	Settings Settings
}

// Send dispatches one message and returns the number of audit rows created
// (backend groups plus non-empty suppression tiers). Errors before commit
// abort atomically: no rows, no tasks.
func (c *Coordinator) Send(ctx context.Context, msg domain.Message) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.ContentSubtype == "" {
		msg.ContentSubtype = "plain"
	}

	count := 0
	err := c.Tx.WithinDispatchTx(ctx, func(ctx context.Context, tx store.DispatchTx) error {
		res, err := c.preprocess(ctx, tx, &msg)
		if err != nil {
			return err
		}
		count = res.suppressionRows

		for _, g := range res.groups {
			sender := g.backend.FromAddress()
			if sender == "" {
				sender = msg.Sender
			}
			rec, err := c.Recorder.CreateQueued(ctx, tx, msg, sender, g.recipients, g.backend.ID)
			if err != nil {
				return err
			}
			count++

			// Value copy narrowed to this group; tasks must not alias the
			// caller's message.
			payload := msg
			payload.To = append([]string(nil), g.recipients...)
			payload.Sender = sender
			payload.BackendID = g.backend.ID

			recordID := rec.ID
			tx.OnCommit(func(ctx context.Context) {
				c.schedule(ctx, payload, recordID)
			})
		}
		return nil
	})
	if err != nil {
		observability.Dispatches.WithLabelValues("error").Inc()
		return 0, err
	}
	observability.Dispatches.WithLabelValues("ok").Inc()
	return count, nil
}

// schedule runs post-commit. A failed enqueue cannot roll anything back
// anymore, so the failure is written onto the record for operators.
func (c *Coordinator) schedule(ctx context.Context, payload domain.Message, recordID string) {
	if err := c.Queue.EnqueueDelivery(ctx, payload, payload.BackendID, recordID); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		slog.Error("delivery task enqueue failed", "err", err, "record_id", recordID, "backend_id", payload.BackendID)
		if uerr := c.Records.UpdateRecordStatus(ctx, store.RecordStatusUpdate{
			ID:     recordID,
			Status: "enqueue failed: " + err.Error(),
			Now:    c.Recorder.Now(),
		}); uerr != nil {
			slog.Error("record status update after enqueue failure failed", "err", uerr, "record_id", recordID)
		}
		return
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
}
