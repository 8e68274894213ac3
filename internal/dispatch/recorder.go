package dispatch

import (
	"context"
	"time"

	"mailrelay/internal/domain"
	"mailrelay/internal/store"
)

// Recorder creates durable audit rows. One row per backend group (status
// "queued") and one per non-empty suppression tier (sender sentinel, reason
// as status). The status fingerprint is computed by the store on every write.
type Recorder struct {
	IDGen func() string
	Now   func() time.Time
}

func (r *Recorder) CreateQueued(ctx context.Context, tx store.DispatchTx, msg domain.Message, sender string, recipients []string, backendID string) (domain.DeliveryRecord, error) {
	rec := domain.DeliveryRecord{
		ID:             r.IDGen(),
		ContentSubtype: msg.ContentSubtype,
		Sender:         sender,
		Recipients:     recipients,
		Body:           msg.Body,
		Subject:        msg.Subject,
		Campaign:       msg.Campaign,
		Status:         domain.StatusQueued,
		BackendID:      backendID,
		CreatedAt:      r.Now(),
	}
	if err := tx.InsertDeliveryRecord(ctx, rec); err != nil {
		return domain.DeliveryRecord{}, err
	}
	return rec, nil
}

func (r *Recorder) CreateSuppressed(ctx context.Context, tx store.DispatchTx, msg domain.Message, recipients []string, reason string) error {
	return tx.InsertDeliveryRecord(ctx, domain.DeliveryRecord{
		ID:             r.IDGen(),
		ContentSubtype: msg.ContentSubtype,
		Sender:         domain.SuppressedSender,
		Recipients:     recipients,
		Body:           msg.Body,
		Subject:        msg.Subject,
		Campaign:       msg.Campaign,
		Status:         reason,
		CreatedAt:      r.Now(),
	})
}
