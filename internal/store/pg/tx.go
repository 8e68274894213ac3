package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailrelay/internal/domain"
	"mailrelay/internal/store"
)

// dispatchTx wraps one pgx transaction and collects callbacks that must not
// fire unless the transaction commits (delivery task scheduling lives there).
type dispatchTx struct {
	tx       pgx.Tx
	onCommit []func(ctx context.Context)
}

func (d *dispatchTx) OnCommit(fn func(ctx context.Context)) {
	d.onCommit = append(d.onCommit, fn)
}

// WithinDispatchTx runs fn inside one transaction. On successful commit the
// registered callbacks are drained in registration order; on any error or
// rollback they are discarded, so no task can reference a row that was never
// persisted.
func (s *Store) WithinDispatchTx(ctx context.Context, fn func(ctx context.Context, tx store.DispatchTx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	// No-op after commit; releases the transaction if fn errors or panics.
	defer func() { _ = tx.Rollback(ctx) }()

	d := &dispatchTx{tx: tx}
	if err := fn(ctx, d); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, cb := range d.onCommit {
		cb(ctx)
	}
	return nil
}

func (d *dispatchTx) BouncedRecipients(ctx context.Context, emails []string) ([]string, error) {
	rows, err := d.tx.Query(ctx, `
		SELECT DISTINCT email FROM bounces
		WHERE email = ANY($1) AND event = ANY($2)
	`, emails, domain.BounceEvents)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (d *dispatchTx) UnsubscribedRecipients(ctx context.Context, emails []string, campaign string) ([]string, error) {
	rows, err := d.tx.Query(ctx, `
		SELECT DISTINCT email FROM unsubscribers
		WHERE email = ANY($1) AND campaign=$2
	`, emails, campaign)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// RecentlyDeliveredRecipients matches historical rows by status fingerprint
// rather than status text; the fingerprint column is the indexed one.
func (d *dispatchTx) RecentlyDeliveredRecipients(ctx context.Context, emails []string, campaign, fingerprint string, since time.Time) ([]string, error) {
	rows, err := d.tx.Query(ctx, `
		SELECT DISTINCT r FROM delivery_records, unnest(recipients) AS r
		WHERE campaign=$1 AND status_fingerprint=$2 AND updated_at > $3 AND r = ANY($4)
	`, campaign, fingerprint, since, emails)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (d *dispatchTx) FindBackend(ctx context.Context, q store.BackendQuery) (domain.BackendConfig, bool, error) {
	return findBackend(ctx, d.tx, q)
}

func (d *dispatchTx) GetBackend(ctx context.Context, id string) (domain.BackendConfig, bool, error) {
	return getBackend(ctx, d.tx, id)
}

func (d *dispatchTx) InsertDeliveryRecord(ctx context.Context, rec domain.DeliveryRecord) error {
	_, err := d.tx.Exec(ctx, `
		INSERT INTO delivery_records
			(id, content_subtype, sender, recipients, body, subject, campaign,
			 status, status_fingerprint, backend_id, remote_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, rec.ID, rec.ContentSubtype, rec.Sender, rec.Recipients, rec.Body, rec.Subject,
		nullIfEmpty(rec.Campaign), rec.Status, domain.Fingerprint(rec.Status),
		nullIfEmpty(rec.BackendID), nullIfEmpty(rec.RemoteID), rec.CreatedAt)
	return err
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
