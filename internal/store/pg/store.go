package pg

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailrelay/internal/domain"
	"mailrelay/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// helpers serve the transactional and non-transactional paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) GetDeliveryRecord(ctx context.Context, id string) (domain.DeliveryRecord, bool, error) {
	return getDeliveryRecord(ctx, s.DB, id)
}

func getDeliveryRecord(ctx context.Context, q querier, id string) (domain.DeliveryRecord, bool, error) {
	var r domain.DeliveryRecord
	row := q.QueryRow(ctx, `
		SELECT id, content_subtype, sender, recipients, body, subject, COALESCE(campaign,''),
		       status, status_fingerprint, COALESCE(backend_id,''), COALESCE(remote_id,''),
		       created_at, updated_at
		FROM delivery_records WHERE id=$1
	`, id)
	err := row.Scan(&r.ID, &r.ContentSubtype, &r.Sender, &r.Recipients, &r.Body, &r.Subject,
		&r.Campaign, &r.Status, &r.StatusFingerprint, &r.BackendID, &r.RemoteID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeliveryRecord{}, false, nil
		}
		return domain.DeliveryRecord{}, false, err
	}
	return r, true, nil
}

// UpdateRecordStatus writes the status text and recomputes the fingerprint.
// The fingerprint is a derived index; there is no path that sets it directly.
func (s *Store) UpdateRecordStatus(ctx context.Context, in store.RecordStatusUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_records
		SET status=$2, status_fingerprint=$3, remote_id=COALESCE(NULLIF($4,''), remote_id), updated_at=$5
		WHERE id=$1
	`, in.ID, in.Status, domain.Fingerprint(in.Status), in.RemoteID, in.Now)
	return err
}

func (s *Store) GetBackend(ctx context.Context, id string) (domain.BackendConfig, bool, error) {
	return getBackend(ctx, s.DB, id)
}

const backendColumns = `
	b.id, b.sending_method,
	COALESCE(b.host,''), COALESCE(b.port,0), COALESCE(b.username,''), COALESCE(b.password,''),
	b.use_ssl, b.use_tls, COALESCE(b.default_from,''),
	COALESCE(b.api_key,''), COALESCE(b.api_username,''), COALESCE(b.api_from_email,''), COALESCE(b.api_from_name,''),
	b.main, b.is_active`

func scanBackend(row pgx.Row) (domain.BackendConfig, error) {
	var b domain.BackendConfig
	err := row.Scan(&b.ID, &b.SendingMethod,
		&b.Host, &b.Port, &b.Username, &b.Password,
		&b.UseSSL, &b.UseTLS, &b.DefaultFrom,
		&b.APIKey, &b.APIUsername, &b.APIFromEmail, &b.APIFromName,
		&b.Main, &b.IsActive)
	return b, err
}

func getBackend(ctx context.Context, q querier, id string) (domain.BackendConfig, bool, error) {
	b, err := scanBackend(q.QueryRow(ctx, `SELECT `+backendColumns+` FROM backends b WHERE b.id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BackendConfig{}, false, nil
		}
		return domain.BackendConfig{}, false, err
	}
	return b, true, nil
}

// findBackend resolves one tier. The query is assembled from the tier flags;
// ordering by id keeps resolution deterministic when several backends match.
func findBackend(ctx context.Context, q querier, bq store.BackendQuery) (domain.BackendConfig, bool, error) {
	var (
		conds = []string{"b.is_active"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if bq.MainOnly {
		conds = append(conds, "b.main")
	}
	if bq.SiteID > 0 {
		conds = append(conds, "EXISTS (SELECT 1 FROM backend_sites s WHERE s.backend_id=b.id AND s.site_id="+arg(bq.SiteID)+")")
	}
	if bq.Unscoped {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM backend_sites s WHERE s.backend_id=b.id)")
	}
	if bq.Domain != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM backend_domains d WHERE d.backend_id=b.id AND d.domain="+arg(bq.Domain)+")")
	}

	sql := `SELECT ` + backendColumns + ` FROM backends b WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY b.id LIMIT 1`
	b, err := scanBackend(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BackendConfig{}, false, nil
		}
		return domain.BackendConfig{}, false, err
	}
	return b, true, nil
}

// UpsertBackend is the operator write path; the dispatch pipeline never
// mutates backends. Validation happens here so a main+active backend can
// never be persisted with site scoping.
func (s *Store) UpsertBackend(ctx context.Context, b domain.BackendConfig) error {
	if err := b.Validate(); err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO backends (id, sending_method, host, port, username, password, use_ssl, use_tls,
		                      default_from, api_key, api_username, api_from_email, api_from_name, main, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			sending_method=EXCLUDED.sending_method, host=EXCLUDED.host, port=EXCLUDED.port,
			username=EXCLUDED.username, password=EXCLUDED.password,
			use_ssl=EXCLUDED.use_ssl, use_tls=EXCLUDED.use_tls, default_from=EXCLUDED.default_from,
			api_key=EXCLUDED.api_key, api_username=EXCLUDED.api_username,
			api_from_email=EXCLUDED.api_from_email, api_from_name=EXCLUDED.api_from_name,
			main=EXCLUDED.main, is_active=EXCLUDED.is_active
	`, b.ID, b.SendingMethod, nullIfEmpty(b.Host), b.Port, nullIfEmpty(b.Username), nullIfEmpty(b.Password),
		b.UseSSL, b.UseTLS, nullIfEmpty(b.DefaultFrom), nullIfEmpty(b.APIKey), nullIfEmpty(b.APIUsername),
		nullIfEmpty(b.APIFromEmail), nullIfEmpty(b.APIFromName), b.Main, b.IsActive)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM backend_domains WHERE backend_id=$1`, b.ID); err != nil {
		return err
	}
	for _, d := range b.PreferredDomains {
		if _, err := tx.Exec(ctx, `INSERT INTO backend_domains (backend_id, domain) VALUES ($1,$2)`, b.ID, d); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM backend_sites WHERE backend_id=$1`, b.ID); err != nil {
		return err
	}
	for _, siteID := range b.Sites {
		if _, err := tx.Exec(ctx, `INSERT INTO backend_sites (backend_id, site_id) VALUES ($1,$2)`, b.ID, siteID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertBounces(ctx context.Context, entries []domain.SuppressionEntry) error {
	for _, e := range entries {
		_, err := s.DB.Exec(ctx, `
			INSERT INTO bounces (email, event, category, reason, event_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, e.Email, e.Event, nullIfEmpty(e.Category), nullIfEmpty(e.Reason), e.EventAt, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertUnsubscribe(ctx context.Context, email, campaign string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO unsubscribers (email, campaign, created_at) VALUES ($1,$2,$3)
	`, email, campaign, now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
