package store

import (
	"context"
	"time"

	"mailrelay/internal/domain"
)

// BackendQuery describes one resolution tier against active backends.
type BackendQuery struct {
	// SiteID > 0 restricts to backends scoped to that site.
	SiteID int64
	// Domain, when set, requires the backend to prefer this domain.
	Domain string
	// Unscoped requires the backend to have no site scoping at all.
	Unscoped bool
	// MainOnly restricts to the global fallback backend.
	MainOnly bool
}

type RecordStatusUpdate struct {
	ID       string
	Status   string
	RemoteID string
	Now      time.Time
}

// DispatchTx is the transactional view the dispatch pipeline runs against.
// Everything called through it happens in one database transaction; callbacks
// registered with OnCommit run only after that transaction commits.
type DispatchTx interface {
	BouncedRecipients(ctx context.Context, emails []string) ([]string, error)
	UnsubscribedRecipients(ctx context.Context, emails []string, campaign string) ([]string, error)
	RecentlyDeliveredRecipients(ctx context.Context, emails []string, campaign, fingerprint string, since time.Time) ([]string, error)

	FindBackend(ctx context.Context, q BackendQuery) (domain.BackendConfig, bool, error)
	GetBackend(ctx context.Context, id string) (domain.BackendConfig, bool, error)

	InsertDeliveryRecord(ctx context.Context, rec domain.DeliveryRecord) error

	OnCommit(fn func(ctx context.Context))
}

// TxRunner opens a dispatch transaction, runs fn inside it, and drains the
// on-commit callbacks only if the commit succeeds.
type TxRunner interface {
	WithinDispatchTx(ctx context.Context, fn func(ctx context.Context, tx DispatchTx) error) error
}

// WorkerStore is what a delivery task needs outside any transaction. Each
// record is owned by exactly one task lineage, so plain updates suffice.
type WorkerStore interface {
	GetDeliveryRecord(ctx context.Context, id string) (domain.DeliveryRecord, bool, error)
	GetBackend(ctx context.Context, id string) (domain.BackendConfig, bool, error)
	UpdateRecordStatus(ctx context.Context, in RecordStatusUpdate) error
}

// SuppressionWriter is the ingestion side: bounce webhooks and unsubscribe
// actions append rows; dispatch only ever reads them.
type SuppressionWriter interface {
	InsertBounces(ctx context.Context, entries []domain.SuppressionEntry) error
	InsertUnsubscribe(ctx context.Context, email, campaign string, now time.Time) error
}
