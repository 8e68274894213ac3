package domain

import "time"

// Well-known status texts written to delivery records. Suppression rows use
// the reason as their status; the fingerprint index is derived from these.
const (
	StatusQueued       = "queued"
	StatusDelivered    = "delivered"
	ReasonBounced      = "previously undeliverable"
	ReasonUnsubscribed = "recipient unsubscribed"
	ReasonRateLimited  = "sent too frequently"
	SuppressedSender   = "not sent"
)

type SendingMethod string

const (
	MethodSMTP             SendingMethod = "smtp"
	MethodTransactionalAPI SendingMethod = "unisender_api"
)

// Bounce event types that trigger suppression.
var BounceEvents = []string{"bounce", "dropped", "spamreport"}

// Alternative is an alternate body representation carried alongside the
// primary body (typically the HTML version of a plain-text message).
type Alternative struct {
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

// Attachment travels through the task payload. Content is the raw bytes;
// Encoded is filled in lazily when the attachment is materialized into a
// wire-ready base64 body. A non-empty Encoded marks it as already
// materialized, which keeps re-delivery attempts idempotent.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content,omitempty"`
	Encoded  string `json:"encoded,omitempty"`
}

func (a Attachment) Materialized() bool { return a.Encoded != "" }

// Message is the in-memory outbound message handed to the dispatcher. It is
// never persisted directly; delivery records carry the durable copy.
type Message struct {
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	ContentSubtype string        `json:"contentSubtype"`
	Sender         string        `json:"sender"`
	To             []string      `json:"to"`
	Alternatives   []Alternative `json:"alternatives,omitempty"`

	// Campaign scopes unsubscribe and rate-limit suppression.
	Campaign string `json:"campaign,omitempty"`
	// ListUnsubscribe marks the message as carrying an unsubscribe header,
	// which only makes sense for a single recipient.
	ListUnsubscribe bool `json:"listUnsubscribe,omitempty"`

	Attachments       []Attachment `json:"attachments,omitempty"`
	InlineAttachments []Attachment `json:"inlineAttachments,omitempty"`

	// BackendID routes every recipient to one explicit backend, skipping
	// resolution entirely.
	BackendID string `json:"backendId,omitempty"`
	// SiteID is the scoping context for backend resolution; zero means the
	// dispatcher default.
	SiteID int64 `json:"siteId,omitempty"`

	// Scheduling hints for the delivery task.
	DelaySeconds int64      `json:"delaySeconds,omitempty"`
	NotBefore    *time.Time `json:"notBefore,omitempty"`
}

func (m Message) Validate() error {
	if m.Subject == "" || len(m.To) == 0 {
		return ErrMissingFields
	}
	return nil
}

// DeliveryRecord is one durable audit row per (message, backend group) or per
// non-empty suppression tier.
type DeliveryRecord struct {
	ID                string    `json:"id"`
	ContentSubtype    string    `json:"contentSubtype"`
	Sender            string    `json:"sender"`
	Recipients        []string  `json:"recipients"`
	Body              string    `json:"body"`
	Subject           string    `json:"subject"`
	Campaign          string    `json:"campaign,omitempty"`
	Status            string    `json:"status"`
	StatusFingerprint string    `json:"statusFingerprint"`
	BackendID         string    `json:"backendId,omitempty"`
	RemoteID          string    `json:"remoteId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// BackendConfig identifies one configured delivery channel. Read-only to the
// dispatch pipeline; operators create and edit rows out of band.
type BackendConfig struct {
	ID            string        `json:"id"`
	SendingMethod SendingMethod `json:"sendingMethod"`

	// SMTP connection parameters.
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	UseSSL      bool   `json:"useSsl,omitempty"`
	UseTLS      bool   `json:"useTls,omitempty"`
	DefaultFrom string `json:"defaultFrom,omitempty"`

	// Transactional API parameters.
	APIKey       string `json:"apiKey,omitempty"`
	APIUsername  string `json:"apiUsername,omitempty"`
	APIFromEmail string `json:"apiFromEmail,omitempty"`
	APIFromName  string `json:"apiFromName,omitempty"`

	Main     bool `json:"main"`
	IsActive bool `json:"isActive"`

	PreferredDomains []string `json:"preferredDomains,omitempty"`
	Sites            []int64  `json:"sites,omitempty"`
}

// FromAddress is the sender address a group routed to this backend uses.
func (b BackendConfig) FromAddress() string {
	if b.SendingMethod == MethodTransactionalAPI {
		return b.APIFromEmail
	}
	return b.DefaultFrom
}

// Validate enforces the operator-side invariants: per-method required
// connection parameters, and that a main+active backend is unscoped (it is
// the global catch-all, so it must not be pinned to any site).
func (b BackendConfig) Validate() error {
	switch b.SendingMethod {
	case MethodSMTP:
		if b.Host == "" || b.Port == 0 || b.DefaultFrom == "" {
			return &ConfigurationError{Reason: "smtp backend requires host, port and default from address"}
		}
	case MethodTransactionalAPI:
		if b.APIKey == "" || b.APIUsername == "" || b.APIFromEmail == "" {
			return &ConfigurationError{Reason: "transactional api backend requires api key, username and from address"}
		}
	default:
		return &ConfigurationError{Reason: "unknown sending method: " + string(b.SendingMethod)}
	}
	if b.Main && b.IsActive && len(b.Sites) > 0 {
		return &ConfigurationError{Reason: "a main active backend must not be scoped to sites"}
	}
	return nil
}

// SuppressionEntry is one append-only bounce or unsubscribe row.
type SuppressionEntry struct {
	Email     string    `json:"email"`
	Event     string    `json:"event,omitempty"`    // bounce|dropped|spamreport
	Campaign  string    `json:"campaign,omitempty"` // unsubscribe scope
	Category  string    `json:"category,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	EventAt   time.Time `json:"eventAt"`
	CreatedAt time.Time `json:"createdAt"`
}
