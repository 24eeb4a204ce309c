package sync

import (
	"context"
	"time"
)

// ProviderName represents mail provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Account is one mailbox connection. LastCursor is the provider-defined,
// opaque position we have fully synced up to; it never moves backward and
// is only ever overwritten with a value the gateway itself returned.
type Account struct {
	ID            string
	UserID        string
	Provider      ProviderName
	EmailAddress  string
	CredentialRef string
	LastCursor    string
	WatchExpiry   *time.Time
}

// WatchActive reports whether the account has a non-expired watch.
func (a *Account) WatchActive(now time.Time) bool {
	return a.WatchExpiry != nil && a.WatchExpiry.After(now)
}

// Message is the normalized, persisted form of one provider message,
// unique per (AccountID, ProviderMessageID).
type Message struct {
	ID                string
	AccountID         string
	ProviderMessageID string
	ThreadID          string
	Subject           string
	Sender            string
	Snippet           string
	Body              string
	ReceivedAt        time.Time
	Labels            []string
	Status            string
}

// Message lifecycle statuses.
const (
	StatusInbox    = "inbox"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
	StatusPinned   = "pinned"
)

// ChangeRecord is one "message added" entry in a history delta. Cursor is
// the provider position immediately after this record, used as the
// advancement watermark when later records fail.
type ChangeRecord struct {
	MessageID string
	Cursor    string
	Draft     bool
}

// HistoryDelta is the ordered set of additions between a start cursor and
// the provider's current position.
type HistoryDelta struct {
	Records      []ChangeRecord
	LatestCursor string
}

// Watch is a provider-side change subscription bound to a cursor.
type Watch struct {
	Cursor string
	Expiry time.Time
}

// Gateway is the thin provider contract the engine drives. All methods
// resolve credentials through the external token collaborator; refresh is
// a side effect inside the gateway.
//
// ListHistorySince fails with ErrInvalidCursor when the provider has lost
// the cursor, with a TransientError for network/rate-limit failures, and
// with ErrUnauthorized when the credential is no longer accepted.
type Gateway interface {
	ListHistorySince(ctx context.Context, account *Account, cursor string) (*HistoryDelta, error)

	// ListAll enumerates the whole mailbox as one delta ending at the
	// provider's current position. Used by the full-resync recovery policy.
	ListAll(ctx context.Context, account *Account) (*HistoryDelta, error)

	GetMessage(ctx context.Context, account *Account, messageID string) (*Message, error)

	// CreateWatch is idempotent: calling it with a watch already active
	// simply renews it.
	CreateWatch(ctx context.Context, account *Account) (*Watch, error)
}

// CursorStore persists per-account watch state.
type CursorStore interface {
	Account(ctx context.Context, id string) (*Account, error)
	AccountByAddress(ctx context.Context, address string) (*Account, error)

	// SetCursor is a compare-and-set: it fails with ErrStaleWrite when the
	// stored cursor no longer matches expected.
	SetCursor(ctx context.Context, accountID, expected, next string) error

	SetWatch(ctx context.Context, accountID, cursor string, expiry time.Time) error
}

// MessageStore persists normalized messages idempotently.
type MessageStore interface {
	// Upsert stores msg keyed by (AccountID, ProviderMessageID) and reports
	// whether a new row was created (false on re-processing).
	Upsert(ctx context.Context, msg *Message) (created bool, err error)
}

// Classifier receives newly persisted messages, fire-and-forget.
type Classifier interface {
	Enqueue(msg Message)
}
