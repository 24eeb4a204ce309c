// Package store persists accounts and messages in a local SQLite
// database. Message upsert is idempotent per (account, provider message
// id) and cursor advancement is compare-and-set; those two properties are
// what keep concurrent syncs from double-counting or losing mail.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the mail database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// ---- accounts (cursor store) ----

// CreateAccount registers a new mailbox connection with no cursor and no
// watch.
func (s *Store) CreateAccount(ctx context.Context, account *sync.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, email_address, credential_ref, last_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
	`, account.ID, account.UserID, string(account.Provider), account.EmailAddress, account.CredentialRef, now, now)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Account loads one account by id, nil when absent.
func (s *Store) Account(ctx context.Context, id string) (*sync.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, provider, email_address, credential_ref, last_cursor, watch_expiry
		FROM accounts WHERE id = ?
	`, id))
}

// AccountByAddress resolves a mailbox address to its account, nil when
// the address is unknown.
func (s *Store) AccountByAddress(ctx context.Context, address string) (*sync.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, provider, email_address, credential_ref, last_cursor, watch_expiry
		FROM accounts WHERE email_address = ?
	`, address))
}

// Accounts lists every registered account.
func (s *Store) Accounts(ctx context.Context) ([]*sync.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, provider, email_address, credential_ref, last_cursor, watch_expiry
		FROM accounts ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*sync.Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*sync.Account, error) {
	var (
		account  sync.Account
		provider string
		expiry   sql.NullInt64
	)
	err := row.Scan(&account.ID, &account.UserID, &provider, &account.EmailAddress,
		&account.CredentialRef, &account.LastCursor, &expiry)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	account.Provider = sync.ProviderName(provider)
	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0)
		account.WatchExpiry = &t
	}
	return &account, nil
}

// SetCursor advances the account cursor with compare-and-set semantics:
// the write lands only if the stored cursor still equals expected,
// otherwise sync.ErrStaleWrite is returned and the caller's advancement
// is dropped.
func (s *Store) SetCursor(ctx context.Context, accountID, expected, next string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET last_cursor = ?, updated_at = ?
		WHERE id = ? AND last_cursor = ?
	`, next, time.Now().Unix(), accountID, expected)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("account %s not found", accountID)
			}
			return fmt.Errorf("failed to check account: %w", err)
		}
		return sync.ErrStaleWrite
	}
	return nil
}

// SetWatch records a (re)created watch. The cursor is adopted only when
// the account has none yet; a renewal must not move an established cursor.
func (s *Store) SetWatch(ctx context.Context, accountID, cursor string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET watch_expiry = ?,
		    last_cursor = CASE WHEN last_cursor = '' THEN ? ELSE last_cursor END,
		    updated_at = ?
		WHERE id = ?
	`, expiry.Unix(), cursor, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set watch: %w", err)
	}
	return nil
}

// ---- messages ----

// Upsert stores msg keyed by (account_id, provider_message_id). A new row
// also enqueues an email.received outbox event in the same transaction;
// re-processing an existing id refreshes the provider-owned fields and
// leaves status and labels alone.
func (s *Store) Upsert(ctx context.Context, msg *sync.Message) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = sync.StatusInbox
	}
	now := time.Now().Unix()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(id, account_id, provider_message_id, thread_id, subject, sender, snippet, body, received_at, labels_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?)
	`, msg.ID, msg.AccountID, msg.ProviderMessageID, msg.ThreadID, msg.Subject,
		msg.Sender, msg.Snippet, msg.Body, msg.ReceivedAt.Unix(), msg.Status, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	created := n > 0

	if created {
		if err := s.enqueueReceivedTx(ctx, tx, msg, now); err != nil {
			return false, err
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET thread_id = ?, subject = ?, sender = ?, snippet = ?, body = ?, received_at = ?, updated_at = ?
			WHERE account_id = ? AND provider_message_id = ?
		`, msg.ThreadID, msg.Subject, msg.Sender, msg.Snippet, msg.Body,
			msg.ReceivedAt.Unix(), now, msg.AccountID, msg.ProviderMessageID)
		if err != nil {
			return false, fmt.Errorf("failed to refresh message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (s *Store) enqueueReceivedTx(ctx context.Context, tx *sql.Tx, msg *sync.Message, now int64) error {
	event := map[string]any{
		"event_id":            uuid.NewString(),
		"ts":                  now,
		"account_id":          msg.AccountID,
		"provider_message_id": msg.ProviderMessageID,
		"thread_id":           msg.ThreadID,
		"subject":             msg.Subject,
		"sender":              msg.Sender,
		"snippet":             msg.Snippet,
		"received_at":         msg.ReceivedAt.Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("mail.%s.email.received", msg.AccountID)
	msgID := fmt.Sprintf("email.received|%s|%s", msg.AccountID, msg.ProviderMessageID)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, 'email.received', ?, ?, ?)
	`, now, subject, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// Message loads one message by row id, nil when absent.
func (s *Store) Message(ctx context.Context, id string) (*sync.Message, error) {
	return s.scanMessage(s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, provider_message_id, thread_id, subject, sender, snippet, body, received_at, labels_json, status
		FROM messages WHERE id = ?
	`, id))
}

// Messages lists messages for an account with the given status, newest
// first.
func (s *Store) Messages(ctx context.Context, accountID, status string) ([]*sync.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, provider_message_id, thread_id, subject, sender, snippet, body, received_at, labels_json, status
		FROM messages
		WHERE account_id = ? AND status = ?
		ORDER BY received_at DESC
	`, accountID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*sync.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) scanMessage(row rowScanner) (*sync.Message, error) {
	var (
		msg        sync.Message
		receivedAt int64
		labelsJSON string
	)
	err := row.Scan(&msg.ID, &msg.AccountID, &msg.ProviderMessageID, &msg.ThreadID,
		&msg.Subject, &msg.Sender, &msg.Snippet, &msg.Body, &receivedAt, &labelsJSON, &msg.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.ReceivedAt = time.Unix(receivedAt, 0)
	if err := json.Unmarshal([]byte(labelsJSON), &msg.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return &msg, nil
}

// SetStatus updates a message's lifecycle status. Returns false when the
// message does not exist.
func (s *Store) SetStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// AttachLabels stores classification labels on a message. An empty list
// is a no-op so a failed classification never erases earlier labels.
func (s *Store) AttachLabels(ctx context.Context, accountID, providerMessageID string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE messages SET labels_json = ?, updated_at = ?
		WHERE account_id = ? AND provider_message_id = ?
	`, string(labelsJSON), time.Now().Unix(), accountID, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to attach labels: %w", err)
	}
	return nil
}

// ---- outbox ----

// DequeueOutbox fetches unpublished events that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []sync.OutboxMessage
	for rows.Next() {
		var msg sync.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
