package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OutboxMessage is one pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Outbox is the store side of the transactional outbox: rows written in
// the same transaction as a message upsert, drained here.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher publishes events with at-least-once semantics and
// message-id deduplication downstream.
type EventPublisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// Manager owns per-account maintenance: watch renewal before expiry,
// periodic reconciliation syncs, and draining the event outbox. It also
// serializes notification handling per account — a throughput
// optimization to avoid redundant concurrent history fetches, never a
// correctness requirement.
type Manager struct {
	engine    *Engine
	accounts  CursorStore
	outbox    Outbox
	publisher EventPublisher

	SyncInterval  time.Duration
	RenewLead     time.Duration
	OutboxBatch   int
	OutboxBackoff time.Duration

	mu      sync.Mutex
	loops   map[string]context.CancelFunc
	perAcct map[string]*sync.Mutex
}

func NewManager(engine *Engine, accounts CursorStore, outbox Outbox, publisher EventPublisher) *Manager {
	return &Manager{
		engine:        engine,
		accounts:      accounts,
		outbox:        outbox,
		publisher:     publisher,
		SyncInterval:  5 * time.Minute,
		RenewLead:     12 * time.Hour,
		OutboxBatch:   100,
		OutboxBackoff: 10 * time.Second,
		loops:         make(map[string]context.CancelFunc),
		perAcct:       make(map[string]*sync.Mutex),
	}
}

// HandleNotification runs the engine for one decoded notification,
// serialized per account.
func (m *Manager) HandleNotification(ctx context.Context, mailboxAddress, cursorHint string) error {
	lock := m.accountLock(mailboxAddress)
	lock.Lock()
	defer lock.Unlock()
	return m.engine.ProcessNotification(ctx, mailboxAddress, cursorHint)
}

func (m *Manager) accountLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.perAcct[key]
	if !ok {
		lock = &sync.Mutex{}
		m.perAcct[key] = lock
	}
	return lock
}

// StartAccount spawns the maintenance loop for one account: establish the
// watch now, renew it ahead of expiry, and reconcile on a timer so missed
// notifications self-heal.
func (m *Manager) StartAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	if _, exists := m.loops[accountID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("maintenance already running for %s", accountID)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loops[accountID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.loops, accountID)
			m.mu.Unlock()
		}()
		m.runAccount(loopCtx, accountID)
	}()
	return nil
}

// StopAccount cancels an account's maintenance loop.
func (m *Manager) StopAccount(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, exists := m.loops[accountID]
	if !exists {
		return fmt.Errorf("no maintenance running for %s", accountID)
	}
	cancel()
	delete(m.loops, accountID)
	return nil
}

// StopAll cancels every maintenance loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.loops {
		slog.Info("stopping maintenance", "account_id", id)
		cancel()
	}
	m.loops = make(map[string]context.CancelFunc)
}

// Running reports whether maintenance is active for accountID.
func (m *Manager) Running(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.loops[accountID]
	return exists
}

func (m *Manager) runAccount(ctx context.Context, accountID string) {
	slog.Info("maintenance start", "account_id", accountID)
	defer slog.Info("maintenance stop", "account_id", accountID)

	if err := m.engine.EstablishWatch(ctx, accountID); err != nil {
		slog.Error("initial watch failed", "account_id", accountID, "error", err)
	}

	ticker := time.NewTicker(m.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, accountID)
		}
	}
}

func (m *Manager) tick(ctx context.Context, accountID string) {
	account, err := m.accounts.Account(ctx, accountID)
	if err != nil || account == nil {
		slog.Error("maintenance account lookup failed", "account_id", accountID, "error", err)
		return
	}

	if !account.WatchActive(time.Now().Add(m.RenewLead)) {
		if err := m.engine.EstablishWatch(ctx, accountID); err != nil {
			slog.Error("watch renewal failed", "account_id", accountID, "error", err)
		}
	}

	lock := m.accountLock(account.EmailAddress)
	lock.Lock()
	err = m.engine.SyncNow(ctx, accountID)
	lock.Unlock()
	if err != nil {
		slog.Error("reconciliation sync failed", "account_id", accountID, "error", err)
	}
}

// RunOutbox drains the event outbox to the publisher until ctx is done.
func (m *Manager) RunOutbox(ctx context.Context) {
	if err := m.publisher.EnsureStream(ctx); err != nil {
		slog.Error("ensure stream failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := m.outbox.DequeueOutbox(ctx, m.OutboxBatch)
		if err != nil {
			slog.Error("outbox dequeue failed", "error", err)
			m.sleep(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			m.sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := m.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				slog.Error("outbox publish failed", "outbox_id", msg.ID, "error", err)
				_ = m.outbox.MarkOutboxRetry(ctx, msg.ID, m.OutboxBackoff)
				continue
			}
			if err := m.outbox.MarkPublished(ctx, msg.ID); err != nil {
				slog.Error("mark published failed", "outbox_id", msg.ID, "error", err)
			}
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
