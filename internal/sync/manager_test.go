package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeOutbox holds pending events in memory.
type fakeOutbox struct {
	mu      sync.Mutex
	pending []OutboxMessage
	retried map[int64]int
}

func newFakeOutbox(msgs ...OutboxMessage) *fakeOutbox {
	return &fakeOutbox{pending: msgs, retried: make(map[int64]int)}
}

func (o *fakeOutbox) DequeueOutbox(_ context.Context, limit int) ([]OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > limit {
		return append([]OutboxMessage(nil), o.pending[:limit]...), nil
	}
	return append([]OutboxMessage(nil), o.pending...), nil
}

func (o *fakeOutbox) MarkPublished(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, msg := range o.pending {
		if msg.ID == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (o *fakeOutbox) MarkOutboxRetry(_ context.Context, id int64, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried[id]++
	for i, msg := range o.pending {
		if msg.ID == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (o *fakeOutbox) remaining() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// fakePublisher records published events and can fail selected msg ids.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
	fail      map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{fail: make(map[string]bool)}
}

func (p *fakePublisher) EnsureStream(context.Context) error { return nil }

func (p *fakePublisher) Publish(subject string, _ []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[msgID] {
		return errors.New("publish failed")
	}
	p.published = append(p.published, msgID)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestManager(accounts *fakeCursorStore, gw *fakeGateway, outbox Outbox, pub EventPublisher) *Manager {
	engine := NewEngine(accounts, newFakeMessageStore(), map[ProviderName]Gateway{ProviderGoogle: gw}, nil)
	engine.retryBase = time.Millisecond
	return NewManager(engine, accounts, outbox, pub)
}

func TestHandleNotificationRoutesToEngine(t *testing.T) {
	accounts := newFakeCursorStore(testAccount())
	gw := newFakeGateway()
	gw.deltas["90"] = &HistoryDelta{
		Records:      []ChangeRecord{{MessageID: "m1", Cursor: "101"}},
		LatestCursor: "105",
	}
	m := newTestManager(accounts, gw, newFakeOutbox(), newFakePublisher())

	if err := m.HandleNotification(context.Background(), "a@x.com", "100"); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if got := accounts.cursor("acct-1"); got != "105" {
		t.Errorf("expected cursor 105, got %s", got)
	}
}

func TestStartStopAccount(t *testing.T) {
	accounts := newFakeCursorStore(testAccount())
	m := newTestManager(accounts, newFakeGateway(), newFakeOutbox(), newFakePublisher())
	m.SyncInterval = time.Hour // keep the loop idle during the test
	ctx := context.Background()

	if err := m.StartAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if !m.Running("acct-1") {
		t.Fatal("expected maintenance running")
	}
	if err := m.StartAccount(ctx, "acct-1"); err == nil {
		t.Error("expected duplicate start to fail")
	}

	if err := m.StopAccount("acct-1"); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	if m.Running("acct-1") {
		t.Error("expected maintenance stopped")
	}
	if err := m.StopAccount("acct-1"); err == nil {
		t.Error("expected stopping a stopped account to fail")
	}
}

func TestStopAll(t *testing.T) {
	accounts := newFakeCursorStore(
		testAccount(),
		&Account{ID: "acct-2", UserID: "user-1", Provider: ProviderGoogle, EmailAddress: "b@x.com"},
	)
	m := newTestManager(accounts, newFakeGateway(), newFakeOutbox(), newFakePublisher())
	m.SyncInterval = time.Hour
	ctx := context.Background()

	if err := m.StartAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if err := m.StartAccount(ctx, "acct-2"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	m.StopAll()
	if m.Running("acct-1") || m.Running("acct-2") {
		t.Error("expected all maintenance loops stopped")
	}
}

func TestRunOutboxDrains(t *testing.T) {
	outbox := newFakeOutbox(
		OutboxMessage{ID: 1, Subject: "mail.acct-1.email.received", Payload: []byte(`{}`), MsgID: "e1"},
		OutboxMessage{ID: 2, Subject: "mail.acct-1.email.received", Payload: []byte(`{}`), MsgID: "e2"},
	)
	pub := newFakePublisher()
	m := newTestManager(newFakeCursorStore(testAccount()), newFakeGateway(), outbox, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunOutbox(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for outbox.remaining() > 0 {
		select {
		case <-deadline:
			t.Fatal("outbox never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := pub.count(); got != 2 {
		t.Errorf("expected 2 published events, got %d", got)
	}
}

func TestRunOutboxRetriesFailedPublish(t *testing.T) {
	outbox := newFakeOutbox(
		OutboxMessage{ID: 1, Subject: "mail.acct-1.email.received", Payload: []byte(`{}`), MsgID: "e1"},
	)
	pub := newFakePublisher()
	pub.fail["e1"] = true
	m := newTestManager(newFakeCursorStore(testAccount()), newFakeGateway(), outbox, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunOutbox(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for outbox.remaining() > 0 {
		select {
		case <-deadline:
			t.Fatal("failed event never marked for retry")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	outbox.mu.Lock()
	retries := outbox.retried[1]
	outbox.mu.Unlock()
	if retries == 0 {
		t.Error("expected retry recorded for failed publish")
	}
	if pub.count() != 0 {
		t.Errorf("expected nothing published, got %d", pub.count())
	}
}
