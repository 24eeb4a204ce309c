package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// RecoveryPolicy selects how the engine recovers when the provider reports
// an invalid cursor.
type RecoveryPolicy string

const (
	// RecoveryBaseline adopts the notification's cursor hint as the new
	// baseline and gives up on the unrecoverable gap.
	RecoveryBaseline RecoveryPolicy = "baseline"

	// RecoveryResync re-lists the whole mailbox before resuming.
	RecoveryResync RecoveryPolicy = "resync"
)

const (
	defaultFetchConcurrency = 8
	defaultFetchAttempts    = 3
	defaultRetryBase        = 500 * time.Millisecond
)

// Engine converts cursor hints into a consistent, deduplicated message
// store. Correctness under concurrent invocations rests on the message
// store's idempotent upsert and the cursor store's compare-and-set; the
// engine itself holds no locks.
type Engine struct {
	accounts   CursorStore
	messages   MessageStore
	gateways   map[ProviderName]Gateway
	classifier Classifier

	Recovery         RecoveryPolicy
	FetchConcurrency int
	FetchAttempts    int

	retryBase time.Duration
}

func NewEngine(accounts CursorStore, messages MessageStore, gateways map[ProviderName]Gateway, classifier Classifier) *Engine {
	return &Engine{
		accounts:         accounts,
		messages:         messages,
		gateways:         gateways,
		classifier:       classifier,
		Recovery:         RecoveryBaseline,
		FetchConcurrency: defaultFetchConcurrency,
		FetchAttempts:    defaultFetchAttempts,
		retryBase:        defaultRetryBase,
	}
}

func (e *Engine) gateway(p ProviderName) (Gateway, error) {
	gw, ok := e.gateways[p]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for provider %s", p)
	}
	return gw, nil
}

// ProcessNotification handles one decoded change notification. Deliveries
// are at-least-once and unordered; processing the same hint twice, even
// concurrently, converges on the same message set and cursor.
func (e *Engine) ProcessNotification(ctx context.Context, mailboxAddress, cursorHint string) error {
	account, err := e.accounts.AccountByAddress(ctx, mailboxAddress)
	if err != nil {
		return fmt.Errorf("resolve account: %w", err)
	}
	if account == nil {
		// Unknown mailbox: discard, not an error.
		slog.Debug("notification for unknown mailbox", "mailbox", mailboxAddress)
		return nil
	}
	return e.syncAccount(ctx, account, cursorHint)
}

// SyncNow runs a sync for an account outside the notification path
// (manual trigger, periodic reconciliation). With no cursor on record it
// establishes a watch and adopts its cursor as the baseline.
func (e *Engine) SyncNow(ctx context.Context, accountID string) error {
	account, err := e.accounts.Account(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return fmt.Errorf("account %s not found", accountID)
	}
	if account.LastCursor == "" {
		return e.EstablishWatch(ctx, accountID)
	}
	return e.syncAccount(ctx, account, "")
}

// EstablishWatch creates or renews the provider-side subscription and
// records its expiry. Safe to call redundantly; the gateway renews an
// active watch in place.
func (e *Engine) EstablishWatch(ctx context.Context, accountID string) error {
	account, err := e.accounts.Account(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return fmt.Errorf("account %s not found", accountID)
	}

	gw, err := e.gateway(account.Provider)
	if err != nil {
		return err
	}

	watch, err := gw.CreateWatch(ctx, account)
	if err != nil {
		return fmt.Errorf("create watch: %w", err)
	}

	if err := e.accounts.SetWatch(ctx, account.ID, watch.Cursor, watch.Expiry); err != nil {
		return fmt.Errorf("store watch: %w", err)
	}

	slog.Info("watch established",
		"account_id", account.ID,
		"cursor", watch.Cursor,
		"expiry", watch.Expiry,
	)
	return nil
}

func (e *Engine) syncAccount(ctx context.Context, account *Account, cursorHint string) error {
	gw, err := e.gateway(account.Provider)
	if err != nil {
		return err
	}

	start := account.LastCursor
	if start == "" {
		// First notification for this account: the hint is the initial
		// baseline, there is no backlog to diff.
		if cursorHint == "" {
			return e.EstablishWatch(ctx, account.ID)
		}
		if err := e.accounts.SetCursor(ctx, account.ID, "", cursorHint); err != nil && !errors.Is(err, ErrStaleWrite) {
			return fmt.Errorf("set baseline cursor: %w", err)
		}
		return nil
	}

	delta, err := e.listWithRetry(ctx, gw, account, start)
	if errors.Is(err, ErrInvalidCursor) {
		return e.recoverStaleCursor(ctx, gw, account, start, cursorHint)
	}
	if err != nil {
		// Transient and fatal failures alike leave the cursor untouched.
		return fmt.Errorf("list history for %s: %w", account.ID, err)
	}

	return e.applyDelta(ctx, gw, account, start, delta)
}

// applyDelta fetches, persists, and classifies the delta's additions, then
// advances the cursor to the watermark covered by fully-successful records.
func (e *Engine) applyDelta(ctx context.Context, gw Gateway, account *Account, start string, delta *HistoryDelta) error {
	candidates := dedupeAdditions(delta.Records)
	if len(candidates) == 0 {
		return e.advanceCursor(ctx, account, start, delta.LatestCursor)
	}

	// Fetch and upsert candidates with bounded parallelism. A failure is
	// isolated to its message; the rest of the delta proceeds.
	type outcome struct {
		created bool
		msg     *Message
	}
	results := make(map[string]*outcome, len(candidates))
	failed := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.FetchConcurrency)

	type fetched struct {
		id  string
		out *outcome
		err error
	}
	done := make(chan fetched, len(candidates))

	for _, id := range candidates {
		id := id
		g.Go(func() error {
			msg, err := e.fetchWithRetry(gctx, gw, account, id)
			if err != nil {
				done <- fetched{id: id, err: err}
				return nil // isolate per-message failures
			}
			created, err := e.messages.Upsert(gctx, msg)
			if err != nil {
				done <- fetched{id: id, err: err}
				return nil
			}
			done <- fetched{id: id, out: &outcome{created: created, msg: msg}}
			return nil
		})
	}
	_ = g.Wait()
	close(done)

	for f := range done {
		if f.err != nil {
			failed[f.id] = true
			slog.Warn("message sync failed, will retry on next delta",
				"account_id", account.ID,
				"message_id", f.id,
				"error", f.err,
			)
			continue
		}
		results[f.id] = f.out
	}

	// Advance only up to the last record boundary where everything before
	// it succeeded, so failed fetches are re-covered by the next delta.
	target := watermark(delta, failed)
	if err := e.advanceCursor(ctx, account, start, target); err != nil {
		return err
	}

	if e.classifier != nil {
		for _, out := range results {
			if out.created {
				e.classifier.Enqueue(*out.msg)
			}
		}
	}
	return nil
}

// recoverStaleCursor applies the configured policy when the provider has
// forgotten our cursor. Baseline reset is bounded data loss: better to
// resume cleanly than to stall on a dead cursor forever.
func (e *Engine) recoverStaleCursor(ctx context.Context, gw Gateway, account *Account, start, cursorHint string) error {
	slog.Warn("stale cursor, recovering",
		"account_id", account.ID,
		"cursor", start,
		"policy", string(e.Recovery),
	)

	if e.Recovery == RecoveryResync {
		delta, err := gw.ListAll(ctx, account)
		if err != nil {
			return fmt.Errorf("full resync for %s: %w", account.ID, err)
		}
		return e.applyDelta(ctx, gw, account, start, delta)
	}

	next := cursorHint
	if next == "" {
		// Manual sync has no hint; a fresh watch yields the current position.
		watch, err := gw.CreateWatch(ctx, account)
		if err != nil {
			return fmt.Errorf("rebaseline via watch: %w", err)
		}
		if err := e.accounts.SetWatch(ctx, account.ID, watch.Cursor, watch.Expiry); err != nil {
			return fmt.Errorf("store watch: %w", err)
		}
		next = watch.Cursor
	}

	if err := e.accounts.SetCursor(ctx, account.ID, start, next); err != nil && !errors.Is(err, ErrStaleWrite) {
		return fmt.Errorf("set recovery baseline: %w", err)
	}
	return nil
}

func (e *Engine) advanceCursor(ctx context.Context, account *Account, expected, next string) error {
	if next == "" || next == expected {
		return nil
	}
	err := e.accounts.SetCursor(ctx, account.ID, expected, next)
	if errors.Is(err, ErrStaleWrite) {
		// A concurrent sync already advanced further; its result wins.
		slog.Debug("cursor advance dropped on conflict",
			"account_id", account.ID,
			"expected", expected,
			"next", next,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	slog.Info("cursor advanced",
		"account_id", account.ID,
		"from", expected,
		"to", next,
	)
	return nil
}

func (e *Engine) listWithRetry(ctx context.Context, gw Gateway, account *Account, cursor string) (*HistoryDelta, error) {
	var delta *HistoryDelta
	err := e.withRetry(ctx, func() error {
		var err error
		delta, err = gw.ListHistorySince(ctx, account, cursor)
		return err
	})
	return delta, err
}

func (e *Engine) fetchWithRetry(ctx context.Context, gw Gateway, account *Account, messageID string) (*Message, error) {
	var msg *Message
	err := e.withRetry(ctx, func() error {
		var err error
		msg, err = gw.GetMessage(ctx, account, messageID)
		return err
	})
	return msg, err
}

// withRetry retries fn with backoff for transient failures only, up to
// FetchAttempts tries. Everything else surfaces immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	attempts := e.FetchAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryBase << i):
		}
	}
	return err
}

// dedupeAdditions collapses duplicate ids within one delta and drops
// draft-only additions, preserving first-seen order.
func dedupeAdditions(records []ChangeRecord) []string {
	seen := make(map[string]bool, len(records))
	var ids []string
	for _, rec := range records {
		if rec.Draft || rec.MessageID == "" || seen[rec.MessageID] {
			continue
		}
		seen[rec.MessageID] = true
		ids = append(ids, rec.MessageID)
	}
	return ids
}

// watermark returns the furthest cursor covered entirely by successful
// records: the delta's latest cursor when nothing failed, otherwise the
// boundary of the last record before the first failure.
func watermark(delta *HistoryDelta, failed map[string]bool) string {
	if len(failed) == 0 {
		return delta.LatestCursor
	}
	last := ""
	for _, rec := range delta.Records {
		if failed[rec.MessageID] {
			return last
		}
		if rec.Cursor != "" {
			last = rec.Cursor
		}
	}
	return last
}
