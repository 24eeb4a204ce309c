// Package gmail adapts the Gmail API to the sync gateway contract.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

const gmailUser = "me"

// TokenSource supplies refreshed OAuth tokens for an account's
// credential reference.
type TokenSource interface {
	GetToken(ctx context.Context, credentialRef string, provider auth.Provider) (*auth.Token, error)
}

// Adapter implements sync.Gateway for Gmail.
type Adapter struct {
	tokens TokenSource
	config *oauth2.Config
	topic  string
	cb     *gobreaker.CircuitBreaker
}

// New creates a Gmail adapter. topic is the Pub/Sub topic watch
// notifications are delivered to.
func New(tokens TokenSource, topic string) *Adapter {
	settings := gobreaker.Settings{
		Name:    "gmail-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Adapter{
		tokens: tokens,
		config: &oauth2.Config{Scopes: []string{gmail.GmailReadonlyScope}},
		topic:  topic,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

// service builds a Gmail client for the account. Token refresh happens
// inside the oauth2 transport; acquiring the credential in the first
// place is the token service's job.
func (a *Adapter) service(ctx context.Context, account *sync.Account) (*gmail.Service, error) {
	tok, err := a.tokens.GetToken(ctx, account.CredentialRef, auth.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sync.ErrUnauthorized, err)
	}

	httpClient := a.config.Client(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListHistorySince diffs the mailbox from cursor to the provider's
// current position. A cursor Gmail has expired (history retention is
// bounded) surfaces as sync.ErrInvalidCursor.
func (a *Adapter) ListHistorySince(ctx context.Context, account *sync.Account, cursor string) (*sync.HistoryDelta, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable history id %q", sync.ErrInvalidCursor, cursor)
	}

	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	delta := &sync.HistoryDelta{}
	latest := startID

	err = a.execute(func() error {
		call := svc.Users.History.List(gmailUser).
			StartHistoryId(startID).
			HistoryTypes("messageAdded").
			MaxResults(100)

		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				for _, added := range h.MessagesAdded {
					if added.Message == nil {
						continue
					}
					delta.Records = append(delta.Records, sync.ChangeRecord{
						MessageID: added.Message.Id,
						Cursor:    strconv.FormatUint(h.Id, 10),
						Draft:     hasLabel(added.Message.LabelIds, "DRAFT"),
					})
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, mapHistoryErr(err)
	}

	delta.LatestCursor = strconv.FormatUint(latest, 10)
	return delta, nil
}

// ListAll enumerates the whole mailbox, ending at the profile's current
// history id. Used for the full-resync recovery policy.
func (a *Adapter) ListAll(ctx context.Context, account *sync.Account) (*sync.HistoryDelta, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	delta := &sync.HistoryDelta{}
	err = a.execute(func() error {
		call := svc.Users.Messages.List(gmailUser).IncludeSpamTrash(false).MaxResults(100)
		return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				delta.Records = append(delta.Records, sync.ChangeRecord{MessageID: m.Id})
			}
			return nil
		})
	})
	if err != nil {
		return nil, mapErr(err)
	}

	var profile *gmail.Profile
	err = a.execute(func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, mapErr(err)
	}

	delta.LatestCursor = strconv.FormatUint(profile.HistoryId, 10)
	return delta, nil
}

// GetMessage fetches and normalizes one full message.
func (a *Adapter) GetMessage(ctx context.Context, account *sync.Account, messageID string) (*sync.Message, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = a.execute(func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, mapErr(err)
	}

	return normalize(account.ID, msg), nil
}

// CreateWatch registers (or renews, Gmail treats them the same) the push
// subscription and returns the cursor it is bound to.
func (a *Adapter) CreateWatch(ctx context.Context, account *sync.Account) (*sync.Watch, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName:         a.topic,
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
	}

	var resp *gmail.WatchResponse
	err = a.execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch(gmailUser, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, mapErr(err)
	}

	return &sync.Watch{
		Cursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiry: time.UnixMilli(resp.Expiration),
	}, nil
}

// execute runs fn behind the circuit breaker. An open breaker reads as a
// transient failure so callers back off instead of hammering a sick API.
func (a *Adapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return sync.Transient(err)
	}
	return err
}

// mapHistoryErr is mapErr plus the history-specific 404, which Gmail uses
// to say the start history id has fallen out of retention.
func mapHistoryErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return fmt.Errorf("%w: %v", sync.ErrInvalidCursor, err)
	}
	return mapErr(err)
}

// mapErr sorts Gmail API failures into the sync taxonomy: auth failures
// are fatal, rate limits and server errors are transient, and so is
// anything that never got an HTTP status (network).
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if sync.IsTransient(err) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return fmt.Errorf("%w: %v", sync.ErrUnauthorized, err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return sync.Transient(err)
		default:
			return err
		}
	}
	return sync.Transient(err)
}

// normalize converts a full Gmail message into the persisted form.
func normalize(accountID string, m *gmail.Message) *sync.Message {
	received := time.UnixMilli(m.InternalDate)
	if m.InternalDate == 0 {
		received = time.Now()
	}

	return &sync.Message{
		AccountID:         accountID,
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Subject:           header(m.Payload, "Subject"),
		Sender:            header(m.Payload, "From"),
		Snippet:           m.Snippet,
		Body:              extractBody(m.Payload),
		ReceivedAt:        received,
		Status:            sync.StatusInbox,
	}
}

// header does a case-insensitive lookup in the payload headers.
func header(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody walks the payload tree for a decodable text part: the
// part's own data first, then the first html or plain child.
func extractBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, p := range part.Parts {
		if p.MimeType == "text/html" || p.MimeType == "text/plain" {
			if p.Body != nil && p.Body.Data != "" {
				return decodeBase64URL(p.Body.Data)
			}
		}
	}
	for _, p := range part.Parts {
		if body := extractBody(p); body != "" {
			return body
		}
	}
	return ""
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
