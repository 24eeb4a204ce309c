// Package outlook adapts Microsoft Graph mail to the sync gateway
// contract.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// Graph subscriptions for messages max out around three days.
const watchLifetime = 70 * time.Hour

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "bodyPreview", "body",
	"receivedDateTime", "isDraft",
}

// TokenSource supplies refreshed OAuth tokens for an account's
// credential reference.
type TokenSource interface {
	GetToken(ctx context.Context, credentialRef string, provider auth.Provider) (*auth.Token, error)
}

// Adapter implements sync.Gateway for Outlook. The cursor is the
// receivedDateTime high-water mark in RFC 3339 form; Graph filters are
// driven from it the way the delta API would be.
type Adapter struct {
	tokens    TokenSource
	notifyURL string
}

// New creates an Outlook adapter. notifyURL is where Graph delivers
// change notifications.
func New(tokens TokenSource, notifyURL string) *Adapter {
	return &Adapter{tokens: tokens, notifyURL: notifyURL}
}

func (a *Adapter) client(ctx context.Context, account *sync.Account) (*msgraphsdk.GraphServiceClient, error) {
	tok, err := a.tokens.GetToken(ctx, account.CredentialRef, auth.ProviderMicrosoft)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sync.ErrUnauthorized, err)
	}

	cred := &staticTokenCredential{token: tok.AccessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// ListHistorySince lists messages received after the cursor position.
func (a *Adapter) ListHistorySince(ctx context.Context, account *sync.Account, cursor string) (*sync.HistoryDelta, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable cursor %q", sync.ErrInvalidCursor, cursor)
	}

	client, err := a.client(ctx, account)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(100),
			Select:  messageSelect,
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
		},
	}

	result, err := client.Users().ByUserId(account.EmailAddress).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, mapErr(err)
	}

	delta := &sync.HistoryDelta{LatestCursor: cursor}
	latest := since
	for _, msg := range result.GetValue() {
		rec := sync.ChangeRecord{}
		if id := msg.GetId(); id != nil {
			rec.MessageID = *id
		}
		if draft := msg.GetIsDraft(); draft != nil {
			rec.Draft = *draft
		}
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
			rec.Cursor = rcvd.UTC().Format(time.RFC3339)
			if rcvd.After(latest) {
				latest = *rcvd
			}
		}
		delta.Records = append(delta.Records, rec)
	}
	delta.LatestCursor = latest.UTC().Format(time.RFC3339)
	return delta, nil
}

// ListAll enumerates the mailbox, ending at the newest message seen.
func (a *Adapter) ListAll(ctx context.Context, account *sync.Account) (*sync.HistoryDelta, error) {
	client, err := a.client(ctx, account)
	if err != nil {
		return nil, err
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    int32Ptr(100),
			Select: messageSelect,
		},
	}

	result, err := client.Users().ByUserId(account.EmailAddress).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, mapErr(err)
	}

	delta := &sync.HistoryDelta{}
	var latest time.Time
	for _, msg := range result.GetValue() {
		rec := sync.ChangeRecord{}
		if id := msg.GetId(); id != nil {
			rec.MessageID = *id
		}
		if draft := msg.GetIsDraft(); draft != nil {
			rec.Draft = *draft
		}
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil && rcvd.After(latest) {
			latest = *rcvd
		}
		delta.Records = append(delta.Records, rec)
	}
	if !latest.IsZero() {
		delta.LatestCursor = latest.UTC().Format(time.RFC3339)
	}
	return delta, nil
}

// GetMessage fetches and normalizes one full message.
func (a *Adapter) GetMessage(ctx context.Context, account *sync.Account, messageID string) (*sync.Message, error) {
	client, err := a.client(ctx, account)
	if err != nil {
		return nil, err
	}

	msg, err := client.Users().ByUserId(account.EmailAddress).Messages().ByMessageId(messageID).Get(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	return normalize(account.ID, msg), nil
}

// CreateWatch registers a Graph change subscription for new messages.
// Graph renews an existing subscription for the same resource in place.
func (a *Adapter) CreateWatch(ctx context.Context, account *sync.Account) (*sync.Watch, error) {
	client, err := a.client(ctx, account)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(watchLifetime)
	sub := models.NewSubscription()
	changeType := "created"
	resource := fmt.Sprintf("/users/%s/mailFolders('inbox')/messages", account.EmailAddress)
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&a.notifyURL)
	sub.SetResource(&resource)
	sub.SetExpirationDateTime(&expiry)

	created, err := client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	watch := &sync.Watch{
		Cursor: time.Now().UTC().Format(time.RFC3339),
		Expiry: expiry,
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		watch.Expiry = *exp
	}
	return watch, nil
}

// mapErr sorts Graph failures into the sync taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch code := odataErr.ResponseStatusCode; {
		case code == 401 || code == 403:
			return fmt.Errorf("%w: %v", sync.ErrUnauthorized, err)
		case code == 404 || code == 410:
			return fmt.Errorf("%w: %v", sync.ErrInvalidCursor, err)
		case code == 429 || code >= 500:
			return sync.Transient(err)
		default:
			return err
		}
	}
	return sync.Transient(err)
}

// normalize converts a Graph message into the persisted form.
func normalize(accountID string, m models.Messageable) *sync.Message {
	msg := &sync.Message{
		AccountID:  accountID,
		ReceivedAt: time.Now(),
		Status:     sync.StatusInbox,
	}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.Sender = *addr
			}
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			msg.Body = *content
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	return msg
}

// staticTokenCredential implements the Azure credential interface over an
// already-fetched access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
