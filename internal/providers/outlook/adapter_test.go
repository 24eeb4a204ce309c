package outlook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

func TestListHistorySinceRejectsBadCursor(t *testing.T) {
	a := New(nil, "https://example.com/notify")
	_, err := a.ListHistorySince(context.Background(), &sync.Account{ID: "acct-1"}, "12345")
	if !errors.Is(err, sync.ErrInvalidCursor) {
		t.Errorf("expected invalid cursor for non-timestamp, got %v", err)
	}
}

func graphErr(status int) error {
	err := odataerrors.NewODataError()
	err.ResponseStatusCode = status
	return err
}

func TestMapErr(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		unauth    bool
		invalid   bool
		transient bool
	}{
		{"unauthorized", graphErr(401), true, false, false},
		{"forbidden", graphErr(403), true, false, false},
		{"subscription gone", graphErr(404), false, true, false},
		{"resource gone", graphErr(410), false, true, false},
		{"throttled", graphErr(429), false, false, true},
		{"server error", graphErr(503), false, false, true},
		{"bad request stays fatal", graphErr(400), false, false, false},
		{"network failure", errors.New("connection reset"), false, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapErr(tc.err)
			if errors.Is(got, sync.ErrUnauthorized) != tc.unauth {
				t.Errorf("unauthorized mismatch: %v", got)
			}
			if errors.Is(got, sync.ErrInvalidCursor) != tc.invalid {
				t.Errorf("invalid cursor mismatch: %v", got)
			}
			if sync.IsTransient(got) != tc.transient {
				t.Errorf("transient mismatch: %v", got)
			}
		})
	}

	if mapErr(nil) != nil {
		t.Error("mapErr(nil) must be nil")
	}
}

func TestNormalize(t *testing.T) {
	id := "m1"
	convID := "c1"
	subject := "Meeting tomorrow"
	addr := "bob@example.com"
	preview := "Quick preview"
	content := "<p>full body</p>"
	rcvd := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m := models.NewMessage()
	m.SetId(&id)
	m.SetConversationId(&convID)
	m.SetSubject(&subject)
	m.SetBodyPreview(&preview)

	email := models.NewEmailAddress()
	email.SetAddress(&addr)
	sender := models.NewRecipient()
	sender.SetEmailAddress(email)
	m.SetFrom(sender)

	body := models.NewItemBody()
	body.SetContent(&content)
	m.SetBody(body)
	m.SetReceivedDateTime(&rcvd)

	got := normalize("acct-1", m)
	if got.ProviderMessageID != "m1" || got.ThreadID != "c1" {
		t.Errorf("ids not carried: %+v", got)
	}
	if got.Subject != subject || got.Sender != addr {
		t.Errorf("subject/sender mismatch: %+v", got)
	}
	if got.Snippet != preview || got.Body != content {
		t.Errorf("snippet/body mismatch: %+v", got)
	}
	if !got.ReceivedAt.Equal(rcvd) {
		t.Errorf("received at = %v", got.ReceivedAt)
	}
	if got.Status != sync.StatusInbox {
		t.Errorf("status = %q", got.Status)
	}
}

func TestNormalizeEmptyMessage(t *testing.T) {
	got := normalize("acct-1", models.NewMessage())
	if got.AccountID != "acct-1" {
		t.Errorf("account id = %q", got.AccountID)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("expected fallback received time")
	}
}
