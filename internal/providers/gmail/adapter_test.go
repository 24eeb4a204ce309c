package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

func b64url(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestMapErr(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		unauth    bool
		transient bool
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, true, false},
		{"forbidden", &googleapi.Error{Code: 403}, true, false},
		{"rate limited", &googleapi.Error{Code: 429}, false, true},
		{"server error", &googleapi.Error{Code: 503}, false, true},
		{"bad request stays fatal", &googleapi.Error{Code: 400}, false, false},
		{"network failure", errors.New("connection reset"), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapErr(tc.err)
			if errors.Is(got, sync.ErrUnauthorized) != tc.unauth {
				t.Errorf("unauthorized = %v, want %v (err: %v)", !tc.unauth, tc.unauth, got)
			}
			if sync.IsTransient(got) != tc.transient {
				t.Errorf("transient = %v, want %v (err: %v)", !tc.transient, tc.transient, got)
			}
		})
	}

	if mapErr(nil) != nil {
		t.Error("mapErr(nil) must be nil")
	}
}

func TestMapHistoryErr(t *testing.T) {
	err := mapHistoryErr(&googleapi.Error{Code: 404})
	if !errors.Is(err, sync.ErrInvalidCursor) {
		t.Errorf("history 404 must map to invalid cursor, got %v", err)
	}

	err = mapHistoryErr(&googleapi.Error{Code: 500})
	if !sync.IsTransient(err) {
		t.Errorf("history 500 must stay transient, got %v", err)
	}
}

func TestListHistorySinceRejectsBadCursor(t *testing.T) {
	a := New(nil, "projects/p/topics/t")
	_, err := a.ListHistorySince(context.Background(), &sync.Account{ID: "acct-1"}, "not-a-number")
	if !errors.Is(err, sync.ErrInvalidCursor) {
		t.Errorf("expected invalid cursor, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	m := &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		Snippet:      "short preview",
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "subject", Value: "Hello"},
				{Name: "FROM", Value: "Alice <alice@example.com>"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: b64url("plain body")},
				},
			},
		},
	}

	got := normalize("acct-1", m)
	if got.ProviderMessageID != "m1" || got.ThreadID != "t1" {
		t.Errorf("ids not carried: %+v", got)
	}
	if got.Subject != "Hello" {
		t.Errorf("header lookup must be case-insensitive, got subject %q", got.Subject)
	}
	if got.Sender != "Alice <alice@example.com>" {
		t.Errorf("sender = %q", got.Sender)
	}
	if got.Body != "plain body" {
		t.Errorf("body = %q", got.Body)
	}
	if !got.ReceivedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("received at = %v", got.ReceivedAt)
	}
	if got.Status != sync.StatusInbox {
		t.Errorf("status = %q", got.Status)
	}
}

func TestExtractBody(t *testing.T) {
	cases := []struct {
		name string
		part *gmail.MessagePart
		want string
	}{
		{"nil payload", nil, ""},
		{
			"direct body",
			&gmail.MessagePart{Body: &gmail.MessagePartBody{Data: b64url("direct")}},
			"direct",
		},
		{
			"html part preferred over unknown",
			&gmail.MessagePart{Parts: []*gmail.MessagePart{
				{MimeType: "application/pdf", Body: &gmail.MessagePartBody{Data: b64url("attachment")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64url("<p>html</p>")}},
			}},
			"<p>html</p>",
		},
		{
			"nested multipart",
			&gmail.MessagePart{Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64url("nested")}},
					},
				},
			}},
			"nested",
		},
		{
			"no text anywhere",
			&gmail.MessagePart{Parts: []*gmail.MessagePart{
				{MimeType: "application/pdf"},
			}},
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractBody(tc.part); got != tc.want {
				t.Errorf("extractBody = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeBase64URL(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("hi"))
	unpadded := base64.RawURLEncoding.EncodeToString([]byte("hi"))
	if got := decodeBase64URL(padded); got != "hi" {
		t.Errorf("padded decode = %q", got)
	}
	if got := decodeBase64URL(unpadded); got != "hi" {
		t.Errorf("unpadded decode = %q", got)
	}
	if got := decodeBase64URL("!!!"); got != "" {
		t.Errorf("garbage decode = %q", got)
	}
}

func TestHasLabel(t *testing.T) {
	if !hasLabel([]string{"INBOX", "DRAFT"}, "DRAFT") {
		t.Error("expected DRAFT found")
	}
	if hasLabel([]string{"INBOX"}, "DRAFT") {
		t.Error("expected DRAFT absent")
	}
	if hasLabel(nil, "DRAFT") {
		t.Error("expected no label in nil list")
	}
}
