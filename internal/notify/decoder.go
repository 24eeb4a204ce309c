// Package notify decodes inbound mailbox-change notifications into one
// canonical event before any sync logic runs.
package notify

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed means the payload could not be decoded into a mailbox
// address and cursor hint. The transport is still acknowledged; the event
// is logged and discarded.
var ErrMalformed = errors.New("malformed notification payload")

// Event is one decoded change notification: which mailbox moved, and the
// provider's new opaque cursor position. Deliveries are at-least-once and
// may repeat or arrive out of order.
type Event struct {
	EmailAddress string
	CursorHint   string
}

// flat is the direct provider shape: {"emailAddress": ..., "historyId": ...}.
// The cursor arrives as either a JSON string or a number.
type flat struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// envelope is the Pub/Sub push wrapper carrying the flat shape base64'd
// inside message.data.
type envelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Decode parses raw into an Event, accepting both the flattened and the
// wrapped delivery formats.
func Decode(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message.Data != "" {
		inner, err := decodeBase64(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: bad envelope data: %v", ErrMalformed, err)
		}
		return decodeFlat(inner)
	}
	return decodeFlat(raw)
}

func decodeFlat(raw []byte) (*Event, error) {
	var f flat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hint := cursorHint(f.HistoryID)
	if f.EmailAddress == "" || hint == "" {
		return nil, fmt.Errorf("%w: missing emailAddress or historyId", ErrMalformed)
	}
	return &Event{
		EmailAddress: f.EmailAddress,
		CursorHint:   hint,
	}, nil
}

// cursorHint normalizes the historyId field, which providers send as
// either a bare number or a string.
func cursorHint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not;
// Pub/Sub publishers are not consistent about which they use.
func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(data); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}
