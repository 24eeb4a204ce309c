// Package classify attaches best-effort labels to newly synced messages.
// Classification never blocks or fails the sync path: any transport or
// parse failure just means no labels.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 256
	defaultMaxLabels = 5
	defaultQueueSize = 256
	requestTimeout   = 30 * time.Second
)

// vocabulary steers the model; membership is not enforced on the way back.
var vocabulary = []string{"notification", "response", "social", "job", "marketing", "billing"}

// LabelWriter persists labels onto an already-stored message.
type LabelWriter interface {
	AttachLabels(ctx context.Context, accountID, providerMessageID string, labels []string) error
}

// Dispatcher queues newly persisted messages and classifies them in the
// background, detached from the sync caller.
type Dispatcher struct {
	apiURL    string
	apiKey    string
	model     string
	maxLabels int
	client    *http.Client
	writer    LabelWriter
	queue     chan sync.Message
}

func New(apiKey string, writer LabelWriter, model string) *Dispatcher {
	if model == "" {
		model = defaultModel
	}
	return &Dispatcher{
		apiURL:    defaultAPIURL,
		apiKey:    apiKey,
		model:     model,
		maxLabels: defaultMaxLabels,
		client:    &http.Client{Timeout: requestTimeout},
		writer:    writer,
		queue:     make(chan sync.Message, defaultQueueSize),
	}
}

// Enqueue hands a message off for classification without blocking. A full
// queue drops the message; sync correctness does not depend on labels.
func (d *Dispatcher) Enqueue(msg sync.Message) {
	select {
	case d.queue <- msg:
	default:
		slog.Warn("classification queue full, dropping message",
			"account_id", msg.AccountID,
			"message_id", msg.ProviderMessageID,
		)
	}
}

// Run consumes the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.process(ctx, msg)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg sync.Message) {
	labels := d.Classify(ctx, msg)
	if len(labels) == 0 {
		return
	}
	if err := d.writer.AttachLabels(ctx, msg.AccountID, msg.ProviderMessageID, labels); err != nil {
		slog.Warn("failed to store labels",
			"account_id", msg.AccountID,
			"message_id", msg.ProviderMessageID,
			"error", err,
		)
	}
}

// Classify asks the model for labels. Always returns a usable (possibly
// empty) list and never an error.
func (d *Dispatcher) Classify(ctx context.Context, msg sync.Message) []string {
	text, err := d.complete(ctx, buildPrompt(msg))
	if err != nil {
		slog.Warn("classifier call failed",
			"message_id", msg.ProviderMessageID,
			"error", err,
		)
		return nil
	}

	labels := ParseLabels(text)
	if len(labels) > d.maxLabels {
		labels = labels[:d.maxLabels]
	}
	return labels
}

func buildPrompt(msg sync.Message) string {
	var b strings.Builder
	b.WriteString("Classify this email into labels from the list: ")
	b.WriteString(strings.Join(vocabulary, ", "))
	b.WriteString(".\nRespond with a JSON array of label strings and nothing else.\n\n")
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Preview: %s\n", msg.Snippet)
	return b.String()
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (d *Dispatcher) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(apiRequest{
		Model:     d.model,
		MaxTokens: defaultMaxTokens,
		Messages:  []apiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("bad status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var parts []string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// ParseLabels pulls a JSON string array out of free-form model output,
// tolerating any amount of surrounding prose.
func ParseLabels(text string) []string {
	start := strings.Index(text, "[")
	if start < 0 {
		return nil
	}
	end := strings.Index(text[start:], "]")
	if end < 0 {
		return nil
	}

	var labels []string
	if err := json.Unmarshal([]byte(text[start:start+end+1]), &labels); err != nil {
		return nil
	}

	out := labels[:0]
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
