package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	stdsync "sync"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

type fakeWriter struct {
	mu     stdsync.Mutex
	calls  int
	labels []string
	err    error
}

func (w *fakeWriter) AttachLabels(_ context.Context, _, _ string, labels []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.labels = labels
	return w.err
}

func (w *fakeWriter) snapshot() (int, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, w.labels
}

func testMsg() sync.Message {
	return sync.Message{
		AccountID:         "acct-1",
		ProviderMessageID: "m1",
		Subject:           "Your invoice is ready",
		Sender:            "billing@example.com",
		Snippet:           "Invoice #42 for March",
	}
}

func apiServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseLabels(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"bare array", `["billing","notification"]`, []string{"billing", "notification"}},
		{"array with chatter", "Sure! Here are the labels:\n[\"job\"]\nHope that helps.", []string{"job"}},
		{"empty array", `[]`, nil},
		{"no array", "I could not classify this email.", nil},
		{"not strings", `[1,2,3]`, nil},
		{"unterminated", `["billing"`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseLabels(tc.text)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseLabels(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	srv := apiServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"[\"billing\",\"notification\"]"}]}`)

	d := New("test-key", &fakeWriter{}, "")
	d.apiURL = srv.URL

	labels := d.Classify(context.Background(), testMsg())
	if !reflect.DeepEqual(labels, []string{"billing", "notification"}) {
		t.Errorf("Classify = %v", labels)
	}
}

func TestClassifyTruncatesLabels(t *testing.T) {
	srv := apiServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"[\"a\",\"b\",\"c\",\"d\",\"e\",\"f\",\"g\"]"}]}`)

	d := New("test-key", &fakeWriter{}, "")
	d.apiURL = srv.URL

	labels := d.Classify(context.Background(), testMsg())
	if len(labels) != d.maxLabels {
		t.Errorf("expected %d labels, got %d", d.maxLabels, len(labels))
	}
}

// Classification is best effort: API failures and junk output yield an
// empty label set, never an error.
func TestClassifyFailuresAreSwallowed(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"type":"error"}`},
		{"rate limited", http.StatusTooManyRequests, ``},
		{"junk body", http.StatusOK, `not even json`},
		{"no text blocks", http.StatusOK, `{"content":[]}`},
		{"no array in text", http.StatusOK, `{"content":[{"type":"text","text":"no labels here"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := apiServer(t, tc.status, tc.body)
			d := New("test-key", &fakeWriter{}, "")
			d.apiURL = srv.URL

			if labels := d.Classify(context.Background(), testMsg()); labels != nil {
				t.Errorf("expected nil labels, got %v", labels)
			}
		})
	}
}

func TestRunAttachesLabels(t *testing.T) {
	srv := apiServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"[\"job\"]"}]}`)

	writer := &fakeWriter{}
	d := New("test-key", writer, "")
	d.apiURL = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(testMsg())

	deadline := time.After(2 * time.Second)
	for {
		calls, labels := writer.snapshot()
		if calls > 0 {
			if !reflect.DeepEqual(labels, []string{"job"}) {
				t.Errorf("attached labels = %v", labels)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("labels never attached")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	d := New("test-key", &fakeWriter{}, "")
	d.queue = make(chan sync.Message, 1)

	// No consumer running; the second enqueue must not block.
	d.Enqueue(testMsg())
	finished := make(chan struct{})
	go func() {
		d.Enqueue(testMsg())
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestWriterFailureIsSwallowed(t *testing.T) {
	srv := apiServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"[\"social\"]"}]}`)

	writer := &fakeWriter{err: errors.New("db closed")}
	d := New("test-key", writer, "")
	d.apiURL = srv.URL

	// process must not panic or propagate the writer error.
	d.process(context.Background(), testMsg())
	if calls, _ := writer.snapshot(); calls != 1 {
		t.Errorf("expected one attach attempt, got %d", calls)
	}
}
