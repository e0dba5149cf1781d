package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/domspy/internal/store"
)

func testEvent() change.Event {
	return change.NewSequencer("docs", "https://docs.example").Next("intro", 1)
}

func TestStdout_Envelope(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	if err := s.Send(context.Background(), testEvent()); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Type string       `json:"type"`
		Data change.Event `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if got.Type != "active" || got.Data.ActiveID != "intro" || got.Data.PageID != "docs" {
		t.Errorf("envelope: got %+v", got)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Error("missing trailing newline")
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: %q", r.Header.Get("Content-Type"))
		}
		io.Copy(io.Discard, r.Body)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond),
		WithWebhookLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err := w.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls: got %d, want 3", n)
	}
	if n := strings.Count(logs.String(), "webhook: delivery failed"); n != 2 {
		t.Errorf("logged failures: got %d, want 2\n%s", n, logs.String())
	}
	if NewWebhook(srv.URL, WithWebhookLogger(nil)).logger == nil {
		t.Error("nil logger replaced the default")
	}
}

func TestWebhook_Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRetries(1), WithWebhookBackoff(time.Millisecond))
	if err := w.Send(context.Background(), testEvent()); err == nil {
		t.Fatal("Send: want error after retries")
	}
}

func TestWebhook_RejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	ev := testEvent()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get(HeaderEventID); got != ev.ID {
			t.Errorf("event header: got %q, want %q", got, ev.ID)
		}
		if got := r.Header.Get(HeaderPageID); got != "docs" {
			t.Errorf("page header: got %q", got)
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond))
	if err := w.Send(context.Background(), ev); !errors.Is(err, ErrRejected) {
		t.Fatalf("Send: got %v, want ErrRejected", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls: got %d, want 1", n)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"-4", 0},
		{"3600", maxRetryAfter},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in); got != tt.want {
			t.Errorf("retryAfter(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedis_PublishesOnPageChannel(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRedisPublisher(pub, "")
	if err := r.Send(context.Background(), testEvent()); err != nil {
		t.Fatal(err)
	}
	if pub.channel != "domspy.active.docs" {
		t.Errorf("channel: got %q", pub.channel)
	}
	if !bytes.Contains(pub.message, []byte(`"active_id":"intro"`)) {
		t.Errorf("message: %s", pub.message)
	}

	pub.err = errors.New("connection refused")
	if err := r.Send(context.Background(), testEvent()); !errors.Is(err, pub.err) {
		t.Errorf("publish error: got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHistory_Appends(t *testing.T) {
	st := store.OpenMemory(t)
	h := NewHistory(st)
	ctx := context.Background()

	ev := testEvent()
	if err := h.Send(ctx, ev); err != nil {
		t.Fatal(err)
	}
	got, err := st.ListChanges(ctx, "docs", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != ev.ID {
		t.Errorf("history: got %+v", got)
	}
}

type failSink struct {
	err    error
	closed bool
}

func (f *failSink) Send(context.Context, change.Event) error { return f.err }
func (f *failSink) Close() error                             { f.closed = true; return f.err }

func TestRouter_FanOut(t *testing.T) {
	var delivered []string
	ok := NewCallback(func(_ context.Context, ev change.Event) error {
		delivered = append(delivered, ev.ActiveID)
		return nil
	})
	first := &failSink{err: errors.New("first")}
	second := &failSink{err: errors.New("second")}

	r := NewRouter(nil, first, ok, second)
	err := r.Send(context.Background(), testEvent())
	if !errors.Is(err, first.err) {
		t.Errorf("Send: got %v, want first error", err)
	}
	if len(delivered) != 1 {
		t.Errorf("healthy sink skipped: %v", delivered)
	}

	if err := r.Close(); !errors.Is(err, first.err) {
		t.Errorf("Close: got %v", err)
	}
	if !first.closed || !second.closed {
		t.Error("not every sink closed")
	}
	if r.Len() != 3 {
		t.Errorf("Len: got %d", r.Len())
	}
	if f := r.Failures(); f[0] != 1 || f[1] != 0 || f[2] != 1 {
		t.Errorf("Failures: got %v", f)
	}
}
