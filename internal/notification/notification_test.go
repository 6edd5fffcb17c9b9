package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
	block  chan struct{}
}

func (r *recorder) Send(ctx context.Context, a Alert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMulti_AttemptsAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	a := &recorder{err: errA}
	b := &recorder{}
	m := Multi{a, nil, b}

	err := m.Send(context.Background(), Text("t", "m"))
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error to wrap errA, got %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected both backends to receive the alert, got %d and %d", a.count(), b.count())
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	next := &recorder{}
	d := NewDispatcher(next, 1)
	dropped := 0
	d.OnDrop = func(Alert) { dropped++ }

	if err := d.Send(context.Background(), Text("1", "")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := d.Send(context.Background(), Text("2", "")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if dropped != 1 {
		t.Errorf("expected one drop, got %d", dropped)
	}
}

func TestDispatcher_DeliversAndFlushes(t *testing.T) {
	next := &recorder{err: errors.New("boom")}
	d := NewDispatcher(next, 8)
	var mu sync.Mutex
	failures := 0
	d.OnError = func(error) { mu.Lock(); failures++; mu.Unlock() }

	for i := 0; i < 3; i++ {
		d.Send(context.Background(), Text("x", ""))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for next.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if next.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", next.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if failures != 3 {
		t.Errorf("expected 3 failures reported, got %d", failures)
	}
}

func TestTelegram_HTMLPreformatted(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "42")
	tg.apiURL = srv.URL
	if err := tg.Send(context.Background(), Block("BUY", "price <100> & up")); err != nil {
		t.Fatal(err)
	}
	if got["parse_mode"] != "HTML" || got["chat_id"] != "42" {
		t.Errorf("unexpected payload %v", got)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "<pre>price &lt;100&gt; &amp; up</pre>") {
		t.Errorf("expected escaped pre block, got %q", text)
	}
}

func TestTelegram_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "42")
	tg.apiURL = srv.URL
	if err := tg.Send(context.Background(), Text("t", "m")); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestFormatHTML_Truncates(t *testing.T) {
	text := formatHTML(Text("long", strings.Repeat("a", 10000)))
	if len(text) > telegramMaxText {
		t.Errorf("expected at most %d bytes, got %d", telegramMaxText, len(text))
	}
}

func TestFormatHTML_TruncatesAfterEscaping(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  string
	}{
		{"ampersands", strings.Repeat("&", 5000)},
		{"tags", strings.Repeat("<b>", 2000)},
		{"mixed", strings.Repeat("a&b", 3000)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			text := formatHTML(Block("long", tc.msg))
			if len(text) > telegramMaxText {
				t.Errorf("expected at most %d bytes, got %d", telegramMaxText, len(text))
			}
			if !strings.HasSuffix(text, "</pre>") {
				t.Errorf("closing tag lost: %q", text[len(text)-20:])
			}
			body := strings.TrimSuffix(text, "</pre>")
			if amp := strings.LastIndexByte(body, '&'); amp >= 0 && !strings.Contains(body[amp:], ";") {
				t.Errorf("entity split at the cut: %q", body[amp:])
			}
		})
	}
}

func TestWebhook_Payload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, "bot-1").Send(context.Background(), Block("CLOSE", "P/L 1%")); err != nil {
		t.Fatal(err)
	}
	if got["title"] != "CLOSE" || got["preformatted"] != true || got["source"] != "bot-1" || got["level"] != "INFO" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestWebhook_RetriesServerErrorOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(srv.URL, "bot-1")
	wh.retryDelay = time.Millisecond
	if err := wh.Send(context.Background(), Text("hi", "there")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(srv.URL, "bot-1")
	wh.retryDelay = time.Millisecond
	if err := wh.Send(context.Background(), Text("hi", "there")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}
