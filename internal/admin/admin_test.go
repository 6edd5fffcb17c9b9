package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"candlebot/internal/marketdata/stream"
	"candlebot/internal/strategy"
)

const secret = "JBSWY3DPEHPK3PXP"

type fakeEngine struct {
	paused bool
	closed string
}

func (f *fakeEngine) Pause()  { f.paused = true }
func (f *fakeEngine) Resume() { f.paused = false }
func (f *fakeEngine) ForceClose(_ context.Context, reason string) error {
	f.closed = reason
	return nil
}
func (f *fakeEngine) Status() strategy.Snapshot {
	return strategy.Snapshot{InstanceID: "bot-1", State: strategy.StateFlat, Paused: f.paused}
}

type fakeStream struct{ reconnects int }

func (f *fakeStream) Reconnect(string) error { f.reconnects++; return nil }
func (f *fakeStream) Stats() stream.Stats     { return stream.Stats{Messages: 7} }
func (f *fakeStream) Subscriptions() ([]string, []string) {
	return []string{"btcusdt@kline_1m"}, nil
}

func setup(t *testing.T, sec string) (*http.ServeMux, *fakeEngine, *fakeStream, time.Time) {
	t.Helper()
	eng := &fakeEngine{}
	st := &fakeStream{}
	h := NewHandler(eng, st, sec)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, eng, st, now
}

func post(mux http.Handler, path, code string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if code != "" {
		req.Header.Set(OTPHeader, code)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_PauseRequiresValidCode(t *testing.T) {
	mux, eng, _, now := setup(t, secret)

	if rec := post(mux, "/admin/pause", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing code: expected 401, got %d", rec.Code)
	}
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	if rec := post(mux, "/admin/pause", wrong); rec.Code != http.StatusUnauthorized || eng.paused {
		t.Fatalf("wrong code accepted: %d", rec.Code)
	}
	if rec := post(mux, "/admin/pause", code); rec.Code != http.StatusOK {
		t.Fatalf("valid code: expected 200, got %d", rec.Code)
	}
	if !eng.paused {
		t.Error("expected engine paused")
	}

	if rec := post(mux, "/admin/resume", code); rec.Code != http.StatusUnauthorized {
		t.Errorf("reused code: expected 401, got %d", rec.Code)
	}
}

func TestAdmin_ReconnectAndClose(t *testing.T) {
	mux, eng, st, now := setup(t, secret)

	prev, _ := totp.GenerateCode(secret, now.Add(-30*time.Second))
	if rec := post(mux, "/admin/reconnect", prev); rec.Code != http.StatusOK {
		t.Fatalf("reconnect: expected 200 within skew, got %d", rec.Code)
	}
	if st.reconnects != 1 {
		t.Errorf("expected one reconnect, got %d", st.reconnects)
	}

	cur, _ := totp.GenerateCode(secret, now)
	if rec := post(mux, "/admin/close", cur); rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rec.Code)
	}
	if eng.closed != "ADMIN CLOSE" {
		t.Errorf("unexpected close reason %q", eng.closed)
	}
}

func TestAdmin_CodeWithinSkewIsSingleUse(t *testing.T) {
	eng := &fakeEngine{}
	h := NewHandler(eng, &fakeStream{}, secret)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	mux := http.NewServeMux()
	h.Register(mux)

	prev, _ := totp.GenerateCode(secret, now.Add(-30*time.Second))
	cur, _ := totp.GenerateCode(secret, now)
	if prev == cur {
		t.Skip("adjacent steps produced the same code")
	}
	if rec := post(mux, "/admin/pause", prev); rec.Code != http.StatusOK {
		t.Fatalf("previous step: expected 200, got %d", rec.Code)
	}
	if rec := post(mux, "/admin/resume", cur); rec.Code != http.StatusOK {
		t.Fatalf("current step: expected 200, got %d", rec.Code)
	}
	if rec := post(mux, "/admin/pause", prev); rec.Code != http.StatusUnauthorized {
		t.Errorf("previous code replayed after another was accepted: got %d", rec.Code)
	}

	// once both steps are out of the window the bookkeeping is dropped
	now = now.Add(5 * time.Minute)
	next, _ := totp.GenerateCode(secret, now)
	if rec := post(mux, "/admin/pause", next); rec.Code != http.StatusOK {
		t.Fatalf("fresh code: expected 200, got %d", rec.Code)
	}
	if len(h.used) != 1 {
		t.Errorf("expected expired codes pruned, %d remembered", len(h.used))
	}
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	mux, _, _, _ := setup(t, "")
	if rec := post(mux, "/admin/pause", "123456"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdmin_StatusIsOpenAndGetOnly(t *testing.T) {
	mux, _, _, _ := setup(t, secret)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Engine strategy.Snapshot `json:"engine"`
		Stream stream.Stats      `json:"stream"`
		Active []string          `json:"subscriptions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Engine.InstanceID != "bot-1" || body.Stream.Messages != 7 || len(body.Active) != 1 {
		t.Errorf("unexpected status %+v", body)
	}

	if rec := post(mux, "/admin/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST status, got %d", rec.Code)
	}
}
