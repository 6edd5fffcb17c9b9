package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"candlebot/internal/model"
)

var key = model.NewSeriesKey("BTCUSDT", "1m")

const klinesBody = `[
 [1700000000000,"100.0","101.0","99.0","100.5","10.0",1700000059999,"1000.0",12,"5","500","0"],
 [1700000060000,"100.5","102.0","100.0","101.5","11.0",1700000119999,"1100.0",15,"5","500","0"]
]`

func TestClient_Klines(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(klinesBody))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, RequestsPerSecond: 100})
	if err != nil {
		t.Fatal(err)
	}
	// The second row's period ends after "now".
	c.now = func() time.Time { return time.UnixMilli(1700000100000) }

	got, err := c.Klines(context.Background(), Query{Symbol: "btcusdt", Interval: "1m", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotQuery, "symbol=BTCUSDT") || !strings.Contains(gotQuery, "limit=2") ||
		!strings.Contains(gotQuery, "interval=1m") {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(got))
	}
	first := got[0]
	if first.PeriodStart != 1700000000000 || first.PeriodEnd != 1700000059999 || first.Close != 100.5 {
		t.Errorf("unexpected first candle %+v", first)
	}
	if first.TradeCount != 12 || !first.Closed {
		t.Errorf("expected closed candle with 12 trades, got %+v", first)
	}
	if got[1].Closed {
		t.Error("last candle should still be forming")
	}
}

func TestClient_KlinesLimitAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "500" {
			t.Errorf("expected default limit 500, got %q", r.URL.Query().Get("limit"))
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: srv.URL, RequestsPerSecond: 100})
	for _, bad := range []int{-1, 1001} {
		if _, err := c.Klines(context.Background(), Query{Symbol: "x", Interval: "1m", Limit: bad}); !errors.Is(err, ErrBadLimit) {
			t.Errorf("limit %d: expected ErrBadLimit, got %v", bad, err)
		}
	}
	_, err := c.Klines(context.Background(), Query{Symbol: "x", Interval: "1m"})
	if err == nil || !strings.Contains(err.Error(), "Invalid symbol.") {
		t.Errorf("expected exchange message in error, got %v", err)
	}
}

type staticFetcher []model.Candle

func (f staticFetcher) Klines(context.Context, Query) ([]model.Candle, error) { return f, nil }

type sliceSink struct{ got []model.Candle }

func (s *sliceSink) Upsert(_ model.SeriesKey, c model.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.got = append(s.got, c)
	return nil
}

func TestWarmup_SkipsInvalid(t *testing.T) {
	good := model.Candle{PeriodStart: 0, PeriodEnd: 59999, Open: 1, High: 2, Low: 1, Close: 2}
	bad := good
	bad.PeriodStart, bad.PeriodEnd = 60000, 60000
	sink := &sliceSink{}

	n, err := Warmup(context.Background(), staticFetcher{good, bad}, sink, key, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(sink.got) != 1 {
		t.Errorf("expected 1 applied candle, got n=%d sink=%d", n, len(sink.got))
	}
}

func TestReadCSV(t *testing.T) {
	in := "open_time,open,high,low,close,volume,close_time,qv\n" +
		"1700000000000,100,101,99,100.5,10,1700000059999,5\n" +
		"1700000060,100.5,102,100,101.5,11,1700000119\n" +
		"1700000120000000,101.5,103,101,102,12,1700000179999000\n"

	got, err := ReadCSV(strings.NewReader(in), key, UnitAuto)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	wantStarts := []int64{1700000000000, 1700000060000, 1700000120000}
	for i, c := range got {
		if c.PeriodStart != wantStarts[i] {
			t.Errorf("row %d: start %d, want %d", i, c.PeriodStart, wantStarts[i])
		}
		if !c.Closed || c.Symbol != "btcusdt" || c.Timeframe != "1m" {
			t.Errorf("row %d: unexpected candle %+v", i, c)
		}
	}
	if got[1].PeriodEnd != 1700000119000 {
		t.Errorf("seconds end not normalized: %d", got[1].PeriodEnd)
	}
}

func TestReadCSV_BadRow(t *testing.T) {
	in := "1700000000000,100,101,99,100.5,10,1700000059999\n1700000060000,abc,1,1,1,1,1700000119999\n"
	if _, err := ReadCSV(strings.NewReader(in), key, UnitAuto); err == nil {
		t.Error("expected error for non-numeric data row")
	}
}

func TestReadCSV_PinnedUnit(t *testing.T) {
	in := "0,100,101,99,100.5,10,59\n60,100.5,102,100,101.5,11,119\n"

	if _, err := ReadCSV(strings.NewReader(in), key, UnitAuto); !errors.Is(err, ErrAmbiguousTimestamp) {
		t.Fatalf("auto unit on small timestamps: expected ErrAmbiguousTimestamp, got %v", err)
	}
	got, err := ReadCSV(strings.NewReader(in), key, UnitSeconds)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].PeriodStart != 0 || got[0].PeriodEnd != 59000 || got[1].PeriodStart != 60000 {
		t.Errorf("unexpected bounds %+v", got)
	}
}

func TestParseTimeUnit(t *testing.T) {
	for in, want := range map[string]TimeUnit{"": UnitAuto, "auto": UnitAuto, "S": UnitSeconds, "ms": UnitMillis, "us": UnitMicros} {
		got, err := ParseTimeUnit(in)
		if err != nil || got != want {
			t.Errorf("%q: got %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTimeUnit("ns"); err == nil {
		t.Error("expected error for unsupported unit")
	}
	if ms, _ := UnitMicros.ToMillis(1700000000000000); ms != 1700000000000 {
		t.Errorf("micros: got %d", ms)
	}
}

func TestNormalizeMillis(t *testing.T) {
	cases := map[int64]int64{
		1700000000000:    1700000000000,
		1700000000:       1700000000000,
		1700000000000000: 1700000000000,
	}
	for in, want := range cases {
		got, err := NormalizeMillis(in)
		if err != nil || got != want {
			t.Errorf("%d: got %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []int64{0, 42, 5000000000000000000} {
		if _, err := NormalizeMillis(bad); !errors.Is(err, ErrAmbiguousTimestamp) {
			t.Errorf("%d: expected ErrAmbiguousTimestamp, got %v", bad, err)
		}
	}
}

func TestFormatTime(t *testing.T) {
	ms := time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC).UnixMilli()
	if got := FormatTime(ms); got != "05/03/24 14:07" {
		t.Errorf("got %q", got)
	}
}
