package stream

import (
	"errors"
	"sync"
	"testing"

	"candlebot/internal/model"
)

type recordingSink struct {
	mu  sync.Mutex
	got []model.Candle
	ch  chan model.Candle
	err error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan model.Candle, 64)}
}

func (s *recordingSink) Upsert(key model.SeriesKey, c model.Candle) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
	select {
	case s.ch <- c:
	default:
	}
	return nil
}

func (s *recordingSink) candles() []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Candle(nil), s.got...)
}

const klineFrame = `{"e":"kline","E":1700000060000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,` +
	`"s":"BTCUSDT","i":"1m","o":"100.5","c":"101.25","h":"102","l":"99.75","v":"12.5","n":42,"x":true}}`

func newTestManager(t *testing.T, sink model.CandleSink) *Manager {
	t.Helper()
	m, err := New(Config{URL: "ws://127.0.0.1:1/ws"}, sink)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHandle_KlineUpserted(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(t, sink)

	var closed []model.Candle
	m.OnClosedCandle = func(c model.Candle) { closed = append(closed, c) }

	m.handle([]byte(klineFrame))

	got := sink.candles()
	if len(got) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(got))
	}
	c := got[0]
	if c.Symbol != "btcusdt" || c.Timeframe != "1m" {
		t.Errorf("unexpected key %s/%s", c.Symbol, c.Timeframe)
	}
	if c.PeriodStart != 1700000000000 || c.PeriodEnd != 1700000059999 {
		t.Errorf("unexpected period %d..%d", c.PeriodStart, c.PeriodEnd)
	}
	if c.Open != 100.5 || c.Close != 101.25 || c.High != 102 || c.Low != 99.75 || c.Volume != 12.5 {
		t.Errorf("unexpected OHLCV %+v", c)
	}
	if c.TradeCount != 42 || !c.Closed {
		t.Errorf("unexpected trades/closed %+v", c)
	}
	if len(closed) != 1 {
		t.Errorf("expected closed-candle hook once, got %d", len(closed))
	}
}

func TestHandle_CombinedEnvelope(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(t, sink)

	m.handle([]byte(`{"stream":"btcusdt@kline_1m","data":` + klineFrame + `}`))
	if len(sink.candles()) != 1 {
		t.Fatal("expected envelope payload to be upserted")
	}
}

func TestHandle_MalformedCountsAndNotifies(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(t, sink)

	var reported []error
	m.OnParseError = func(err error, raw []byte) { reported = append(reported, err) }

	m.handle([]byte(`{"e":"kline","k":`))
	m.handle([]byte(`{"e":"kline","k":{"t":1,"T":2,"s":"X","i":"1m","o":"abc","c":"1","h":"1","l":"1","v":"1"}}`))

	if n := m.Stats().ParseErrors; n != 2 {
		t.Errorf("expected 2 parse errors, got %d", n)
	}
	if len(reported) != 2 || !errors.Is(reported[0], errInvalidJSON) {
		t.Errorf("unexpected reported errors %v", reported)
	}
	if len(sink.candles()) != 0 {
		t.Error("malformed frames must not reach the sink")
	}
}

func TestHandle_AcksAndUnknownEventsDropped(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(t, sink)
	var unknown []string
	m.OnUnknownEvent = func(ev string) { unknown = append(unknown, ev) }

	m.handle([]byte(`{"result":null,"id":1}`))
	m.handle([]byte(`{"e":"aggTrade","s":"BTCUSDT"}`))
	m.handle([]byte(`{"hello":"world"}`))

	if len(unknown) != 2 || unknown[0] != "aggTrade" || unknown[1] != "" {
		t.Errorf("expected two unknown events, got %q", unknown)
	}
	if len(sink.candles()) != 0 {
		t.Error("expected nothing upserted")
	}
	if n := m.Stats().ParseErrors; n != 0 {
		t.Errorf("acks and unknown events are not parse errors, got %d", n)
	}
}

func TestHandle_SinkErrorSkipsHook(t *testing.T) {
	sink := newRecordingSink()
	sink.err = errors.New("boom")
	m := newTestManager(t, sink)

	called := false
	m.OnClosedCandle = func(model.Candle) { called = true }
	m.handle([]byte(klineFrame))
	if called {
		t.Error("hook should not run when the upsert fails")
	}
}
