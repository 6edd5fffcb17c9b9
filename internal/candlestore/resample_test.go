package candlestore

import (
	"testing"
	"time"

	"candlebot/internal/model"
)

func TestResampler_5mFrom1m(t *testing.T) {
	s := New(100)
	r, err := NewResampler(s, "1m", []string{"5m"})
	if err != nil {
		t.Fatal(err)
	}

	var closed []model.Candle
	r.OnDerived = func(c model.Candle) {
		if c.Closed {
			closed = append(closed, c)
		}
	}

	// Minutes 0..5: the first five fill bucket 0, minute 5 opens bucket 1.
	for i := int64(0); i < 6; i++ {
		c := makeCandle(i, float64(100+i))
		c.High = float64(110 + i)
		c.Low = float64(90 - i)
		c.TradeCount = 2
		if err := r.Upsert(testKey, c); err != nil {
			t.Fatal(err)
		}
	}

	dk := model.NewSeriesKey("x", "5m")
	e, err := s.Entry(dk)
	if err != nil {
		t.Fatal(err)
	}
	got := e.Candles()
	if len(got) != 2 {
		t.Fatalf("expected 2 derived candles, got %d", len(got))
	}

	b0 := got[0]
	if b0.PeriodStart != 0 || b0.PeriodEnd != 5*60000-1 {
		t.Errorf("unexpected bucket bounds %d..%d", b0.PeriodStart, b0.PeriodEnd)
	}
	if b0.Open != 100 || b0.Close != 104 || b0.High != 114 || b0.Low != 86 {
		t.Errorf("unexpected OHLC %+v", b0)
	}
	if b0.Volume != 50 || b0.TradeCount != 10 {
		t.Errorf("expected volume 50 trades 10, got %v %d", b0.Volume, b0.TradeCount)
	}
	if !b0.Closed {
		t.Error("expected first bucket closed")
	}
	if got[1].Closed {
		t.Error("second bucket should still be forming")
	}
	if len(closed) != 1 {
		t.Errorf("expected one closed notification, got %d", len(closed))
	}
}

func TestResampler_FormingUpdateIsIdempotent(t *testing.T) {
	s := New(100)
	r, _ := NewResampler(s, "1m", []string{"3m"})

	c := makeCandle(0, 100)
	c.Closed = false
	c.Volume = 5
	r.Upsert(testKey, c)

	// The exchange re-sends the same minute with cumulative volume.
	c.Volume = 8
	c.Close = 101
	c.High = 102
	r.Upsert(testKey, c)

	latest, ok, err := s.Latest(model.NewSeriesKey("x", "3m"))
	if err != nil || !ok {
		t.Fatalf("expected derived candle, err=%v", err)
	}
	if latest.Volume != 8 {
		t.Errorf("expected volume 8 (not 13), got %v", latest.Volume)
	}
	if latest.Close != 101 {
		t.Errorf("expected close 101, got %v", latest.Close)
	}
}

func TestResampler_RejectsNonMultiple(t *testing.T) {
	s := New(10)
	if _, err := NewResampler(s, "2m", []string{"3m"}); err == nil {
		t.Error("expected error for 3m from 2m")
	}
	if _, err := NewResampler(s, "5m", []string{"1m"}); err == nil {
		t.Error("expected error for finer target")
	}
	r, err := NewResampler(s, "1m", []string{"1h", "15m"})
	if err != nil {
		t.Fatal(err)
	}
	if r.MinBaseCapacity() != 60 {
		t.Errorf("expected min base capacity 60, got %d", r.MinBaseCapacity())
	}
}

func TestResampler_IgnoresOtherTimeframes(t *testing.T) {
	s := New(10)
	r, _ := NewResampler(s, "1m", []string{"5m"})

	hk := model.NewSeriesKey("x", "1h")
	c := makeCandle(0, 10)
	c.Timeframe = "1h"
	c.PeriodEnd = 3600000 - 1
	if err := r.Upsert(hk, c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Entry(model.NewSeriesKey("x", "5m")); err == nil {
		t.Error("5m series should not be derived from a 1h candle")
	}
}

func TestResampler_WeeksStartOnMonday(t *testing.T) {
	s := New(100)
	r, err := NewResampler(s, "1d", []string{"1w"})
	if err != nil {
		t.Fatal(err)
	}
	key := model.NewSeriesKey("X", "1d")
	day := int64(24 * 60 * 60 * 1000)
	// Sunday 2024-06-02 closes one week, Monday 2024-06-03 opens the next
	sunday := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i, start := range []int64{sunday, sunday + day, sunday + 2*day} {
		c := model.Candle{
			Symbol: "X", Timeframe: "1d",
			PeriodStart: start, PeriodEnd: start + day - 1,
			Open: 100, High: 101, Low: 99, Close: float64(100 + i), Volume: 1,
			Closed: true,
		}
		if err := r.Upsert(key, c); err != nil {
			t.Fatal(err)
		}
	}

	e, err := s.Entry(model.NewSeriesKey("X", "1w"))
	if err != nil {
		t.Fatal(err)
	}
	got := e.Candles()
	if len(got) != 2 {
		t.Fatalf("expected 2 weekly candles, got %d", len(got))
	}
	for _, w := range got {
		if wd := time.UnixMilli(w.PeriodStart).UTC().Weekday(); wd != time.Monday {
			t.Errorf("week bucket starts on %s", wd)
		}
	}
	if got[1].PeriodStart != sunday+day || got[1].Close != 102 {
		t.Errorf("second week = %+v, want Monday start with close 102", got[1])
	}
}
