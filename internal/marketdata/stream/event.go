package stream

import (
	"errors"
	"fmt"
	"log"
	"strconv"

	"candlebot/internal/model"

	"github.com/tidwall/gjson"
)

var errInvalidJSON = errors.New("invalid json")

// handle parses one inbound frame. Malformed frames are counted and reported,
// unknown ones are logged and dropped; neither affects the connection.
func (m *Manager) handle(raw []byte) {
	if !gjson.ValidBytes(raw) {
		m.parseError(errInvalidJSON, raw)
		return
	}
	msg := gjson.ParseBytes(raw)

	// Combined-stream envelope: {"stream":"...","data":{...}}
	if data := msg.Get("data"); data.IsObject() && msg.Get("stream").Exists() {
		msg = data
	}

	if e := msg.Get("error"); e.Exists() {
		log.Printf("[stream] server error: %s", e.Raw)
		return
	}
	if msg.Get("result").Exists() && msg.Get("id").Exists() {
		// subscription ack
		return
	}

	switch ev := msg.Get("e").String(); ev {
	case "kline":
		c, err := parseKline(msg)
		if err != nil {
			m.parseError(err, raw)
			return
		}
		key := c.Key()
		if err := m.sink.Upsert(key, c); err != nil {
			log.Printf("[stream] upsert %s: %v", key, err)
			return
		}
		if c.Closed && m.OnClosedCandle != nil {
			m.OnClosedCandle(c)
		}
	case "":
		log.Printf("[stream] dropping frame without event type: %.120s", raw)
		m.unknownEvent(ev)
	default:
		log.Printf("[stream] dropping unhandled event %q", ev)
		m.unknownEvent(ev)
	}
}

func (m *Manager) unknownEvent(ev string) {
	if m.OnUnknownEvent != nil {
		m.OnUnknownEvent(ev)
	}
}

func (m *Manager) parseError(err error, raw []byte) {
	n := m.parseErrors.Add(1)
	log.Printf("[stream] parse error #%d: %v (raw: %.200s)", n, err, raw)
	if m.OnParseError != nil {
		m.OnParseError(err, raw)
	}
}

// parseKline converts a kline event into a Candle.
//
//	{"e":"kline","E":..,"s":"BTCUSDT","k":{"t":..,"T":..,"s":"BTCUSDT","i":"1m",
//	 "o":"1.0","c":"1.1","h":"1.2","l":"0.9","v":"10","n":5,"x":false}}
func parseKline(msg gjson.Result) (model.Candle, error) {
	k := msg.Get("k")
	if !k.IsObject() {
		return model.Candle{}, errors.New("kline: missing k object")
	}
	symbol := k.Get("s").String()
	if symbol == "" {
		symbol = msg.Get("s").String()
	}
	tf := k.Get("i").String()
	if symbol == "" || tf == "" {
		return model.Candle{}, errors.New("kline: missing symbol or interval")
	}

	var c model.Candle
	key := model.NewSeriesKey(symbol, tf)
	c.Symbol, c.Timeframe = key.Symbol, key.Timeframe

	var err error
	if c.PeriodStart, err = intField(k, "t"); err != nil {
		return model.Candle{}, err
	}
	if c.PeriodEnd, err = intField(k, "T"); err != nil {
		return model.Candle{}, err
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"o", &c.Open}, {"h", &c.High}, {"l", &c.Low}, {"c", &c.Close}, {"v", &c.Volume},
	} {
		if *f.dst, err = floatField(k, f.name); err != nil {
			return model.Candle{}, err
		}
	}
	c.TradeCount = k.Get("n").Int()
	c.Closed = k.Get("x").Bool()
	return c, nil
}

func intField(obj gjson.Result, name string) (int64, error) {
	v := obj.Get(name)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("kline: field %s: expected number, got %q", name, v.Raw)
	}
	return v.Int(), nil
}

// floatField accepts both quoted decimals (the exchange default) and numbers.
func floatField(obj gjson.Result, name string) (float64, error) {
	v := obj.Get(name)
	switch v.Type {
	case gjson.Number:
		return v.Float(), nil
	case gjson.String:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, fmt.Errorf("kline: field %s: %w", name, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("kline: field %s missing", name)
}
