// Package history fetches and reads historical candles: the exchange REST
// klines endpoint for live warm-up, and CSV files for backtests.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"candlebot/internal/model"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultLimit = 500
	MaxLimit     = 1000

	klinesPath = "/api/v3/klines"
)

// ErrBadLimit is returned for a row limit outside 1..1000.
var ErrBadLimit = errors.New("history: limit must be between 1 and 1000")

// Query selects a range of klines. Zero Start/End are omitted from the
// request; a zero Limit means DefaultLimit.
type Query struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Fetcher returns candles for a query, oldest first.
type Fetcher interface {
	Klines(ctx context.Context, q Query) ([]model.Candle, error)
}

// ClientConfig holds configuration for the REST client.
type ClientConfig struct {
	// BaseURL of the REST API, e.g. "https://api.binance.com".
	BaseURL string

	// Timeout per request. Defaults to 10s.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing calls. Defaults to 5.
	RequestsPerSecond float64
}

// Client is a throttled klines REST client.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewClient creates a Client. Returns an error if BaseURL is unparseable.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("history: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("history: base url %q must be absolute", cfg.BaseURL)
	}
	return &Client{
		base:    u,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		now:     time.Now,
	}, nil
}

// Klines fetches candles for q. The last row is marked open when its period
// has not ended yet.
func (c *Client) Klines(ctx context.Context, q Query) ([]model.Candle, error) {
	limit, err := checkLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	key := model.NewSeriesKey(q.Symbol, q.Interval)
	if key.Symbol == "" {
		return nil, errors.New("history: empty symbol")
	}
	if _, err := model.ParseTimeframe(key.Timeframe); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(key.Symbol))
	params.Set("interval", key.Timeframe)
	params.Set("limit", strconv.Itoa(limit))
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	reqURL := c.base.JoinPath(klinesPath)
	reqURL.RawQuery = params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: GET klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("history: read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("history: GET klines: status %d: %s", resp.StatusCode, msg)
	}

	candles, err := parseRows(body, key, c.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	log.Printf("[history] fetched %d candles for %s", len(candles), key)
	return candles, nil
}

func checkLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, fmt.Errorf("%w: got %d", ErrBadLimit, limit)
	}
	return limit, nil
}

// parseRows decodes [[t, o, h, l, c, v, T, ...], ...].
func parseRows(body []byte, key model.SeriesKey, nowMs int64) ([]model.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("history: invalid klines payload")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("history: expected array, got %.80s", root.Raw)
	}

	rows := root.Array()
	out := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		f := row.Array()
		if len(f) < 7 {
			return nil, fmt.Errorf("history: row %d: expected at least 7 fields, got %d", i, len(f))
		}
		var vals [7]float64
		for j := 0; j < 7; j++ {
			v, err := number(f[j])
			if err != nil {
				return nil, fmt.Errorf("history: row %d field %d: %w", i, j, err)
			}
			vals[j] = v
		}
		c := model.Candle{
			Symbol:      key.Symbol,
			Timeframe:   key.Timeframe,
			PeriodStart: int64(vals[0]),
			Open:        vals[1],
			High:        vals[2],
			Low:         vals[3],
			Close:       vals[4],
			Volume:      vals[5],
			PeriodEnd:   int64(vals[6]),
		}
		if len(f) > 8 {
			c.TradeCount = f[8].Int()
		}
		c.Closed = c.PeriodEnd < nowMs
		out = append(out, c)
	}
	return out, nil
}

func number(v gjson.Result) (float64, error) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), nil
	case gjson.String:
		return strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
	}
	return 0, fmt.Errorf("not a number: %s", v.Raw)
}

// Warmup fetches up to limit candles for key and upserts them into sink
// before live data starts. Returns the number of candles applied.
func Warmup(ctx context.Context, f Fetcher, sink model.CandleSink, key model.SeriesKey, limit int) (int, error) {
	candles, err := f.Klines(ctx, Query{Symbol: key.Symbol, Interval: key.Timeframe, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("warmup %s: %w", key, err)
	}
	n := 0
	for _, c := range candles {
		if err := sink.Upsert(key, c); err != nil {
			log.Printf("[history] warmup %s: skipping candle %d: %v", key, c.PeriodStart, err)
			continue
		}
		n++
	}
	log.Printf("[history] warmed up %s with %d candles", key, n)
	return n, nil
}
