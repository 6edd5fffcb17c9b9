package history

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"candlebot/internal/model"
)

// ErrAmbiguousTimestamp is returned when no unit puts a timestamp inside a
// plausible year range.
var ErrAmbiguousTimestamp = errors.New("history: ambiguous timestamp")

// TimeUnit pins the unit of CSV timestamps. UnitAuto guesses per value with
// NormalizeMillis.
type TimeUnit string

const (
	UnitAuto    TimeUnit = ""
	UnitSeconds TimeUnit = "s"
	UnitMillis  TimeUnit = "ms"
	UnitMicros  TimeUnit = "us"
)

// ParseTimeUnit accepts "", "auto", "s", "ms" and "us".
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch u := TimeUnit(strings.ToLower(strings.TrimSpace(s))); u {
	case "auto":
		return UnitAuto, nil
	case UnitAuto, UnitSeconds, UnitMillis, UnitMicros:
		return u, nil
	}
	return UnitAuto, fmt.Errorf("history: unknown time unit %q (want auto, s, ms or us)", s)
}

// ToMillis converts v from unit u to milliseconds.
func (u TimeUnit) ToMillis(v int64) (int64, error) {
	switch u {
	case UnitSeconds:
		return v * 1000, nil
	case UnitMillis:
		return v, nil
	case UnitMicros:
		return v / 1000, nil
	}
	return NormalizeMillis(v)
}

// ReadCSVFile opens path and reads it with ReadCSV.
func ReadCSVFile(path string, key model.SeriesKey, unit TimeUnit) ([]model.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, key, unit)
}

// ReadCSV reads rows of bucketStart,open,high,low,close,volume,bucketEnd with
// any extra columns ignored. A first line whose first column is not a number
// is taken as a header.
func ReadCSV(r io.Reader, key model.SeriesKey, unit TimeUnit) ([]model.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var out []model.Candle
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if line == 1 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
				continue // header
			}
		}
		c, err := parseRecord(rec, key, unit)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseRecord(rec []string, key model.SeriesKey, unit TimeUnit) (model.Candle, error) {
	if len(rec) < 7 {
		return model.Candle{}, fmt.Errorf("expected at least 7 columns, got %d", len(rec))
	}
	var v [7]float64
	for i := 0; i < 7; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		v[i] = f
	}
	start, err := unit.ToMillis(int64(v[0]))
	if err != nil {
		return model.Candle{}, err
	}
	end, err := unit.ToMillis(int64(v[6]))
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		Symbol:      key.Symbol,
		Timeframe:   key.Timeframe,
		PeriodStart: start,
		Open:        v[1],
		High:        v[2],
		Low:         v[3],
		Close:       v[4],
		Volume:      v[5],
		PeriodEnd:   end,
		Closed:      true,
	}, nil
}

var (
	minYear = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Millisecond)
	maxYear = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// NormalizeMillis converts a timestamp in ms, s or µs to milliseconds,
// trying those units in order and accepting the first that lands strictly
// between 2000-01-01 and 2100-01-01.
func NormalizeMillis(v int64) (int64, error) {
	candidates := []int64{v}
	if v < math.MaxInt64/1000 && v > math.MinInt64/1000 {
		candidates = append(candidates, v*1000)
	}
	candidates = append(candidates, v/1000)
	for _, ms := range candidates {
		t := time.UnixMilli(ms)
		if !t.Before(minYear) && t.Before(maxYear) {
			return ms, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrAmbiguousTimestamp, v)
}

// FormatTime renders ms as dd/mm/yy HH:MM in UTC for operator messages.
func FormatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("02/01/06 15:04")
}
