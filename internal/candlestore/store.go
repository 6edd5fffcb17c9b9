// Package candlestore keeps bounded, time-ordered candle windows per
// (instrument, timeframe) series.
//
// Each series entry has its own RWMutex, so the ingestion goroutine and the
// strategy evaluation goroutine only contend on the same key. The map of
// entries is guarded separately and is only write-locked on first access.
package candlestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"candlebot/internal/model"
)

// DefaultCapacity is used for lazily created entries when the store was
// constructed with a non-positive capacity.
const DefaultCapacity = 500

var (
	// ErrNotFound is returned by strict lookups of an unregistered key.
	ErrNotFound = errors.New("candlestore: series not found")

	// ErrInvalidCandle wraps candle invariant violations rejected by Upsert.
	ErrInvalidCandle = errors.New("candlestore: invalid candle")
)

// Store holds one Entry per series key.
type Store struct {
	mu              sync.RWMutex
	entries         map[model.SeriesKey]*Entry
	defaultCapacity int

	// OnUpsert is called after every successful upsert (optional, metrics hook).
	OnUpsert func(key model.SeriesKey, replaced bool)
}

// New creates a store whose lazily created entries hold defaultCapacity candles.
func New(defaultCapacity int) *Store {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultCapacity
	}
	return &Store{
		entries:         make(map[model.SeriesKey]*Entry, 8),
		defaultCapacity: defaultCapacity,
	}
}

// Register pre-creates an entry with an explicit capacity. Registering an
// existing key changes its capacity, evicting the oldest candles if needed.
func (s *Store) Register(key model.SeriesKey, capacity int) *Entry {
	if capacity <= 0 {
		capacity = s.defaultCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.setCapacity(capacity)
		return e
	}
	e := newEntry(key, capacity)
	s.entries[key] = e
	return e
}

// Entry returns the entry for key or ErrNotFound.
func (s *Store) Entry(key model.SeriesKey) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e, nil
}

// EntryOrCreate returns the entry for key, creating an empty one with the
// default capacity on first access.
func (s *Store) EntryOrCreate(key model.SeriesKey) *Entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = newEntry(key, s.defaultCapacity)
	s.entries[key] = e
	return e
}

// Keys returns all registered keys in no particular order.
func (s *Store) Keys() []model.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]model.SeriesKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Upsert validates c and applies it to the entry for key, creating the
// entry if needed. Satisfies model.CandleSink.
func (s *Store) Upsert(key model.SeriesKey, c model.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCandle, key, err)
	}
	replaced := s.EntryOrCreate(key).upsert(c)
	if s.OnUpsert != nil {
		s.OnUpsert(key, replaced)
	}
	return nil
}

// Closes returns close prices in ascending time order.
func (s *Store) Closes(key model.SeriesKey) ([]float64, error) {
	return s.project(key, func(c *model.Candle) float64 { return c.Close })
}

// Highs returns high prices in ascending time order.
func (s *Store) Highs(key model.SeriesKey) ([]float64, error) {
	return s.project(key, func(c *model.Candle) float64 { return c.High })
}

// Lows returns low prices in ascending time order.
func (s *Store) Lows(key model.SeriesKey) ([]float64, error) {
	return s.project(key, func(c *model.Candle) float64 { return c.Low })
}

// Volumes returns volumes in ascending time order.
func (s *Store) Volumes(key model.SeriesKey) ([]float64, error) {
	return s.project(key, func(c *model.Candle) float64 { return c.Volume })
}

// StartTimes returns bucket start times (ms) in ascending order.
func (s *Store) StartTimes(key model.SeriesKey) ([]int64, error) {
	e, err := s.Entry(key)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int64, len(e.candles))
	for i := range e.candles {
		out[i] = e.candles[i].PeriodStart
	}
	return out, nil
}

// Latest returns the most recent candle. ok is false for an empty entry.
func (s *Store) Latest(key model.SeriesKey) (c model.Candle, ok bool, err error) {
	e, err := s.Entry(key)
	if err != nil {
		return model.Candle{}, false, err
	}
	c, ok = e.Latest()
	return c, ok, nil
}

// Snapshot returns every projection of key taken under a single read lock.
func (s *Store) Snapshot(key model.SeriesKey) (Series, error) {
	e, err := s.Entry(key)
	if err != nil {
		return Series{}, err
	}
	return e.Snapshot(), nil
}

func (s *Store) project(key model.SeriesKey, f func(*model.Candle) float64) ([]float64, error) {
	e, err := s.Entry(key)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, len(e.candles))
	for i := range e.candles {
		out[i] = f(&e.candles[i])
	}
	return out, nil
}

// Series is a consistent copy of an entry's projections.
type Series struct {
	Key        model.SeriesKey
	Opens      []float64
	Highs      []float64
	Lows       []float64
	Closes     []float64
	Volumes    []float64
	StartTimes []int64
	Latest     model.Candle
}

// Len returns the number of candles in the snapshot.
func (s Series) Len() int { return len(s.Closes) }

// Entry is the bounded candle window of one series.
type Entry struct {
	mu       sync.RWMutex
	key      model.SeriesKey
	capacity int
	candles  []model.Candle // ascending PeriodStart, unique
}

func newEntry(key model.SeriesKey, capacity int) *Entry {
	return &Entry{
		key:      key,
		capacity: capacity,
		candles:  make([]model.Candle, 0, capacity),
	}
}

// Key returns the series key.
func (e *Entry) Key() model.SeriesKey { return e.key }

// Capacity returns the maximum number of candles retained.
func (e *Entry) Capacity() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.capacity
}

// Len returns the number of candles held.
func (e *Entry) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.candles)
}

// Latest returns the newest candle.
func (e *Entry) Latest() (model.Candle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.candles) == 0 {
		return model.Candle{}, false
	}
	return e.candles[len(e.candles)-1], true
}

// Candles returns a copy of the window, oldest first.
func (e *Entry) Candles() []model.Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Candle, len(e.candles))
	copy(out, e.candles)
	return out
}

// Since returns a copy of the candles with PeriodStart >= fromMs.
func (e *Entry) Since(fromMs int64) []model.Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := sort.Search(len(e.candles), func(i int) bool {
		return e.candles[i].PeriodStart >= fromMs
	})
	out := make([]model.Candle, len(e.candles)-i)
	copy(out, e.candles[i:])
	return out
}

// Snapshot copies every projection under one read lock.
func (e *Entry) Snapshot() Series {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.candles)
	s := Series{
		Key:        e.key,
		Opens:      make([]float64, n),
		Highs:      make([]float64, n),
		Lows:       make([]float64, n),
		Closes:     make([]float64, n),
		Volumes:    make([]float64, n),
		StartTimes: make([]int64, n),
	}
	for i := range e.candles {
		c := &e.candles[i]
		s.Opens[i] = c.Open
		s.Highs[i] = c.High
		s.Lows[i] = c.Low
		s.Closes[i] = c.Close
		s.Volumes[i] = c.Volume
		s.StartTimes[i] = c.PeriodStart
	}
	if n > 0 {
		s.Latest = e.candles[n-1]
	}
	return s
}

// upsert replaces the candle with the same PeriodStart or inserts c in
// order, evicting the oldest candle when over capacity. The tail is checked
// first because live and replay data arrive in time order.
func (e *Entry) upsert(c model.Candle) (replaced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.candles)
	switch {
	case n == 0 || c.PeriodStart > e.candles[n-1].PeriodStart:
		e.candles = append(e.candles, c)
	case c.PeriodStart == e.candles[n-1].PeriodStart:
		e.candles[n-1] = c
		return true
	default:
		i := sort.Search(n, func(i int) bool {
			return e.candles[i].PeriodStart >= c.PeriodStart
		})
		if e.candles[i].PeriodStart == c.PeriodStart {
			e.candles[i] = c
			return true
		}
		e.candles = append(e.candles, model.Candle{})
		copy(e.candles[i+1:], e.candles[i:])
		e.candles[i] = c
	}
	e.evict()
	return false
}

func (e *Entry) setCapacity(capacity int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capacity = capacity
	e.evict()
}

// evict drops the oldest candles beyond capacity. Must hold e.mu.
func (e *Entry) evict() {
	if over := len(e.candles) - e.capacity; over > 0 {
		n := copy(e.candles, e.candles[over:])
		clear(e.candles[n:])
		e.candles = e.candles[:n]
	}
}
