// Package strategy runs one trading instance: a declarative strategy
// classifies indicator signals into an intention every tick, and a
// FLAT / IN_POSITION state machine turns intentions and risk controls into
// simulated operations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"candlebot/internal/indicator"
	"candlebot/internal/logger"
	"candlebot/internal/model"
	"candlebot/internal/notification"
)

// ErrTickInProgress is returned when a tick starts while another is running.
var ErrTickInProgress = errors.New("strategy: tick in progress")

// State of the position state machine.
type State string

const (
	StateFlat       State = "FLAT"
	StateInPosition State = "IN_POSITION"
)

// Tick outcomes reported to OnTick.
const (
	OutcomeEvaluated    = "evaluated"
	OutcomeInsufficient = "insufficient"
	OutcomeOverlap      = "overlap"
	OutcomeError        = "error"
)

// Risk holds fractional risk controls. A value <= 0 disables the control;
// TrailActivation defaults to Trail.
type Risk struct {
	StopLoss        float64
	StopGain        float64
	Trail           float64
	TrailActivation float64
	MinProfit       float64
	Fee             float64
}

func (r Risk) activation() float64 {
	if r.TrailActivation > 0 {
		return r.TrailActivation
	}
	return r.Trail
}

// Config identifies the instance and its risk settings.
type Config struct {
	InstanceID   string
	Symbol       string
	Timeframe    string
	StrategyName string
	Risk         Risk
	// CandleClock stamps operations with the evaluated candle's time instead
	// of the wall clock. Used for backtests.
	CandleClock bool
}

// Stats are running aggregates over closed operations.
type Stats struct {
	Wins   int     `json:"wins"`
	Count  int     `json:"count"`
	Return float64 `json:"return"` // product of exit/entry, 1 when none
}

func (s *Stats) add(op *model.Operation) {
	s.Count++
	if op.PL() > 0 {
		s.Wins++
	}
	s.Return *= op.Return()
}

// Snapshot is a read-only view of the engine for status endpoints.
type Snapshot struct {
	InstanceID   string           `json:"instance_id"`
	Symbol       string           `json:"symbol"`
	Timeframe    string           `json:"timeframe"`
	Strategy     string           `json:"strategy"`
	State        State            `json:"state"`
	Paused       bool             `json:"paused"`
	Position     *model.Operation `json:"position,omitempty"`
	StopLoss     float64          `json:"stop_loss,omitempty"`
	StopGain     float64          `json:"stop_gain,omitempty"`
	TrailArmed   bool             `json:"trail_armed"`
	TrailPrice   float64          `json:"trail_price,omitempty"`
	LastPrice    float64          `json:"last_price"`
	LastDecision Intention        `json:"last_decision,omitempty"`
	Stats        Stats            `json:"stats"`
	Ticks        int64            `json:"ticks"`
	Overlaps     int64            `json:"overlaps"`
}

// levels are the risk prices of the open position.
type levels struct {
	stopLoss     float64
	stopGain     float64
	trailTrigger float64
	trailPrice   float64
	trailArmed   bool
}

// effects are side effects collected under the state lock and performed
// after it is released.
type effects struct {
	opened *model.Operation
	closed *model.Operation
	stats  Stats
	alerts []notification.Alert
}

// Engine is the position state machine for one instance.
type Engine struct {
	cfg    Config
	eval   Evaluator
	ledger model.OperationStore
	notify notification.Notifier
	now    func() time.Time

	tickMu sync.Mutex

	mu        sync.RWMutex
	state     State
	op        *model.Operation
	lv        levels
	paused    bool
	stats     Stats
	lastPrice float64
	lastTime  time.Time
	lastDec   Intention

	ticks    atomic.Int64
	overlaps atomic.Int64

	// Hooks (optional, set before Run).
	OnTick        func(outcome string, d time.Duration)
	OnOpen        func(op model.Operation)
	OnClose       func(op model.Operation, stats Stats)
	OnLedgerError func(err error)
	OnNotifyError func(err error)
}

// NewEngine creates a FLAT engine. ledger and notify may be nil.
func NewEngine(cfg Config, eval Evaluator, ledger model.OperationStore, notify notification.Notifier) *Engine {
	if cfg.Risk.Fee < 0 {
		cfg.Risk.Fee = 0
	}
	return &Engine{
		cfg:    cfg,
		eval:   eval,
		ledger: ledger,
		notify: notify,
		now:    time.Now,
		state:  StateFlat,
		stats:  Stats{Return: 1},
	}
}

// Restore loads the open position and closed-operation stats from the
// ledger and announces the configuration.
func (e *Engine) Restore(ctx context.Context) error {
	e.send(ctx, notification.Block("CONFIGURATION", configBanner(e.cfg)))
	if e.ledger == nil {
		return nil
	}

	closed, err := e.ledger.ListClosed(ctx, e.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("restore closed operations: %w", err)
	}
	open, err := e.ledger.FindOpen(ctx, e.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("restore open operation: %w", err)
	}

	var lv levels
	e.mu.Lock()
	stats := Stats{Return: 1}
	for i := range closed {
		stats.add(&closed[i])
	}
	e.stats = stats
	if open != nil {
		e.op = open
		e.state = StateInPosition
		e.lv = e.levelsFor(open.EntryPrice)
		lv = e.lv
	}
	e.mu.Unlock()

	if open != nil {
		log.Printf("[strategy] restored open operation %s entry=%.4f", open.ID, open.EntryPrice)
		e.send(ctx, notification.Block("OPEN OPERATION FOUND", buyBlock(open, lv)))
	} else {
		log.Printf("[strategy] no open operation for %s, starting flat", e.cfg.InstanceID)
	}
	if stats.Count > 0 {
		e.send(ctx, notification.Block("RESULT", resultBlock(stats)))
	}
	return nil
}

// Run ticks every interval until ctx is cancelled. Ticks run in their own
// goroutines; one that starts while another is running is skipped.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.Tick(ctx)
			}()
		}
	}
}

// Tick runs one evaluation. It returns ErrTickInProgress when another tick
// holds the engine and an error wrapping indicator.ErrInsufficientData while
// series are warming up; neither changes state.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		e.overlaps.Add(1)
		e.reportTick(OutcomeOverlap, 0)
		log.Printf("[strategy] tick skipped: previous tick still running")
		return ErrTickInProgress
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(model.NewSeriesKey(e.cfg.Symbol, e.cfg.Timeframe).String(), start))
	e.ticks.Add(1)

	dec, err := e.eval.Evaluate(ctx)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			slog.Debug("tick skipped", append(logger.LogWithTrace(ctx), "reason", err.Error())...)
			e.reportTick(OutcomeInsufficient, time.Since(start))
			return err
		}
		slog.Error("evaluation failed", append(logger.LogWithTrace(ctx), "error", err)...)
		e.reportTick(OutcomeError, time.Since(start))
		return err
	}

	e.mu.Lock()
	fx := e.step(ctx, dec)
	e.mu.Unlock()

	e.apply(ctx, fx)
	e.reportTick(OutcomeEvaluated, time.Since(start))
	return nil
}

// ForceClose closes the open position at the last evaluated price. With no
// open position it logs and does nothing.
func (e *Engine) ForceClose(ctx context.Context, reason string) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if e.state != StateInPosition || e.op == nil {
		e.mu.Unlock()
		log.Printf("[strategy] force close ignored: no open position")
		return nil
	}
	if e.lastPrice <= 0 {
		e.mu.Unlock()
		return errors.New("strategy: no price evaluated yet")
	}
	var fx effects
	e.close(e.lastPrice, e.clock(e.lastTime), reason, &fx)
	e.mu.Unlock()

	e.apply(ctx, fx)
	return nil
}

// Pause stops new entries. Open positions are still managed.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Printf("[strategy] entries paused")
}

// Resume re-enables entries.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Printf("[strategy] entries resumed")
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Stats returns the running aggregates.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Status returns a consistent snapshot of the engine.
func (e *Engine) Status() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{
		InstanceID:   e.cfg.InstanceID,
		Symbol:       e.cfg.Symbol,
		Timeframe:    e.cfg.Timeframe,
		Strategy:     e.cfg.StrategyName,
		State:        e.state,
		Paused:       e.paused,
		LastPrice:    e.lastPrice,
		LastDecision: e.lastDec,
		Stats:        e.stats,
		Ticks:        e.ticks.Load(),
		Overlaps:     e.overlaps.Load(),
	}
	if e.op != nil {
		op := *e.op
		s.Position = &op
		s.StopLoss = e.lv.stopLoss
		s.StopGain = e.lv.stopGain
		s.TrailArmed = e.lv.trailArmed
		s.TrailPrice = e.lv.trailPrice
	}
	return s
}

// step advances the state machine. Caller holds mu.
func (e *Engine) step(ctx context.Context, dec Decision) effects {
	var fx effects
	e.lastPrice = dec.Price
	e.lastTime = dec.Time
	e.lastDec = dec.Intention
	at := e.clock(dec.Time)

	slog.Debug("tick evaluated", append(logger.LogWithTrace(ctx),
		"state", e.state, "intention", dec.Intention, "price", dec.Price, "reason", dec.Reason)...)

	switch e.state {
	case StateFlat:
		if dec.Intention != IntentionBuy {
			return fx
		}
		if e.paused {
			slog.Info("buy ignored: entries paused", logger.LogWithTrace(ctx)...)
			return fx
		}
		e.open(dec.Price, at, dec.Reason, &fx)

	case StateInPosition:
		if e.op == nil {
			slog.Error("in position without entry state, skipping risk evaluation", logger.LogWithTrace(ctx)...)
			return fx
		}
		if reason, ok := e.exitReason(dec, &fx); ok {
			e.close(dec.Price, at, reason, &fx)
		}
	}
	return fx
}

// exitReason applies the exit rules in priority order: signal (gated by the
// minimum P/L), stop-loss, stop-gain, trailing stop.
func (e *Engine) exitReason(dec Decision, fx *effects) (string, bool) {
	price := dec.Price
	r := e.cfg.Risk

	moved := r.MinProfit <= 0 || math.Abs(price/e.op.EntryPrice-1) > r.MinProfit
	if dec.Intention == IntentionSell && moved {
		return "SELL " + dec.Reason, true
	}
	if e.lv.stopLoss > 0 && price < e.lv.stopLoss {
		return fmt.Sprintf("STOP LOSS %.4f", e.lv.stopLoss), true
	}
	if e.lv.stopGain > 0 && price > e.lv.stopGain {
		return fmt.Sprintf("STOP GAIN %.4f", e.lv.stopGain), true
	}
	if r.Trail <= 0 {
		return "", false
	}
	if !e.lv.trailArmed {
		if price > e.lv.trailTrigger {
			e.lv.trailArmed = true
			e.lv.trailPrice = price * (1 - r.Trail)
			fx.alerts = append(fx.alerts, notification.Text("TRAILING STOP", trailNotice(e.lv.trailPrice, r.Trail)))
		}
		return "", false
	}
	if price < e.lv.trailPrice {
		return fmt.Sprintf("TRAILING STOP %.4f", e.lv.trailPrice), true
	}
	if next := price * (1 - r.Trail); next > e.lv.trailPrice {
		e.lv.trailPrice = next
	}
	return "", false
}

func (e *Engine) levelsFor(entry float64) levels {
	r := e.cfg.Risk
	var lv levels
	if r.StopLoss > 0 {
		lv.stopLoss = entry * (1 - r.StopLoss)
	}
	if r.StopGain > 0 {
		lv.stopGain = entry * (1 + r.StopGain)
	}
	if r.Trail > 0 {
		lv.trailTrigger = entry * (1 + r.activation())
	}
	return lv
}

func (e *Engine) open(price float64, at time.Time, reason string, fx *effects) {
	op := model.OpenOperation(e.cfg.InstanceID, e.cfg.Symbol, price, e.cfg.Risk.Fee, at, reason)
	e.op = op
	e.state = StateInPosition
	e.lv = e.levelsFor(op.EntryPrice)

	cp := *op
	fx.opened = &cp
	fx.alerts = append(fx.alerts, notification.Block("BUY", buyBlock(op, e.lv)))
}

func (e *Engine) close(price float64, at time.Time, reason string, fx *effects) {
	op := e.op
	op.Close(price, e.cfg.Risk.Fee, at, reason)
	e.stats.add(op)
	e.op = nil
	e.lv = levels{}
	e.state = StateFlat

	cp := *op
	fx.closed = &cp
	fx.stats = e.stats
	fx.alerts = append(fx.alerts,
		notification.Block("SELL", closeBlock(op)),
		notification.Block("RESULT", resultBlock(e.stats)),
	)
}

// apply persists and notifies outside the state lock. Failures are logged;
// in-memory state stays authoritative.
func (e *Engine) apply(ctx context.Context, fx effects) {
	if fx.opened != nil {
		log.Printf("[strategy] BUY %s at %.4f (fill %.4f)", fx.opened.Symbol, fx.opened.EntryPriceRequested, fx.opened.EntryPrice)
		e.save(ctx, fx.opened)
		if e.OnOpen != nil {
			e.OnOpen(*fx.opened)
		}
	}
	if fx.closed != nil {
		log.Printf("[strategy] SELL %s at %.4f (fill %.4f) pl=%.4f%% reason=%s",
			fx.closed.Symbol, fx.closed.ExitPriceRequested, fx.closed.ExitPrice, fx.closed.PL()*100, fx.closed.ExitReason)
		e.save(ctx, fx.closed)
		if e.OnClose != nil {
			e.OnClose(*fx.closed, fx.stats)
		}
	}
	for _, a := range fx.alerts {
		e.send(ctx, a)
	}
}

func (e *Engine) save(ctx context.Context, op *model.Operation) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.Save(ctx, op); err != nil {
		slog.Error("ledger save failed", append(logger.LogWithTrace(ctx), "operation", op.ID, "error", err)...)
		if e.OnLedgerError != nil {
			e.OnLedgerError(err)
		}
	}
}

func (e *Engine) send(ctx context.Context, a notification.Alert) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Send(ctx, a); err != nil {
		log.Printf("[strategy] notify %q failed: %v", a.Title, err)
		if e.OnNotifyError != nil {
			e.OnNotifyError(err)
		}
	}
}

func (e *Engine) clock(candle time.Time) time.Time {
	if e.cfg.CandleClock && !candle.IsZero() {
		return candle
	}
	return e.now().UTC()
}

func (e *Engine) reportTick(outcome string, d time.Duration) {
	if e.OnTick != nil {
		e.OnTick(outcome, d)
	}
}
