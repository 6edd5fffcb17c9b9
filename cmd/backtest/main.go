// cmd/backtest replays historical candles through the same strategy engine
// the live bot runs, stamping operations with candle time.
//
// Usage:
//
//	go run ./cmd/backtest -csv data/btcusdt_1m.csv -symbol btcusdt -tf 1m -strategy ema_rsi
//	go run ./cmd/backtest -db data/candles.db -symbol btcusdt -tf 1m -derive 5m -strategy-file my.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlebot/internal/candlearchive"
	"candlebot/internal/candlestore"
	"candlebot/internal/ledger"
	"candlebot/internal/logger"
	"candlebot/internal/marketdata/history"
	"candlebot/internal/marketdata/replay"
	"candlebot/internal/model"
	"candlebot/internal/notification"
	"candlebot/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	csvPath := flag.String("csv", "", "CSV file of candles: start,open,high,low,close,volume,end")
	dbPath := flag.String("db", "", "Candle archive database to read instead of -csv")
	tsUnit := flag.String("ts-unit", "auto", "CSV timestamp unit: auto, s, ms or us")
	from := flag.String("from", "", "Archive start time (RFC3339 or unix ms, default: all)")
	symbol := flag.String("symbol", "btcusdt", "Instrument symbol")
	tf := flag.String("tf", "1m", "Timeframe of the input candles")
	derive := flag.String("derive", "", "Comma-separated timeframes derived from -tf")
	strategyName := flag.String("strategy", "sma_cross", "Built-in strategy preset")
	strategyFile := flag.String("strategy-file", "", "JSON strategy definition (overrides -strategy)")
	capacity := flag.Int("capacity", 1000, "Candles kept per series")
	stopLoss := flag.Float64("stop-loss", 0, "Stop loss, percent (0=off)")
	stopGain := flag.Float64("stop-gain", 0, "Stop gain, percent (0=off)")
	trail := flag.Float64("trail", 0, "Trailing stop, percent (0=off)")
	trailActivation := flag.Float64("trail-activation", 0, "Trailing activation, percent (default: -trail)")
	minProfit := flag.Float64("min-profit", 0, "Minimum profit for a SELL exit, percent (0=off)")
	fee := flag.Float64("fee", 0.1, "Fee per side, percent")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	ledgerPath := flag.String("ledger", "", "SQLite file to record operations in (default: none)")
	quiet := flag.Bool("quiet", false, "Do not print operation alerts")
	logLevel := flag.String("log-level", "warn", "Strategy log level")
	flag.Parse()

	logger.Init("backtest", logger.ParseLevel(*logLevel), os.Stderr)

	baseTF, err := model.ParseTimeframes(*tf)
	if err != nil || len(baseTF) != 1 {
		log.Fatalf("[backtest] -tf must be a single timeframe, got %q", *tf)
	}
	derived, err := model.ParseTimeframes(*derive)
	if err != nil {
		log.Fatalf("[backtest] -derive: %v", err)
	}
	key := model.NewSeriesKey(*symbol, baseTF[0])
	unit, err := history.ParseTimeUnit(*tsUnit)
	if err != nil {
		log.Fatalf("[backtest] -ts-unit: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candles, err := loadCandles(ctx, *csvPath, *dbPath, *from, unit, key)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	log.Printf("[backtest] loaded %d %s candles", len(candles), key)

	// ---- Candle store (+ resampler) ----
	store := candlestore.New(*capacity)
	var sink model.CandleSink = store
	if len(derived) > 0 {
		rs, err := candlestore.NewResampler(store, key.Timeframe, derived)
		if err != nil {
			log.Fatalf("[backtest] -derive: %v", err)
		}
		if need := rs.MinBaseCapacity(); *capacity < need {
			store.Register(key, need)
		}
		sink = rs
	}

	// ---- Strategy & engine ----
	strat, err := strategy.Resolve(*strategyName, *strategyFile)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	eval, err := strategy.NewRuleEvaluator(store, key.Symbol, key.Timeframe, strat)
	if err != nil {
		log.Fatalf("[backtest] strategy %s: %v", strat.Name, err)
	}

	var ops model.OperationStore
	if *ledgerPath != "" {
		sqlStore, err := ledger.NewSQLiteStore(*ledgerPath)
		if err != nil {
			log.Fatalf("[backtest] ledger: %v", err)
		}
		defer sqlStore.Close()
		ops = sqlStore
	}
	var notify notification.Notifier
	if !*quiet {
		notify = notification.NewLogNotifier()
	}

	instance := fmt.Sprintf("backtest-%s-%d", key, time.Now().Unix())
	engine := strategy.NewEngine(strategy.Config{
		InstanceID:   instance,
		Symbol:       key.Symbol,
		Timeframe:    key.Timeframe,
		StrategyName: strat.Name,
		Risk: strategy.Risk{
			StopLoss:        *stopLoss / 100,
			StopGain:        *stopGain / 100,
			Trail:           *trail / 100,
			TrailActivation: *trailActivation / 100,
			MinProfit:       *minProfit / 100,
			Fee:             *fee / 100,
		},
		CandleClock: true,
	}, eval, ops, notify)
	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	runner := &replay.Runner{Sink: sink, Engine: engine, Speed: *speed}
	start := time.Now()
	res, err := runner.Run(ctx, candles)
	if err != nil {
		log.Printf("[backtest] replay stopped: %v", err)
	}

	st := engine.Stats()
	snap := engine.Status()
	winRate := 0.0
	if st.Count > 0 {
		winRate = float64(st.Wins) / float64(st.Count) * 100
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Strategy:          %-16s ║\n", strat.Name)
	fmt.Printf("║  Series:            %-16s ║\n", key)
	fmt.Printf("║  Candles replayed:  %-16d ║\n", res.Candles)
	fmt.Printf("║  Ticks evaluated:   %-16d ║\n", res.Ticks)
	fmt.Printf("║  Ticks skipped:     %-16d ║\n", res.Skipped)
	fmt.Printf("║  Failures:          %-16d ║\n", res.Failed)
	fmt.Printf("║  Operations:        %-16d ║\n", st.Count)
	fmt.Printf("║  Win rate:          %-16s ║\n", fmt.Sprintf("%.1f%%", winRate))
	fmt.Printf("║  Return:            %-16s ║\n", fmt.Sprintf("%+.2f%%", (st.Return-1)*100))
	fmt.Printf("║  Final state:       %-16s ║\n", snap.State)
	fmt.Printf("║  Elapsed:           %-16s ║\n", time.Since(start).Round(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════╝")
}

func loadCandles(ctx context.Context, csvPath, dbPath, from string, unit history.TimeUnit, key model.SeriesKey) ([]model.Candle, error) {
	switch {
	case csvPath != "" && dbPath != "":
		return nil, fmt.Errorf("use either -csv or -db, not both")
	case csvPath != "":
		return history.ReadCSVFile(csvPath, key, unit)
	case dbPath != "":
		fromMs, err := parseFrom(from)
		if err != nil {
			return nil, err
		}
		archive, err := candlearchive.New(dbPath)
		if err != nil {
			return nil, err
		}
		defer archive.Close()
		return archive.Read(ctx, key, fromMs)
	default:
		return nil, fmt.Errorf("one of -csv or -db is required")
	}
}

func parseFrom(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	var ms int64
	if _, err := fmt.Sscan(s, &ms); err != nil {
		return 0, fmt.Errorf("-from: expected RFC3339 or unix ms, got %q", s)
	}
	return history.NormalizeMillis(ms)
}
