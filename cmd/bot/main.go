package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"candlebot/config"
	"candlebot/internal/admin"
	"candlebot/internal/candlearchive"
	"candlebot/internal/candlestore"
	"candlebot/internal/ledger"
	"candlebot/internal/logger"
	"candlebot/internal/marketdata/history"
	"candlebot/internal/marketdata/stream"
	"candlebot/internal/metrics"
	"candlebot/internal/model"
	"candlebot/internal/notification"
	"candlebot/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}

	logOut, logCloser, err := logger.NewRotatingWriter(cfg.LogFile, 50, 5, 28)
	if err != nil {
		log.Fatalf("[bot] log file: %v", err)
	}
	defer logCloser.Close()
	logger.Init("candlebot", logger.ParseLevel(cfg.LogLevel), logOut)
	log.Printf("[bot] starting instance=%s symbol=%s timeframes=%v derived=%v",
		cfg.InstanceID, cfg.Symbol, cfg.Timeframes, cfg.DerivedTFs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.MetricsAddr, health, nil)

	// ---- Ledger: SQLite is the source of truth, Redis an optional mirror ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[bot] data dir: %v", err)
		}
	}
	sqlStore, err := ledger.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[bot] ledger init failed: %v", err)
	}
	defer sqlStore.Close()
	health.SetSQLiteOK(true)

	var (
		store       model.OperationStore = sqlStore
		redisPinger metrics.Pinger
	)
	if cfg.RedisAddr != "" {
		cb := ledger.NewCircuitBreaker(3, 30*time.Second)
		cb.OnStateChange = func(from, to ledger.BreakerState) {
			prom.BreakerState.Set(float64(to))
			if to == ledger.BreakerOpen {
				prom.BreakerTrips.Inc()
			}
		}
		mirror, err := ledger.NewRedisMirror(ledger.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, cb)
		if err != nil {
			log.Printf("[bot] WARNING: redis mirror disabled: %v", err)
		} else {
			defer mirror.Close()
			mirror.OnBuffer = func() { prom.MirrorBuffered.Inc() }
			mirror.OnFlush = func(n int) { log.Printf("[bot] redis mirror flushed %d buffered operation(s)", n) }
			mirrored := ledger.NewMirrored(sqlStore, mirror)
			mirrored.OnMirrorError = func(error) { prom.MirrorFailures.Inc() }
			store = mirrored
			redisPinger = mirror
			health.SetRedisEnabled(true)
		}
	}

	// ---- Notifications ----
	backends := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL, cfg.InstanceID))
	}
	notifier := notification.NewDispatcher(backends, notification.DefaultQueueSize)
	notifier.OnError = func(error) { prom.NotifyFailures.Inc() }
	notifier.OnDrop = func(notification.Alert) { prom.NotifyDrops.Inc() }

	// ---- Candle store (+ resampler for derived timeframes) ----
	candles := candlestore.New(cfg.CandleCapacity)
	candles.OnUpsert = func(key model.SeriesKey, replaced bool) {
		result := "append"
		if replaced {
			result = "replace"
		}
		prom.CandlesUpserted.WithLabelValues(key.String(), result).Inc()
	}
	primary := model.NewSeriesKey(cfg.Symbol, cfg.PrimaryTimeframe())

	var sink model.CandleSink = candles
	var resampler *candlestore.Resampler
	if len(cfg.DerivedTFs) > 0 {
		resampler, err = candlestore.NewResampler(candles, primary.Timeframe, cfg.DerivedTFs)
		if err != nil {
			log.Fatalf("[bot] derived timeframes: %v", err)
		}
		capacity := cfg.CandleCapacity
		if need := resampler.MinBaseCapacity(); capacity < need {
			log.Printf("[bot] raising %s capacity to %d to cover derived buckets", primary, need)
			capacity = need
		}
		candles.Register(primary, capacity)
		sink = resampler
	}

	// ---- Strategy ----
	strat, err := strategy.Resolve(cfg.Strategy, cfg.StrategyFile)
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}
	eval, err := strategy.NewRuleEvaluator(candles, cfg.Symbol, primary.Timeframe, strat)
	if err != nil {
		log.Fatalf("[bot] strategy %s: %v", strat.Name, err)
	}
	available := map[string]bool{}
	for _, tf := range append(append([]string{}, cfg.Timeframes...), cfg.DerivedTFs...) {
		available[tf] = true
	}
	for _, tf := range eval.Strategy().Timeframes() {
		if !available[tf] {
			log.Fatalf("[bot] strategy %s reads %s candles, which are neither streamed nor derived", strat.Name, tf)
		}
	}

	engine := strategy.NewEngine(strategy.Config{
		InstanceID:   cfg.InstanceID,
		Symbol:       cfg.Symbol,
		Timeframe:    primary.Timeframe,
		StrategyName: strat.Name,
		Risk: strategy.Risk{
			StopLoss:        cfg.StopLossPct / 100,
			StopGain:        cfg.StopGainPct / 100,
			Trail:           cfg.TrailPct / 100,
			TrailActivation: cfg.TrailActivationPct / 100,
			MinProfit:       cfg.MinProfitPct / 100,
			Fee:             cfg.FeePct / 100,
		},
	}, eval, store, notifier)
	engine.OnTick = func(outcome string, d time.Duration) {
		prom.Ticks.WithLabelValues(outcome).Inc()
		if outcome == strategy.OutcomeEvaluated {
			prom.TickDur.Observe(d.Seconds())
		}
		health.SetEngine(string(engine.State()), time.Now())
	}
	engine.OnOpen = func(model.Operation) {
		prom.OperationsOpened.Inc()
		prom.PositionOpen.Set(1)
	}
	engine.OnClose = func(op model.Operation, stats strategy.Stats) {
		result := "loss"
		if op.PL() > 0 {
			result = "win"
		}
		prom.OperationsClosed.WithLabelValues(result).Inc()
		prom.PositionOpen.Set(0)
		prom.CumulativeReturn.Set(stats.Return)
	}
	engine.OnLedgerError = func(error) { prom.LedgerFailures.Inc() }

	// ---- Stream ----
	manager, err := stream.New(stream.Config{
		URL:               cfg.StreamURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		SilenceWindow:     cfg.WatchdogSilence,
	}, sink)
	if err != nil {
		log.Fatalf("[bot] stream init failed: %v", err)
	}
	wireStream(ctx, manager, notifier, prom, health)

	// ---- Closed-candle archive ----
	var archive *candlearchive.Archive
	archiveCh := make(chan model.Candle, 1024)
	if cfg.ArchiveCandles {
		archive, err = candlearchive.New(archivePath(cfg.SQLitePath))
		if err != nil {
			log.Fatalf("[bot] archive init failed: %v", err)
		}
		defer archive.Close()
		archive.OnCommit = func(n int, took time.Duration) {
			prom.ArchivedCandles.Add(float64(n))
			prom.ArchiveCommitDur.Observe(took.Seconds())
		}
	}
	closed := func(c model.Candle) {
		prom.ClosedCandles.WithLabelValues(c.Key().String()).Inc()
		if archive == nil {
			return
		}
		select {
		case archiveCh <- c:
		default:
			log.Printf("[bot] archive queue full, dropping %s %d", c.Key(), c.PeriodStart)
		}
	}
	manager.OnClosedCandle = closed
	if resampler != nil {
		resampler.OnDerived = func(c model.Candle) {
			if c.Closed {
				closed(c)
			}
		}
	}

	// ---- Admin ----
	admin.NewHandler(engine, manager, cfg.AdminTOTPSecret).Register(srv)
	srv.Start()

	// ---- Warm-up, then restore, then go live ----
	rest, err := history.NewClient(history.ClientConfig{BaseURL: cfg.RestURL, RequestsPerSecond: cfg.RestRatePerSec})
	if err != nil {
		log.Fatalf("[bot] history client: %v", err)
	}
	for _, tf := range cfg.Timeframes {
		key := model.NewSeriesKey(cfg.Symbol, tf)
		n, err := history.Warmup(ctx, rest, sink, key, cfg.WarmupLimit)
		if err != nil {
			log.Printf("[bot] WARNING: %v (strategy will wait for live candles)", err)
			continue
		}
		prom.HistoryCandlesTotal.Add(float64(n))
	}

	if err := engine.Restore(ctx); err != nil {
		log.Printf("[bot] WARNING: restore failed, starting flat: %v", err)
	}
	if engine.State() == strategy.StateInPosition {
		prom.PositionOpen.Set(1)
	}
	prom.CumulativeReturn.Set(engine.Stats().Return)
	health.SetEngine(string(engine.State()), time.Time{})
	for _, tf := range cfg.Timeframes {
		if err := manager.Subscribe(stream.KlineChannel(cfg.Symbol, tf)); err != nil {
			log.Fatalf("[bot] subscribe %s: %v", tf, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		notifier.Run(gctx)
		return nil
	})
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx, cfg.EvalInterval) })
	g.Go(func() error {
		health.RunLivenessChecker(gctx, redisPinger, sqlStore, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var seen int64
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := manager.Stats()
				prom.StreamMessages.Add(float64(st.Messages - seen))
				seen = st.Messages
				if !st.LastMessage.IsZero() {
					health.SetLastMessage(st.LastMessage)
				}
			}
		}
	})
	if archive != nil {
		g.Go(func() error {
			archive.Run(gctx, archiveCh)
			return nil
		})
	}

	log.Printf("[bot] running strategy %s on %s every %s", strat.Name, primary, cfg.EvalInterval)
	err = g.Wait()

	log.Println("[bot] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	st := engine.Stats()
	log.Printf("[bot] stopped: state=%s operations=%d wins=%d return=%.4f", engine.State(), st.Count, st.Wins, st.Return)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[bot] %v", err)
	}
}

// archivePath places the candle archive next to the ledger database.
func archivePath(ledgerPath string) string {
	return filepath.Join(filepath.Dir(ledgerPath), "candles.db")
}
