package strategy

import (
	"fmt"
	"strings"
	"time"

	"candlebot/internal/model"
)

const dateLayout = "02/01/06 15:04"

func pct(f float64) string { return fmt.Sprintf("%.2f%%", f*100) }

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(dateLayout)
}

func configBanner(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONFIGURATION %s\n", cfg.StrategyName)
	fmt.Fprintf(&b, "INSTANCE......: %s\n", cfg.InstanceID)
	fmt.Fprintf(&b, "SYMBOL........: %s\n", strings.ToUpper(cfg.Symbol))
	fmt.Fprintf(&b, "INTERVAL......: %s\n", cfg.Timeframe)
	fmt.Fprintf(&b, "STOP LOSS.....: %s\n", pct(cfg.Risk.StopLoss))
	fmt.Fprintf(&b, "STOP GAIN.....: %s\n", pct(cfg.Risk.StopGain))
	fmt.Fprintf(&b, "TRAILING STOP.: %s (arms at +%s)\n", pct(cfg.Risk.Trail), pct(cfg.Risk.activation()))
	fmt.Fprintf(&b, "MINIMUM P/L...: ± %s\n", pct(cfg.Risk.MinProfit))
	fmt.Fprintf(&b, "FEE...........: %s", pct(cfg.Risk.Fee))
	return b.String()
}

func buyBlock(op *model.Operation, lv levels) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SYMBOL.......: %s\n", strings.ToUpper(op.Symbol))
	fmt.Fprintf(&b, "BUY PRICE....: %.4f (signal %.4f)\n", op.EntryPrice, op.EntryPriceRequested)
	fmt.Fprintf(&b, "BUY DATE.....: %s\n", fmtTime(op.EntryTime))
	fmt.Fprintf(&b, "BUY CRITERIA.: %s\n", op.EntryReason)
	fmt.Fprintf(&b, "STOP LOSS....: %.4f\n", lv.stopLoss)
	fmt.Fprintf(&b, "STOP GAIN....: %.4f\n", lv.stopGain)
	fmt.Fprintf(&b, "TRAIL ARMS AT: %.4f\n", lv.trailTrigger)
	b.WriteString("P/L..........: N/A")
	return b.String()
}

func closeBlock(op *model.Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SYMBOL.......: %s\n", strings.ToUpper(op.Symbol))
	fmt.Fprintf(&b, "BUY PRICE....: %.4f\n", op.EntryPrice)
	fmt.Fprintf(&b, "BUY DATE.....: %s\n", fmtTime(op.EntryTime))
	fmt.Fprintf(&b, "BUY CRITERIA.: %s\n", op.EntryReason)
	fmt.Fprintf(&b, "SELL PRICE...: %.4f (signal %.4f)\n", op.ExitPrice, op.ExitPriceRequested)
	fmt.Fprintf(&b, "SELL DATE....: %s\n", fmtTime(op.ExitTime))
	fmt.Fprintf(&b, "SELL CRITERIA: %s\n", op.ExitReason)
	fmt.Fprintf(&b, "P/L..........: %s", pct(op.PL()))
	return b.String()
}

func resultBlock(s Stats) string {
	return fmt.Sprintf("RESULT.......: %.3f%%\nGAINS........: %d/%d", (s.Return-1)*100, s.Wins, s.Count)
}

func trailNotice(price, trail float64) string {
	return fmt.Sprintf("Trailing stop armed at %.4f (%s)", price, pct(trail))
}
