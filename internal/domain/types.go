// Package domain defines the core records that flow through the ingestion
// pipeline: assets, daily candles, 24h statistics and per-asset sync results.
package domain

import (
	"strings"
	"time"
)

// DateLayout is the on-disk representation of a candle date.
const DateLayout = "2006-01-02"

// DefaultQuote is the quote currency appended to an asset ticker to form the
// history provider's trading pair.
const DefaultQuote = "USDT"

// Asset is a ranked tradable unit discovered by the universe stage.
type Asset struct {
	ID            string
	Symbol        string
	Name          string
	MarketCap     *float64
	MarketCapRank *int
}

// Pair returns the trading pair for the asset against the given quote.
func (a Asset) Pair(quote string) string { return Pair(a.Symbol, quote) }

// Pair forms a trading pair by upper-casing the ticker and appending quote.
func Pair(symbol, quote string) string {
	if quote == "" {
		quote = DefaultQuote
	}
	return strings.ToUpper(strings.TrimSpace(symbol)) + strings.ToUpper(quote)
}

// Candle is one trading day of OHLCV history for one asset. Candles are
// unique by (Symbol, Date).
type Candle struct {
	Symbol string
	Date   time.Time // UTC midnight
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// DateString returns the candle date in DateLayout form.
func (c Candle) DateString() string { return c.Date.UTC().Format(DateLayout) }

// DailyStats is the point-in-time 24h snapshot for one pair. Exactly one row
// per symbol is kept.
type DailyStats struct {
	Symbol    string
	LastPrice float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Liquidity float64 // quote-currency volume
}

// SkipReason explains why an asset produced no work in a sync stage.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipUnsupported SkipReason = "unsupported"
	SkipNoWatermark SkipReason = "no-watermark"
	SkipUpToDate    SkipReason = "up-to-date"
)

// SyncResult is the per-asset output of the history and gap-fill stages.
// Err is informational: it has already been logged and is never propagated.
type SyncResult struct {
	Symbol      string
	Pair        string
	CandleCount int
	Stats       *DailyStats
	Skipped     SkipReason
	Err         error
}

// Asset rebuilds the minimal asset identity carried by the result.
func (r SyncResult) Asset() Asset { return Asset{Symbol: r.Symbol} }

// StageSummary aggregates the outcome of one pipeline stage.
type StageSummary struct {
	Stage     string
	Input     int
	Processed int
	Skipped   int
	Failed    int
	Candles   int
	Elapsed   time.Duration
}

// Summarize folds a set of sync results into a StageSummary.
func Summarize(stage string, input int, results []SyncResult, elapsed time.Duration) StageSummary {
	s := StageSummary{Stage: stage, Input: input, Processed: len(results), Elapsed: elapsed}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Failed++
		case r.Skipped != SkipNone:
			s.Skipped++
		}
		s.Candles += r.CandleCount
	}
	return s
}

// RunSummary is the orchestrator's report for one full pipeline run.
type RunSummary struct {
	Stages  []StageSummary
	Elapsed time.Duration
}

// DayStart truncates t to UTC midnight.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
