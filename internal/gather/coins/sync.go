// Package coins implements the crypto ingestion pipeline: universe
// discovery, incremental history sync keyed by each asset's watermark, and
// a gap-filling pass over the same assets.
package coins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coinsync/internal/domain"
	"coinsync/internal/store"
	"coinsync/internal/util"
)

// HistoryProvider is the detailed-history API as seen by the sync stages.
type HistoryProvider interface {
	IsSupported(pair string) bool
	FetchCandles(ctx context.Context, pair string, from time.Time) ([]domain.Candle, error)
	FetchDailyStats(ctx context.Context, pair string) (*domain.DailyStats, error)
}

// UniverseProvider is the ranking API as seen by the universe stage.
type UniverseProvider interface {
	FetchTop(ctx context.Context) ([]domain.Asset, error)
}

// DefaultMaxWorkers bounds per-asset concurrency when callers pass zero.
const DefaultMaxWorkers = 20

// StageConfig holds the collaborators shared by the history and gap-fill
// stages.
type StageConfig struct {
	Store    store.Store
	Provider HistoryProvider
	Sink     store.StatsSink // optional
	Quote    string          // USDT
	Clock    util.Clock
	Logger   *slog.Logger

	// DeepHistoryDays is how far back the history stage reaches for an
	// asset with no stored candles.
	DeepHistoryDays int
}

// windowPolicy turns an asset's watermark into the start of its fetch
// window, or a reason to skip it.
type windowPolicy func(last time.Time, ok bool, now time.Time) (time.Time, domain.SkipReason)

// syncer runs one fetch-and-persist unit of work per asset.
type syncer struct {
	stage    string
	store    store.Store
	provider HistoryProvider
	sink     store.StatsSink
	quote    string
	clock    util.Clock
	log      *slog.Logger
	window   windowPolicy
}

func newSyncer(stage string, cfg StageConfig, window windowPolicy) syncer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	quote := cfg.Quote
	if quote == "" {
		quote = domain.DefaultQuote
	}
	return syncer{
		stage:    stage,
		store:    cfg.Store,
		provider: cfg.Provider,
		sink:     cfg.Sink,
		quote:    strings.ToUpper(quote),
		clock:    util.ClockOrSystem(cfg.Clock),
		log:      log.With("stage", stage),
		window:   window,
	}
}

// runPool feeds assets to at most maxConcurrency workers and returns one
// result per processed asset in completion order. Once ctx is cancelled
// workers stop picking up new assets.
func (s *syncer) runPool(ctx context.Context, assets []domain.Asset, maxConcurrency int) []domain.SyncResult {
	start := time.Now()
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxWorkers
	}

	assetCh := make(chan domain.Asset, len(assets))
	for _, a := range assets {
		assetCh <- a
	}
	close(assetCh)

	resultCh := make(chan domain.SyncResult, len(assets))
	var wg sync.WaitGroup

	workers := min(maxConcurrency, len(assets))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range assetCh {
				if ctx.Err() != nil {
					return
				}
				resultCh <- s.syncAsset(ctx, a)
			}
		}()
	}

	wg.Wait()
	close(resultCh)

	results := make([]domain.SyncResult, 0, len(assets))
	for r := range resultCh {
		results = append(results, r)
	}

	sum := domain.Summarize(s.stage, len(assets), results, time.Since(start))
	s.log.Info("stage complete",
		"assets", sum.Input,
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"candles", sum.Candles,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	return results
}

// syncAsset fetches and persists new history and the 24h snapshot for one
// asset. It never returns an error: failures are logged and reported as a
// zero-count result carrying Err.
func (s *syncer) syncAsset(ctx context.Context, asset domain.Asset) (res domain.SyncResult) {
	symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
	pair := domain.Pair(symbol, s.quote)
	log := s.log.With("symbol", symbol, "pair", pair)

	fail := func(err error) domain.SyncResult {
		log.Error("asset sync failed", "err", err)
		return domain.SyncResult{Symbol: symbol, Pair: pair, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if !s.provider.IsSupported(pair) {
		log.Debug("pair not listed, skipping")
		return domain.SyncResult{Symbol: symbol, Pair: pair, Skipped: domain.SkipUnsupported}
	}

	sess, err := s.store.Acquire(ctx)
	if err != nil {
		return fail(err)
	}
	defer sess.Close()

	last, ok, err := sess.LastDate(ctx, symbol)
	if err != nil {
		return fail(err)
	}

	from, skip := s.window(last, ok, s.clock.Now())
	if skip != domain.SkipNone {
		log.Debug("nothing to fetch", "reason", skip)
		return domain.SyncResult{Symbol: symbol, Pair: pair, Skipped: skip}
	}
	if ok {
		log.Debug("resuming from watermark", "watermark", last.Format(domain.DateLayout), "from", from.Format(domain.DateLayout))
	} else {
		log.Debug("no stored history", "from", from.Format(domain.DateLayout))
	}

	candles, err := s.provider.FetchCandles(ctx, pair, from)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		log.Warn("candle pagination stopped early", "fetched", len(candles), "err", err)
	}
	if len(candles) > 0 {
		// The watermark is read back by symbol.
		for i := range candles {
			candles[i].Symbol = symbol
		}
		if err := sess.UpsertCandles(ctx, candles); err != nil {
			return fail(err)
		}
	}

	stats, err := s.provider.FetchDailyStats(ctx, pair)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		log.Warn("daily stats unavailable", "err", err)
		stats = nil
	}
	if stats != nil {
		if err := sess.UpsertStats(ctx, *stats); err != nil {
			return fail(err)
		}
		if s.sink != nil {
			if err := s.sink.MirrorStats(ctx, *stats); err != nil {
				log.Warn("mirroring stats failed", "err", err)
			}
		}
	}

	if len(candles) > 0 {
		log.Info("synced", "candles", len(candles), "from", from.Format(domain.DateLayout))
	}
	return domain.SyncResult{Symbol: symbol, Pair: pair, CandleCount: len(candles), Stats: stats}
}
