package coins

import (
	"context"
	"time"

	"coinsync/internal/domain"
)

// GapFillStage re-checks assets that already have history and fetches
// whatever has appeared since their watermark. Assets never synced are left
// to HistoryStage.
type GapFillStage struct {
	syncer
}

// NewGapFillStage creates a GapFillStage. DeepHistoryDays is ignored.
func NewGapFillStage(cfg StageConfig) *GapFillStage {
	return &GapFillStage{syncer: newSyncer("gap-fill", cfg, gapFillWindow)}
}

// Process re-checks assets with at most maxConcurrency concurrent workers.
func (g *GapFillStage) Process(ctx context.Context, assets []domain.Asset, maxConcurrency int) []domain.SyncResult {
	g.log.Info("stage started", "assets", len(assets), "workers", maxConcurrency)
	return g.runPool(ctx, assets, maxConcurrency)
}

// ProcessResults re-checks the assets named by a previous stage's results.
func (g *GapFillStage) ProcessResults(ctx context.Context, prev []domain.SyncResult, maxConcurrency int) []domain.SyncResult {
	return g.Process(ctx, assetsFromResults(prev), maxConcurrency)
}

func gapFillWindow(last time.Time, ok bool, now time.Time) (time.Time, domain.SkipReason) {
	if !ok {
		return time.Time{}, domain.SkipNoWatermark
	}
	from := nextDay(last)
	if !from.Before(now) {
		return time.Time{}, domain.SkipUpToDate
	}
	return from, domain.SkipNone
}

func assetsFromResults(results []domain.SyncResult) []domain.Asset {
	assets := make([]domain.Asset, 0, len(results))
	for _, r := range results {
		assets = append(assets, r.Asset())
	}
	return assets
}
