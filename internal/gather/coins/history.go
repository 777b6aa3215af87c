package coins

import (
	"context"
	"time"

	"coinsync/internal/domain"
)

// DefaultDeepHistoryDays is the look-back for assets with no stored candles.
const DefaultDeepHistoryDays = 3650

// HistoryStage brings every supported asset up to date, starting the day
// after its watermark or, for never-synced assets, DeepHistoryDays back.
type HistoryStage struct {
	syncer
}

// NewHistoryStage creates a HistoryStage.
func NewHistoryStage(cfg StageConfig) *HistoryStage {
	days := cfg.DeepHistoryDays
	if days <= 0 {
		days = DefaultDeepHistoryDays
	}
	return &HistoryStage{syncer: newSyncer("history", cfg, historyWindow(days))}
}

// Process syncs assets with at most maxConcurrency concurrent workers.
func (h *HistoryStage) Process(ctx context.Context, assets []domain.Asset, maxConcurrency int) []domain.SyncResult {
	h.log.Info("stage started", "assets", len(assets), "workers", maxConcurrency)
	return h.runPool(ctx, assets, maxConcurrency)
}

func historyWindow(deepDays int) windowPolicy {
	return func(last time.Time, ok bool, now time.Time) (time.Time, domain.SkipReason) {
		if !ok {
			return domain.DayStart(now).AddDate(0, 0, -deepDays), domain.SkipNone
		}
		return nextDay(last), domain.SkipNone
	}
}

// nextDay returns the UTC midnight following the watermark day.
func nextDay(watermark time.Time) time.Time {
	return domain.DayStart(watermark).AddDate(0, 0, 1)
}
