package coins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coinsync/internal/domain"
	"coinsync/internal/store"
)

// UniverseStage builds the canonical asset list from the ranking provider
// and refreshes the asset table with it.
type UniverseStage struct {
	provider UniverseProvider
	store    store.Store
	log      *slog.Logger
}

// NewUniverseStage creates a UniverseStage.
func NewUniverseStage(p UniverseProvider, s store.Store, log *slog.Logger) *UniverseStage {
	if log == nil {
		log = slog.Default()
	}
	return &UniverseStage{provider: p, store: s, log: log.With("stage", "universe")}
}

// Process fetches the ranked universe, keeps records that carry a market
// cap and every mandatory field, and upserts them. A failed upsert is logged
// and the list is still returned. Errors mean the run cannot continue:
// cancellation, or a store that cannot hand out a session.
func (u *UniverseStage) Process(ctx context.Context) ([]domain.Asset, error) {
	start := time.Now()
	u.log.Info("stage started")

	raw, err := u.provider.FetchTop(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching universe: %w", err)
	}

	assets, noCap, invalid := filterAssets(raw)
	for _, a := range invalid {
		u.log.Warn("skipping record with missing fields", "id", a.ID, "symbol", a.Symbol, "name", a.Name)
	}
	if noCap > 0 {
		u.log.Info("dropped records without market cap", "dropped", noCap)
	}

	sess, err := u.store.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring store session: %w", err)
	}
	defer sess.Close()

	if err := sess.UpsertAssets(ctx, assets); err != nil {
		u.log.Error("persisting assets failed", "assets", len(assets), "err", err)
	} else {
		u.log.Info("assets persisted", "assets", len(assets))
	}

	u.log.Info("stage complete",
		"fetched", len(raw),
		"kept", len(assets),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return assets, nil
}

// filterAssets drops records without a positive market cap (counted) and
// records missing id, symbol or name (returned for logging). Duplicate ids
// keep the first, highest-ranked, occurrence.
func filterAssets(raw []domain.Asset) (kept []domain.Asset, noCap int, invalid []domain.Asset) {
	seen := make(map[string]struct{}, len(raw))
	for _, a := range raw {
		if a.MarketCap == nil || *a.MarketCap <= 0 {
			noCap++
			continue
		}
		a.ID = strings.TrimSpace(a.ID)
		a.Symbol = strings.TrimSpace(a.Symbol)
		a.Name = strings.TrimSpace(a.Name)
		if a.ID == "" || a.Symbol == "" || a.Name == "" {
			invalid = append(invalid, a)
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		kept = append(kept, a)
	}
	return kept, noCap, invalid
}
