package coins

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsync/internal/domain"
	"coinsync/internal/gather"
)

var _ gather.Gatherer = (*Pipeline)(nil)

// Pipeline runs UniverseStage, HistoryStage and GapFillStage in order,
// feeding each stage's output to the next.
type Pipeline struct {
	universe   *UniverseStage
	history    *HistoryStage
	gapFill    *GapFillStage
	maxWorkers int
	log        *slog.Logger
}

// NewPipeline wires the three stages together.
func NewPipeline(u *UniverseStage, h *HistoryStage, g *GapFillStage, maxWorkers int, log *slog.Logger) *Pipeline {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		universe:   u,
		history:    h,
		gapFill:    g,
		maxWorkers: maxWorkers,
		log:        log.With("gatherer", "coins"),
	}
}

// Name returns the gatherer identifier.
func (p *Pipeline) Name() string { return "coins" }

// Run executes one full pass of the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	_, err := p.Execute(ctx)
	return err
}

// Execute runs every stage once and reports per-stage counts. A stage-level
// error, including cancellation, ends the run; per-asset failures never do.
func (p *Pipeline) Execute(ctx context.Context) (domain.RunSummary, error) {
	runStart := time.Now()
	var summary domain.RunSummary
	finish := func() domain.RunSummary {
		summary.Elapsed = time.Since(runStart)
		return summary
	}

	// 1. Universe.
	stageStart := time.Now()
	assets, err := p.universe.Process(ctx)
	if err != nil {
		return finish(), fmt.Errorf("universe stage: %w", err)
	}
	summary.Stages = append(summary.Stages, domain.StageSummary{
		Stage:     "universe",
		Input:     len(assets),
		Processed: len(assets),
		Elapsed:   time.Since(stageStart),
	})
	p.logStage(summary.Stages[len(summary.Stages)-1])

	// 2. Incremental history.
	stageStart = time.Now()
	synced := p.history.Process(ctx, assets, p.maxWorkers)
	summary.Stages = append(summary.Stages, domain.Summarize("history", len(assets), synced, time.Since(stageStart)))
	p.logStage(summary.Stages[len(summary.Stages)-1])
	if err := ctx.Err(); err != nil {
		return finish(), fmt.Errorf("history stage: %w", err)
	}

	// 3. Gap-fill over the assets the history stage saw.
	stageStart = time.Now()
	filled := p.gapFill.ProcessResults(ctx, synced, p.maxWorkers)
	summary.Stages = append(summary.Stages, domain.Summarize("gap-fill", len(synced), filled, time.Since(stageStart)))
	p.logStage(summary.Stages[len(summary.Stages)-1])
	if err := ctx.Err(); err != nil {
		return finish(), fmt.Errorf("gap-fill stage: %w", err)
	}

	finish()
	p.log.Info("pipeline finished", "elapsed", summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}

func (p *Pipeline) logStage(s domain.StageSummary) {
	p.log.Info("stage boundary",
		"stage", s.Stage,
		"input", s.Input,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"candles", s.Candles,
		"elapsed", s.Elapsed.Round(time.Millisecond),
	)
}
