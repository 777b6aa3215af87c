package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"coinsync/internal/config"
	"coinsync/internal/gather/binance"
	"coinsync/internal/gather/coingecko"
	"coinsync/internal/gather/coins"
	"coinsync/internal/store"
	"coinsync/internal/util"
)

const defaultConfigPath = "config/coinsync.yaml"

// app carries what every command needs: the loaded config, the logger and
// the resources to release on exit.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	closers []io.Closer
}

// newApp loads .env, the YAML config and sets up logging. levelOverride
// replaces the configured level when non-empty.
func newApp(cfgPath, levelOverride string, stdout io.Writer) (*app, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	if cfgPath == "" {
		cfgPath = defaultConfigPath
		if p := os.Getenv("COINSYNC_CONFIG"); p != "" {
			cfgPath = p
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	if levelOverride != "" {
		cfg.Logging.Level = levelOverride
	}

	a := &app{cfg: cfg}

	w := stdout
	if cfg.Logging.File != "" {
		path := logFilePath(cfg.Logging.File, time.Now())
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		a.closers = append(a.closers, f)
		w = io.MultiWriter(stdout, f)
	}

	a.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(a.log)
	return a, nil
}

// logFilePath expands {date} in the configured log file name.
func logFilePath(pattern string, now time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", now.Format("2006-01-02"))
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

// backend opens the configured watermark store.
func (a *app) backend(ctx context.Context) (store.Backend, error) {
	b, err := store.Open(ctx, store.Options{
		Driver:      a.cfg.Storage.Driver,
		SQLitePath:  a.cfg.Storage.SQLitePath,
		PostgresDSN: a.cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", a.cfg.Storage.Driver, err)
	}
	a.closers = append(a.closers, b)
	a.log.Info("store opened", "driver", a.cfg.Storage.Driver)
	return b, nil
}

// redisMirror connects the Redis stats mirror when configured. It returns nil
// when redis.addr is empty or the server does not answer a ping.
func (a *app) redisMirror(ctx context.Context) *store.RedisStatsMirror {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.log.Warn("redis unreachable", "addr", a.cfg.Redis.Addr, "err", err)
		client.Close()
		return nil
	}

	mirror := store.NewRedisStatsMirror(client, a.cfg.Redis.TTL)
	a.closers = append(a.closers, mirror)
	return mirror
}

// statsSink returns the mirror as a pipeline sink. An unavailable Redis
// disables mirroring rather than failing the run.
func (a *app) statsSink(ctx context.Context) store.StatsSink {
	m := a.redisMirror(ctx)
	if m == nil {
		return nil
	}
	a.log.Info("stats mirror enabled", "addr", a.cfg.Redis.Addr)
	return m
}

// pipeline builds the provider clients and the three stages over b.
func (a *app) pipeline(ctx context.Context, b store.Store) *coins.Pipeline {
	h, u, p := a.cfg.History, a.cfg.Universe, a.cfg.Pipeline

	limiter := newLimiter(h)
	a.log.Info("history rate limit", "interval", limiter.Interval())

	history := binance.New(ctx, binance.Options{
		BaseURL:       h.BaseURL,
		Quote:         h.Quote,
		CachePath:     h.PairsCachePath,
		PageLimit:     h.PageLimit,
		Limiter:       limiter,
		CandleTimeout: h.CandleTimeout,
		Timeout:       h.Timeout,
		Logger:        a.log,
	})
	if history.SupportedCount() == 0 {
		a.log.Warn("no supported pairs known, every asset will be skipped")
	}

	universe := coingecko.New(coingecko.Options{
		BaseURL:   u.BaseURL,
		Currency:  u.Currency,
		Pages:     u.Pages,
		PerPage:   u.PerPage,
		PageDelay: u.PageDelay,
		Timeout:   u.Timeout,
		Logger:    a.log,
	})

	stageCfg := coins.StageConfig{
		Store:           b,
		Provider:        history,
		Sink:            a.statsSink(ctx),
		Quote:           history.Quote(),
		Logger:          a.log,
		DeepHistoryDays: h.DeepHistoryDays,
	}

	return coins.NewPipeline(
		coins.NewUniverseStage(universe, b, a.log),
		coins.NewHistoryStage(stageCfg),
		coins.NewGapFillStage(stageCfg),
		p.MaxWorkers,
		a.log,
	)
}

// newLimiter builds the history client's shared limiter. A per-minute budget
// wins over a fixed interval.
func newLimiter(h config.HistoryConfig) *util.RateLimiter {
	if h.RequestsPerMinute > 0 {
		return util.NewRateLimiterPerMinute(h.RequestsPerMinute)
	}
	return util.NewRateLimiter(h.RequestInterval)
}
