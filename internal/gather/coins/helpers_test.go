package coins

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coinsync/internal/domain"
	"coinsync/internal/gather/binance"
	"coinsync/internal/gather/binance/binancetest"
	"coinsync/internal/store"
	"coinsync/internal/util"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func jan(d int) time.Time { return day(2024, time.January, d) }

func candles(days ...int) []domain.Candle {
	var out []domain.Candle
	for _, d := range days {
		out = append(out, domain.Candle{Date: jan(d), Open: 1, High: 2, Low: 0.5, Close: float64(d), Volume: 100})
	}
	return out
}

// env is a history provider stub, a client pinned to now and a fresh SQLite
// store.
type env struct {
	srv    *binancetest.Server
	client *binance.Client
	store  *store.SQLiteStore
	now    time.Time
}

func newEnv(t *testing.T, now time.Time, pairs ...string) *env {
	t.Helper()
	srv := binancetest.NewServer(pairs...)
	t.Cleanup(srv.Close)

	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := binance.New(context.Background(), binance.Options{
		BaseURL: srv.URL,
		Clock:   util.FixedClock(now),
		Logger:  util.Discard(),
	})
	return &env{srv: srv, client: client, store: s, now: now}
}

func (e *env) config(s store.Store) StageConfig {
	if s == nil {
		s = e.store
	}
	return StageConfig{
		Store:    s,
		Provider: e.client,
		Clock:    util.FixedClock(e.now),
		Logger:   util.Discard(),
	}
}

// seed stores candles directly, bypassing the pipeline.
func (e *env) seed(t *testing.T, symbol string, days ...int) {
	t.Helper()
	sess, err := e.store.Acquire(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	cs := candles(days...)
	for i := range cs {
		cs[i].Symbol = symbol
	}
	require.NoError(t, sess.UpsertCandles(context.Background(), cs))
}

func (e *env) watermark(t *testing.T, symbol string) (time.Time, bool) {
	t.Helper()
	sess, err := e.store.Acquire(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	last, ok, err := sess.LastDate(context.Background(), symbol)
	require.NoError(t, err)
	return last, ok
}

func (e *env) count(t *testing.T, symbol string) int {
	t.Helper()
	n, err := e.store.CountCandles(context.Background(), symbol)
	require.NoError(t, err)
	return n
}

func asset(id, symbol string) domain.Asset {
	return domain.Asset{ID: id, Symbol: symbol, Name: id}
}

func resultFor(results []domain.SyncResult, symbol string) (domain.SyncResult, bool) {
	for _, r := range results {
		if r.Symbol == symbol {
			return r, true
		}
	}
	return domain.SyncResult{}, false
}

// ---------------------------------------------------------------------------
// Fault injection
// ---------------------------------------------------------------------------

var errInjected = errors.New("injected storage failure")

// faultyStore wraps a Store, failing selected operations and counting
// session lifecycles.
type faultyStore struct {
	store.Store
	failCandlesFor string
	failAssets     bool
	failAcquire    bool

	acquired atomic.Int32
	closed   atomic.Int32
}

func (f *faultyStore) Acquire(ctx context.Context) (store.Session, error) {
	if f.failAcquire {
		return nil, errInjected
	}
	sess, err := f.Store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f.acquired.Add(1)
	return &faultySession{Session: sess, parent: f}, nil
}

type faultySession struct {
	store.Session
	parent *faultyStore
	once   sync.Once
}

func (s *faultySession) UpsertCandles(ctx context.Context, cs []domain.Candle) error {
	if len(cs) > 0 && cs[0].Symbol == s.parent.failCandlesFor {
		return errInjected
	}
	return s.Session.UpsertCandles(ctx, cs)
}

func (s *faultySession) UpsertAssets(ctx context.Context, assets []domain.Asset) error {
	if s.parent.failAssets {
		return errInjected
	}
	return s.Session.UpsertAssets(ctx, assets)
}

func (s *faultySession) Close() error {
	s.once.Do(func() { s.parent.closed.Add(1) })
	return s.Session.Close()
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type stubUniverse struct {
	assets []domain.Asset
	err    error
}

func (s stubUniverse) FetchTop(context.Context) ([]domain.Asset, error) {
	return append([]domain.Asset(nil), s.assets...), s.err
}

// fixedProvider ignores the requested window and always returns the same
// candles, which makes every call overlap the stored history.
type fixedProvider struct {
	days []int

	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
}

func (p *fixedProvider) IsSupported(string) bool { return true }

func (p *fixedProvider) FetchCandles(ctx context.Context, pair string, from time.Time) ([]domain.Candle, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if err := util.Sleep(ctx, p.delay); err != nil {
		return nil, err
	}
	return candles(p.days...), nil
}

func (p *fixedProvider) FetchDailyStats(context.Context, string) (*domain.DailyStats, error) {
	return nil, nil
}

type recordingSink struct {
	mu    sync.Mutex
	stats []domain.DailyStats
}

func (r *recordingSink) MirrorStats(_ context.Context, st domain.DailyStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, st)
	return nil
}
