package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinsync/internal/domain"
	"coinsync/internal/store/migrations"
	"coinsync/internal/util"
)

// Compile-time interface checks.
var _ Backend = (*PostgresStore)(nil)
var _ Session = (*postgresSession)(nil)

// PostgresStore implements Backend on a pgx connection pool. Every session
// holds one acquired pool connection until it is closed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection (retrying while the
// server starts up) and applies the embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := util.RetryIf(ctx, 5, 500*time.Millisecond, retryablePgError, func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	stmts, err := migrations.Statements(migrations.PostgresFS, "postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply postgres migration: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// retryablePgError reports whether a startup error may clear on its own.
// Rejected credentials (SQLSTATE class 28) and a missing database (3D000)
// will not.
func retryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return !strings.HasPrefix(pgErr.Code, "28") && pgErr.Code != "3D000"
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Acquire checks a connection out of the pool for one unit of work.
func (s *PostgresStore) Acquire(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}
	return &postgresSession{conn: conn}, nil
}

type postgresSession struct {
	conn *pgxpool.Conn
	once sync.Once
}

func (s *postgresSession) Close() error {
	s.once.Do(s.conn.Release)
	return nil
}

func (s *postgresSession) LastDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	var last *time.Time
	err := s.conn.QueryRow(ctx,
		`SELECT MAX(date) FROM candles WHERE symbol = $1`, strings.ToUpper(symbol),
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last date for %s: %w", symbol, err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return domain.DayStart(*last), true, nil
}

func (s *postgresSession) UpsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range candles {
			batch.Queue(`
				INSERT INTO candles (symbol, date, open, high, low, close, volume)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (symbol, date) DO UPDATE SET
					open = EXCLUDED.open,
					high = EXCLUDED.high,
					low = EXCLUDED.low,
					close = EXCLUDED.close,
					volume = EXCLUDED.volume`,
				strings.ToUpper(c.Symbol), domain.DayStart(c.Date),
				c.Open, c.High, c.Low, c.Close, c.Volume,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert candles: %w", err)
	}
	return nil
}

func (s *postgresSession) UpsertStats(ctx context.Context, st domain.DailyStats) error {
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO daily_stats (symbol, last_price, high_24h, low_24h, volume_24h, liquidity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (symbol) DO UPDATE SET
				last_price = EXCLUDED.last_price,
				high_24h = EXCLUDED.high_24h,
				low_24h = EXCLUDED.low_24h,
				volume_24h = EXCLUDED.volume_24h,
				liquidity = EXCLUDED.liquidity`,
			strings.ToUpper(st.Symbol), st.LastPrice, st.High24h, st.Low24h, st.Volume24h, st.Liquidity,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

func (s *postgresSession) UpsertAssets(ctx context.Context, assets []domain.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, a := range assets {
			batch.Queue(`
				INSERT INTO assets (id, symbol, name, market_cap, market_cap_rank)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					symbol = EXCLUDED.symbol,
					name = EXCLUDED.name,
					market_cap = EXCLUDED.market_cap,
					market_cap_rank = EXCLUDED.market_cap_rank`,
				a.ID, a.Symbol, a.Name, a.MarketCap, a.MarketCapRank,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert assets: %w", err)
	}
	return nil
}

// ListAssets returns every stored asset ordered by market-cap rank.
func (s *PostgresStore) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, name, market_cap, market_cap_rank
		FROM assets
		ORDER BY market_cap_rank ASC NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &a.MarketCap, &a.MarketCapRank); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ListSymbols returns every symbol with stored candles, sorted.
func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan symbols: %w", err)
	}
	return symbols, nil
}

// ReadCandles returns candles for symbol within [start, end], oldest first.
func (s *PostgresStore) ReadCandles(ctx context.Context, symbol string, start, end time.Time) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, date, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND date >= $2 AND date <= $3
		ORDER BY date`,
		strings.ToUpper(symbol), domain.DayStart(start), domain.DayStart(end),
	)
	if err != nil {
		return nil, fmt.Errorf("read candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Symbol, &c.Date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Date = domain.DayStart(c.Date)
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// CountCandles returns how many candles are stored for symbol.
func (s *PostgresStore) CountCandles(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = $1`, strings.ToUpper(symbol),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count candles for %s: %w", symbol, err)
	}
	return n, nil
}

// GetStats returns the latest 24h snapshot for symbol.
func (s *PostgresStore) GetStats(ctx context.Context, symbol string) (*domain.DailyStats, error) {
	st := &domain.DailyStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, last_price, high_24h, low_24h, volume_24h, liquidity
		FROM daily_stats WHERE symbol = $1`, strings.ToUpper(symbol),
	).Scan(&st.Symbol, &st.LastPrice, &st.High24h, &st.Low24h, &st.Volume24h, &st.Liquidity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats for %s: %w", symbol, err)
	}
	return st, nil
}
