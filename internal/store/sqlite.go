package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coinsync/internal/domain"
	"coinsync/internal/store/migrations"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Backend = (*SQLiteStore)(nil)
var _ Session = (*sqliteSession)(nil)

// SQLiteStore implements Backend on a single SQLite database file. Sessions
// are dedicated connections from the shared pool; WAL mode plus a busy
// timeout lets concurrent workers write without SQLITE_BUSY failures.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// embedded migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dbPath, err)
	}

	stmts, err := migrations.Statements(migrations.SQLiteFS, "sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Acquire reserves a dedicated connection for one unit of work.
func (s *SQLiteStore) Acquire(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	return &sqliteSession{conn: conn}, nil
}

// ---------------------------------------------------------------------------
// Session implementation
// ---------------------------------------------------------------------------

type sqliteSession struct {
	conn *sql.Conn
}

func (s *sqliteSession) Close() error {
	err := s.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

func (s *sqliteSession) LastDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	var last sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(date) FROM candles WHERE symbol = ?`,
		strings.ToUpper(symbol),
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last date for %s: %w", symbol, err)
	}
	if !last.Valid || last.String == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(domain.DateLayout, last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last date %q for %s: %w", last.String, symbol, err)
	}
	return d, true, nil
}

func (s *sqliteSession) UpsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert candles", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candles (symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx,
				strings.ToUpper(c.Symbol), c.DateString(),
				c.Open, c.High, c.Low, c.Close, c.Volume,
			); err != nil {
				return fmt.Errorf("%s %s: %w", c.Symbol, c.DateString(), err)
			}
		}
		return nil
	})
}

func (s *sqliteSession) UpsertStats(ctx context.Context, st domain.DailyStats) error {
	return s.inTx(ctx, "upsert stats", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_stats (symbol, last_price, high_24h, low_24h, volume_24h, liquidity)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol) DO UPDATE SET
				last_price = excluded.last_price,
				high_24h = excluded.high_24h,
				low_24h = excluded.low_24h,
				volume_24h = excluded.volume_24h,
				liquidity = excluded.liquidity`,
			strings.ToUpper(st.Symbol), st.LastPrice, st.High24h, st.Low24h, st.Volume24h, st.Liquidity,
		)
		return err
	})
}

func (s *sqliteSession) UpsertAssets(ctx context.Context, assets []domain.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert assets", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO assets (id, symbol, name, market_cap, market_cap_rank)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				symbol = excluded.symbol,
				name = excluded.name,
				market_cap = excluded.market_cap,
				market_cap_rank = excluded.market_cap_rank`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range assets {
			if _, err := stmt.ExecContext(ctx,
				a.ID, a.Symbol, a.Name, nullFloat(a.MarketCap), nullInt(a.MarketCapRank),
			); err != nil {
				return fmt.Errorf("asset %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// inTx runs fn inside a transaction on the session's connection, committing
// on success and rolling back on any error.
func (s *sqliteSession) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%s: %w (rollback: %v)", op, err, rbErr)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HistoryReader implementation
// ---------------------------------------------------------------------------

// ListAssets returns every stored asset ordered by market-cap rank.
func (s *SQLiteStore) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, name, market_cap, market_cap_rank
		FROM assets
		ORDER BY market_cap_rank IS NULL, market_cap_rank, id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var (
			a    domain.Asset
			mcap sql.NullFloat64
			rank sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &mcap, &rank); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if mcap.Valid {
			v := mcap.Float64
			a.MarketCap = &v
		}
		if rank.Valid {
			v := int(rank.Int64)
			a.MarketCapRank = &v
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ListSymbols returns every symbol with stored candles, sorted.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ReadCandles returns candles for symbol within [start, end], oldest first.
func (s *SQLiteStore) ReadCandles(ctx context.Context, symbol string, start, end time.Time) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, date, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		strings.ToUpper(symbol), start.UTC().Format(domain.DateLayout), end.UTC().Format(domain.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("read candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var (
			c    domain.Candle
			date string
		)
		if err := rows.Scan(&c.Symbol, &date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		if c.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parse candle date %q: %w", date, err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// CountCandles returns how many candles are stored for symbol.
func (s *SQLiteStore) CountCandles(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ?`, strings.ToUpper(symbol),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count candles for %s: %w", symbol, err)
	}
	return n, nil
}

// GetStats returns the latest 24h snapshot for symbol.
func (s *SQLiteStore) GetStats(ctx context.Context, symbol string) (*domain.DailyStats, error) {
	st := &domain.DailyStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, last_price, high_24h, low_24h, volume_24h, liquidity
		FROM daily_stats WHERE symbol = ?`, strings.ToUpper(symbol),
	).Scan(&st.Symbol, &st.LastPrice, &st.High24h, &st.Low24h, &st.Volume24h, &st.Liquidity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats for %s: %w", symbol, err)
	}
	return st, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
