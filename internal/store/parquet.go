package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"coinsync/internal/domain"
)

// ParquetArchive writes candle history to Parquet files on disk, one file per
// symbol and year:
//
//	<Dir>/<SYMBOL>/<YYYY>.parquet
type ParquetArchive struct {
	Dir string
}

// NewParquetArchive creates a ParquetArchive rooted at dir.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// CandleRecord is the Parquet schema for one daily candle.
type CandleRecord struct {
	Symbol string  `parquet:"symbol"`
	Date   int64   `parquet:"date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

// WriteCandles merges candles into the archive. Rows already on disk with
// the same (symbol, date) are replaced.
func (a *ParquetArchive) WriteCandles(_ context.Context, candles []domain.Candle) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]CandleRecord)
	for _, c := range candles {
		sym := strings.ToUpper(c.Symbol)
		d := domain.DayStart(c.Date)
		k := key{symbol: sym, year: d.Year()}
		groups[k] = append(groups[k], CandleRecord{
			Symbol: sym,
			Date:   d.UnixMilli(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}

	for k, records := range groups {
		path := a.path(k.symbol, k.year)

		existing, err := readParquetFile[CandleRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading archive %s: %w", path, err)
		}
		if err := writeParquetFile(path, mergeCandleRecords(existing, records)); err != nil {
			return fmt.Errorf("writing candles for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadCandles reads archived candles for symbol within [start, end].
func (a *ParquetArchive) ReadCandles(_ context.Context, symbol string, start, end time.Time) ([]domain.Candle, error) {
	from, to := domain.DayStart(start), domain.DayStart(end)

	var candles []domain.Candle
	for year := from.Year(); year <= to.Year(); year++ {
		records, err := readParquetFile[CandleRecord](a.path(symbol, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s/%d: %w", symbol, year, err)
		}

		for _, r := range records {
			d := time.UnixMilli(r.Date).UTC()
			if d.Before(from) || d.After(to) {
				continue
			}
			candles = append(candles, domain.Candle{
				Symbol: r.Symbol,
				Date:   d,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}
	return candles, nil
}

// ListSymbols returns the symbols that have at least one archive file.
func (a *ParquetArchive) ListSymbols() ([]string, error) {
	entries, err := os.ReadDir(a.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}

	var symbols []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, _ := filepath.Glob(filepath.Join(a.Dir, e.Name(), "*.parquet"))
		if len(files) > 0 {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// path returns the archive file for symbol and year.
func (a *ParquetArchive) path(symbol string, year int) string {
	return filepath.Join(a.Dir, strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeCandleRecords deduplicates by (symbol, date), preferring incoming
// records over existing ones. The result is sorted by date.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	type key struct {
		symbol string
		date   int64
	}
	seen := make(map[key]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Date}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Date}] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}
