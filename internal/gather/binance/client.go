// Package binance is the detailed-history provider client: it knows which
// trading pairs exist, pages through daily klines and reads 24h tickers.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"coinsync/internal/domain"
	"coinsync/internal/util"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	defaultPageLimit = 1000
	dayMillis        = int64(24 * time.Hour / time.Millisecond)

	exchangeInfoPath = "/api/v3/exchangeInfo"
	klinesPath       = "/api/v3/klines"
	tickerPath       = "/api/v3/ticker/24hr"
)

// Options configures a Client. Zero values fall back to the defaults noted
// on each field.
type Options struct {
	BaseURL       string            // https://api.binance.com
	Quote         string            // USDT
	CachePath     string            // supported-pairs cache; empty disables caching
	PageLimit     int               // klines per page, 1000
	Limiter       *util.RateLimiter // shared by every request this client makes
	CandleTimeout time.Duration     // per klines page, 7s
	Timeout       time.Duration     // exchangeInfo and ticker, 5s
	Clock         util.Clock
	Logger        *slog.Logger
}

// Client talks to a Binance-style market-data API. It is safe for
// concurrent use by many workers.
type Client struct {
	http          *resty.Client
	quote         string
	pageLimit     int
	limiter       *util.RateLimiter
	candleTimeout time.Duration
	timeout       time.Duration
	clock         util.Clock
	log           *slog.Logger

	pairs map[string]struct{} // read-only after New
}

// New creates a Client and loads the supported-pairs set, from the cache
// file when it is readable and from the exchange otherwise. Failing to reach
// the exchange leaves the set empty; it is never an error.
func New(ctx context.Context, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Quote == "" {
		opts.Quote = domain.DefaultQuote
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.CandleTimeout <= 0 {
		opts.CandleTimeout = 7 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		http:          resty.New().SetBaseURL(strings.TrimRight(opts.BaseURL, "/")),
		quote:         strings.ToUpper(opts.Quote),
		pageLimit:     opts.PageLimit,
		limiter:       opts.Limiter,
		candleTimeout: opts.CandleTimeout,
		timeout:       opts.Timeout,
		clock:         util.ClockOrSystem(opts.Clock),
		log:           opts.Logger.With("provider", "binance"),
	}
	c.pairs = c.loadSupportedPairs(ctx, opts.CachePath)
	return c
}

// Quote returns the quote currency pairs are formed with.
func (c *Client) Quote() string { return c.quote }

// SupportedCount returns the size of the supported-pairs set.
func (c *Client) SupportedCount() int { return len(c.pairs) }

// IsSupported reports whether pair is listed on the exchange.
func (c *Client) IsSupported(pair string) bool {
	_, ok := c.pairs[strings.ToUpper(pair)]
	return ok
}

// ---------------------------------------------------------------------------
// Supported pairs
// ---------------------------------------------------------------------------

type exchangeInfo struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
	} `json:"symbols"`
}

func (c *Client) loadSupportedPairs(ctx context.Context, cachePath string) map[string]struct{} {
	if cachePath != "" {
		pairs, err := readPairsCache(cachePath)
		switch {
		case err == nil && len(pairs) > 0:
			c.log.Info("loaded supported pairs from cache", "path", cachePath, "pairs", len(pairs))
			return pairs
		case err != nil && !errors.Is(err, os.ErrNotExist):
			c.log.Warn("unreadable pairs cache, refetching", "path", cachePath, "err", err)
		}
	}

	var info exchangeInfo
	if err := c.get(ctx, c.timeout, exchangeInfoPath, nil, &info); err != nil {
		c.log.Error("fetching exchange info failed", "err", err)
		return map[string]struct{}{}
	}

	pairs := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Symbol != "" {
			pairs[strings.ToUpper(s.Symbol)] = struct{}{}
		}
	}
	c.log.Info("fetched supported pairs", "pairs", len(pairs))

	if cachePath != "" {
		if err := writePairsCache(cachePath, pairs); err != nil {
			c.log.Warn("saving pairs cache failed", "path", cachePath, "err", err)
		}
	}
	return pairs
}

func readPairsCache(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	pairs := make(map[string]struct{}, len(list))
	for _, p := range list {
		pairs[strings.ToUpper(p)] = struct{}{}
	}
	return pairs, nil
}

// writePairsCache writes the set as a sorted JSON array. Concurrent writers
// race benignly: the last rename wins and every version is complete.
func writePairsCache(path string, pairs map[string]struct{}) error {
	list := make([]string, 0, len(pairs))
	for p := range pairs {
		list = append(list, p)
	}
	sort.Strings(list)

	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ---------------------------------------------------------------------------
// Candles
// ---------------------------------------------------------------------------

// FetchCandles pages through daily klines for pair starting at from until
// the exchange returns an empty page or the cursor reaches now. Candles are
// labelled with the pair's base ticker.
//
// A failing page ends pagination: the rows gathered so far are returned
// together with the error that stopped the loop. Unsupported pairs return
// nothing without touching the network.
func (c *Client) FetchCandles(ctx context.Context, pair string, from time.Time) ([]domain.Candle, error) {
	pair = strings.ToUpper(pair)
	if !c.IsSupported(pair) {
		return nil, nil
	}

	base := strings.TrimSuffix(pair, c.quote)
	cursor := from.UnixMilli()
	nowMs := c.clock.Now().UnixMilli()

	var candles []domain.Candle
	for cursor < nowMs {
		if err := c.limiter.Wait(ctx); err != nil {
			return candles, err
		}

		var rows []kline
		err := c.get(ctx, c.candleTimeout, klinesPath, map[string]string{
			"symbol":    pair,
			"interval":  "1d",
			"limit":     fmt.Sprint(c.pageLimit),
			"startTime": fmt.Sprint(cursor),
		}, &rows)
		if err != nil {
			return candles, fmt.Errorf("klines %s from %d: %w", pair, cursor, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, r := range rows {
			candles = append(candles, r.candle(base))
		}

		next := rows[len(rows)-1].OpenTime + dayMillis
		if next <= cursor {
			return candles, fmt.Errorf("klines %s: cursor did not advance past %d", pair, cursor)
		}
		cursor = next
	}
	return candles, nil
}

// ---------------------------------------------------------------------------
// 24h statistics
// ---------------------------------------------------------------------------

// FetchDailyStats reads the 24h ticker for pair. Unsupported pairs return
// nil without a request.
func (c *Client) FetchDailyStats(ctx context.Context, pair string) (*domain.DailyStats, error) {
	pair = strings.ToUpper(pair)
	if !c.IsSupported(pair) {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var t ticker
	if err := c.get(ctx, c.timeout, tickerPath, map[string]string{"symbol": pair}, &t); err != nil {
		return nil, fmt.Errorf("ticker %s: %w", pair, err)
	}
	st := t.stats(pair)
	return &st, nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// get issues one GET bounded by timeout and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, timeout time.Duration, path string, query map[string]string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
