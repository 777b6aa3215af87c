package binance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinsync/internal/domain"
	"coinsync/internal/gather/binance/binancetest"
	"coinsync/internal/util"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func candlesFor(days ...int) []domain.Candle {
	var out []domain.Candle
	for _, d := range days {
		out = append(out, domain.Candle{Date: day(d), Open: 1, High: 2, Low: 0.5, Close: float64(d), Volume: 10})
	}
	return out
}

func newClient(t *testing.T, srv *binancetest.Server, now time.Time, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL: srv.URL,
		Clock:   util.FixedClock(now),
		Logger:  util.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(context.Background(), opts)
}

func TestNewFetchesAndCachesPairs(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT", "ETHUSDT")
	defer srv.Close()
	cache := filepath.Join(t.TempDir(), "data", "pairs.json")

	c := newClient(t, srv, day(4), func(o *Options) { o.CachePath = cache })
	assert.True(t, c.IsSupported("BTCUSDT"))
	assert.True(t, c.IsSupported("ethusdt"))
	assert.False(t, c.IsSupported("DOGEUSDT"))
	assert.Equal(t, 2, c.SupportedCount())

	data, err := os.ReadFile(cache)
	require.NoError(t, err)
	var list []string
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, list)

	// A second client trusts the cache and never calls exchangeInfo.
	c2 := newClient(t, srv, day(4), func(o *Options) { o.CachePath = cache })
	assert.True(t, c2.IsSupported("BTCUSDT"))
	assert.Equal(t, 1, srv.Requests("/api/v3/exchangeInfo"))
}

func TestNewCorruptCacheRefetches(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	cache := filepath.Join(t.TempDir(), "pairs.json")
	require.NoError(t, os.WriteFile(cache, []byte("{not json"), 0o644))

	c := newClient(t, srv, day(4), func(o *Options) { o.CachePath = cache })
	assert.True(t, c.IsSupported("BTCUSDT"))
	assert.Equal(t, 1, srv.Requests("/api/v3/exchangeInfo"))
}

func TestNewExchangeDownYieldsEmptySet(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.FailExchangeInfo()

	c := newClient(t, srv, day(4), nil)
	assert.Equal(t, 0, c.SupportedCount())
	assert.False(t, c.IsSupported("BTCUSDT"))
}

func TestFetchCandlesPaginates(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetCandles("BTCUSDT", candlesFor(1, 2, 3, 4, 5))

	c := newClient(t, srv, day(5), func(o *Options) { o.PageLimit = 2 })
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", day(1))
	require.NoError(t, err)

	// Pages: [1,2] [3,4]; cursor then reaches now (day 5) and stops.
	require.Len(t, got, 4)
	assert.Equal(t, 2, srv.Requests("/api/v3/klines"))
	for i, c := range got {
		assert.Equal(t, "BTC", c.Symbol)
		assert.Equal(t, day(i+1), c.Date)
	}
}

func TestFetchCandlesStopsOnEmptyPage(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetCandles("BTCUSDT", candlesFor(1, 2, 3))

	c := newClient(t, srv, day(20), func(o *Options) { o.PageLimit = 2 })
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", day(1))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 3, srv.Requests("/api/v3/klines"), "two data pages and one empty page")
}

func TestFetchCandlesUnsupportedMakesNoRequest(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()

	c := newClient(t, srv, day(5), nil)
	got, err := c.FetchCandles(context.Background(), "FOOUSDT", day(1))
	require.NoError(t, err)
	assert.Empty(t, got)
	st, err := c.FetchDailyStats(context.Background(), "FOOUSDT")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 0, srv.DataRequests())
}

func TestFetchCandlesFromNowIsEmpty(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetCandles("BTCUSDT", candlesFor(1, 2))

	c := newClient(t, srv, day(2), nil)
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", day(2))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, srv.Requests("/api/v3/klines"))
}

func TestFetchCandlesPageFailure(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.FailKlines("BTCUSDT")

	c := newClient(t, srv, day(5), nil)
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", day(1))
	assert.Error(t, err)
	assert.Empty(t, got)
}

func TestFetchCandlesHonorsCancellation(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetCandles("BTCUSDT", candlesFor(1, 2, 3))

	c := newClient(t, srv, day(5), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchCandles(ctx, "BTCUSDT", day(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, srv.Requests("/api/v3/klines"))
}

func TestFetchCandlesRateLimited(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetCandles("BTCUSDT", candlesFor(1, 2, 3, 4))

	interval := 40 * time.Millisecond
	c := newClient(t, srv, day(5), func(o *Options) {
		o.PageLimit = 1
		o.Limiter = util.NewRateLimiter(interval)
	})

	start := time.Now()
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", day(1))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.GreaterOrEqual(t, time.Since(start), 3*interval, "four pages need three waits")
}

func TestFetchDailyStats(t *testing.T) {
	srv := binancetest.NewServer("BTCUSDT")
	defer srv.Close()
	srv.SetStats("BTCUSDT", domain.DailyStats{LastPrice: 42000.5, High24h: 43000, Low24h: 41000, Volume24h: 1234.5, Liquidity: 5e7})

	c := newClient(t, srv, day(5), nil)
	st, err := c.FetchDailyStats(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, 42000.5, st.LastPrice)
	assert.Equal(t, 5e7, st.Liquidity)

	srv.FailTicker("BTCUSDT")
	st, err = c.FetchDailyStats(context.Background(), "BTCUSDT")
	assert.Error(t, err)
	assert.Nil(t, st)
}

func TestKlineDecoding(t *testing.T) {
	raw := `[[1704067200000,"42283.58","44184.10","42180.77","44179.55","27174.29903",1704153599999,"1169995189.65",1054394,"13781.75129","593191515.09","0"]]`
	var rows []kline
	require.NoError(t, json.Unmarshal([]byte(raw), &rows))
	require.Len(t, rows, 1)

	c := rows[0].candle("BTC")
	assert.Equal(t, day(1), c.Date)
	assert.Equal(t, 42283.58, c.Open)
	assert.Equal(t, 44179.55, c.Close)
	assert.Equal(t, 27174.29903, c.Volume)

	var bad []kline
	assert.Error(t, json.Unmarshal([]byte(`[[1,"2"]]`), &bad))
}
