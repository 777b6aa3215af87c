//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"coinsync/internal/domain"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("coinsync"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	s := setupPostgres(t)
	sess := acquire(t, s)

	_, ok, err := sess.LastDate(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	batch := []domain.Candle{
		candle("btc", day(2024, 1, 1), 1),
		candle("btc", day(2024, 1, 2), 2),
		candle("btc", day(2024, 1, 3), 3),
	}
	require.NoError(t, sess.UpsertCandles(ctx, batch))
	require.NoError(t, sess.UpsertCandles(ctx, batch))

	last, ok, err := sess.LastDate(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(2024, 1, 3), last)

	n, err := s.CountCandles(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.ReadCandles(ctx, "BTC", day(2024, 1, 2), day(2024, 1, 3))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day(2024, 1, 2), got[0].Date)

	require.NoError(t, sess.UpsertStats(ctx, domain.DailyStats{Symbol: "BTCUSDT", LastPrice: 1}))
	require.NoError(t, sess.UpsertStats(ctx, domain.DailyStats{Symbol: "BTCUSDT", LastPrice: 2}))
	st, err := s.GetStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, st.LastPrice)

	_, err = s.GetStats(ctx, "NONE")
	assert.ErrorIs(t, err, ErrNotFound)

	mc, rank := 5.0, 3
	require.NoError(t, sess.UpsertAssets(ctx, []domain.Asset{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", MarketCap: &mc, MarketCapRank: &rank},
	}))
	assets, err := s.ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, 3, *assets[0].MarketCapRank)

	symbols, err := s.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, symbols)
}

func TestRedisStatsMirror(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	mirror := NewRedisStatsMirror(client, time.Minute)
	t.Cleanup(func() { mirror.Close() })

	_, err = mirror.LatestStats(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mirror.MirrorStats(ctx, domain.DailyStats{Symbol: "ethusdt", LastPrice: 3000, Liquidity: 7}))
	got, err := mirror.LatestStats(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, got.LastPrice)
	assert.Equal(t, "ETHUSDT", got.Symbol)

	ttl, err := client.TTL(ctx, statsKey("ETHUSDT")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
