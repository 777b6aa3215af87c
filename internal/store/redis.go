package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"coinsync/internal/domain"
)

var _ StatsSink = (*RedisStatsMirror)(nil)

// statsKeyPrefix namespaces mirrored snapshots: coinsync:stats:<PAIR>.
const statsKeyPrefix = "coinsync:stats:"

// RedisStatsMirror keeps a short-lived copy of the latest 24h snapshot per
// pair in Redis for consumers that should not touch the watermark store.
type RedisStatsMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatsMirror wraps client. Keys expire after ttl; zero keeps them
// forever.
func NewRedisStatsMirror(client *redis.Client, ttl time.Duration) *RedisStatsMirror {
	return &RedisStatsMirror{client: client, ttl: ttl}
}

// statsPayload is the JSON form stored under each key.
type statsPayload struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	High24h   float64 `json:"high_24h"`
	Low24h    float64 `json:"low_24h"`
	Volume24h float64 `json:"volume_24h"`
	Liquidity float64 `json:"liquidity"`
	UpdatedAt int64   `json:"updated_at"`
}

// MirrorStats stores st under its pair key.
func (m *RedisStatsMirror) MirrorStats(ctx context.Context, st domain.DailyStats) error {
	data, err := json.Marshal(statsPayload{
		Symbol:    strings.ToUpper(st.Symbol),
		LastPrice: st.LastPrice,
		High24h:   st.High24h,
		Low24h:    st.Low24h,
		Volume24h: st.Volume24h,
		Liquidity: st.Liquidity,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := m.client.Set(ctx, statsKey(st.Symbol), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror stats for %s: %w", st.Symbol, err)
	}
	return nil
}

// LatestStats returns the mirrored snapshot for symbol, or ErrNotFound.
func (m *RedisStatsMirror) LatestStats(ctx context.Context, symbol string) (*domain.DailyStats, error) {
	data, err := m.client.Get(ctx, statsKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read mirrored stats for %s: %w", symbol, err)
	}

	var p statsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode mirrored stats for %s: %w", symbol, err)
	}
	return &domain.DailyStats{
		Symbol:    p.Symbol,
		LastPrice: p.LastPrice,
		High24h:   p.High24h,
		Low24h:    p.Low24h,
		Volume24h: p.Volume24h,
		Liquidity: p.Liquidity,
	}, nil
}

// Close closes the underlying client.
func (m *RedisStatsMirror) Close() error {
	return m.client.Close()
}

func statsKey(symbol string) string {
	return statsKeyPrefix + strings.ToUpper(symbol)
}
