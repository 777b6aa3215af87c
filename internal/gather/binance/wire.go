package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinsync/internal/domain"
)

// kline is one row of /api/v3/klines:
//
//	[openTime, "open", "high", "low", "close", "volume", closeTime, ...]
type kline struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

func (k *kline) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) < 6 {
		return fmt.Errorf("kline has %d fields, want at least 6", len(fields))
	}
	if err := json.Unmarshal(fields[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	for i, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := dst.UnmarshalJSON(fields[i+1]); err != nil {
			return fmt.Errorf("kline field %d: %w", i+1, err)
		}
	}
	return nil
}

func (k kline) candle(symbol string) domain.Candle {
	return domain.Candle{
		Symbol: symbol,
		Date:   domain.DayStart(time.UnixMilli(k.OpenTime)),
		Open:   k.Open.InexactFloat64(),
		High:   k.High.InexactFloat64(),
		Low:    k.Low.InexactFloat64(),
		Close:  k.Close.InexactFloat64(),
		Volume: k.Volume.InexactFloat64(),
	}
}

// ticker is the subset of /api/v3/ticker/24hr the pipeline keeps. Missing
// fields decode as zero.
type ticker struct {
	LastPrice   decimal.Decimal `json:"lastPrice"`
	HighPrice   decimal.Decimal `json:"highPrice"`
	LowPrice    decimal.Decimal `json:"lowPrice"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

func (t ticker) stats(pair string) domain.DailyStats {
	return domain.DailyStats{
		Symbol:    pair,
		LastPrice: t.LastPrice.InexactFloat64(),
		High24h:   t.HighPrice.InexactFloat64(),
		Low24h:    t.LowPrice.InexactFloat64(),
		Volume24h: t.Volume.InexactFloat64(),
		Liquidity: t.QuoteVolume.InexactFloat64(),
	}
}
