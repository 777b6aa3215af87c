// Package coingecko is the universe provider client: it pages through the
// market-cap ranking of listed assets.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"coinsync/internal/domain"
	"coinsync/internal/util"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// Options configures a Client.
type Options struct {
	BaseURL   string        // https://api.coingecko.com/api/v3
	Currency  string        // usd
	Pages     int           // 4
	PerPage   int           // 250
	PageDelay time.Duration // pause between pages; negative disables it
	Timeout   time.Duration // per page, 5s
	Logger    *slog.Logger
}

// Client fetches ranked asset pages.
type Client struct {
	http      *resty.Client
	currency  string
	pages     int
	perPage   int
	pageDelay time.Duration
	timeout   time.Duration
	log       *slog.Logger
}

// New creates a Client, filling zero options with defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.Pages <= 0 {
		opts.Pages = 4
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 250
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		http:      resty.New().SetBaseURL(strings.TrimRight(opts.BaseURL, "/")),
		currency:  strings.ToLower(opts.Currency),
		pages:     opts.Pages,
		perPage:   opts.PerPage,
		pageDelay: opts.PageDelay,
		timeout:   opts.Timeout,
		log:       opts.Logger.With("provider", "coingecko"),
	}
}

// market is one entry of /coins/markets.
type market struct {
	ID            string   `json:"id"`
	Symbol        string   `json:"symbol"`
	Name          string   `json:"name"`
	MarketCap     *float64 `json:"market_cap"`
	MarketCapRank *int     `json:"market_cap_rank"`
}

// FetchTop returns the concatenation of every configured page in rank order.
// A page that fails is logged and skipped; only cancellation is an error.
// Records are returned as the provider sent them, unvalidated.
func (c *Client) FetchTop(ctx context.Context) ([]domain.Asset, error) {
	var all []domain.Asset
	for page := 1; page <= c.pages; page++ {
		if page > 1 {
			if err := util.Sleep(ctx, c.pageDelay); err != nil {
				return all, err
			}
		}

		assets, err := c.FetchPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			c.log.Warn("page fetch failed, skipping", "page", page, "err", err)
			continue
		}
		c.log.Info("page fetched", "page", page, "records", len(assets))
		all = append(all, assets...)
	}

	c.log.Info("universe fetched", "records", len(all))
	return all, nil
}

// FetchPage fetches one page of the ranking. Records that do not decode are
// logged and dropped; only a body that is not a JSON array fails the page.
func (c *Client) FetchPage(ctx context.Context, page int) ([]domain.Asset, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetQueryParams(map[string]string{
			"vs_currency": c.currency,
			"order":       "market_cap_desc",
			"per_page":    strconv.Itoa(c.perPage),
			"page":        strconv.Itoa(page),
			"sparkline":   "false",
		}).
		Get("/coins/markets")
	if err != nil {
		return nil, fmt.Errorf("markets page %d: %w", page, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("markets page %d: status %d", page, resp.StatusCode())
	}

	// Decode per record; a malformed entry is dropped on its own.
	var raw []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decoding markets page %d: %w", page, err)
	}

	assets := make([]domain.Asset, 0, len(raw))
	bad := 0
	for i, r := range raw {
		var m market
		if err := json.Unmarshal(r, &m); err != nil {
			bad++
			c.log.Warn("skipping malformed market record", "page", page, "index", i, "err", err)
			continue
		}
		assets = append(assets, domain.Asset{
			ID:            m.ID,
			Symbol:        m.Symbol,
			Name:          m.Name,
			MarketCap:     m.MarketCap,
			MarketCapRank: m.MarketCapRank,
		})
	}
	if bad > 0 {
		c.log.Info("malformed records dropped", "page", page, "dropped", bad, "kept", len(assets))
	}
	return assets, nil
}
