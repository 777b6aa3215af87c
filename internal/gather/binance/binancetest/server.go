// Package binancetest provides an in-process stand-in for the history
// provider API, backed by httptest.
package binancetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coinsync/internal/domain"
)

// Server serves exchangeInfo, klines and 24h tickers from in-memory data and
// counts every request it receives.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	pairs        map[string]struct{}
	candles      map[string][]domain.Candle
	stats        map[string]domain.DailyStats
	failKlines   map[string]bool
	failTicker   map[string]bool
	failInfo     bool
	requests     map[string]int
	pairRequests map[string]int
}

// NewServer starts a Server listing the given pairs.
func NewServer(pairs ...string) *Server {
	s := &Server{
		pairs:        make(map[string]struct{}),
		candles:      make(map[string][]domain.Candle),
		stats:        make(map[string]domain.DailyStats),
		failKlines:   make(map[string]bool),
		failTicker:   make(map[string]bool),
		requests:     make(map[string]int),
		pairRequests: make(map[string]int),
	}
	for _, p := range pairs {
		s.pairs[strings.ToUpper(p)] = struct{}{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", s.handleExchangeInfo)
	mux.HandleFunc("/api/v3/klines", s.handleKlines)
	mux.HandleFunc("/api/v3/ticker/24hr", s.handleTicker)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetCandles replaces the daily history served for pair.
func (s *Server) SetCandles(pair string, candles []domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]domain.Candle(nil), candles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	s.candles[strings.ToUpper(pair)] = sorted
}

// SetStats sets the 24h ticker served for pair.
func (s *Server) SetStats(pair string, st domain.DailyStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[strings.ToUpper(pair)] = st
}

// FailKlines makes every klines request for pair return 500.
func (s *Server) FailKlines(pair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKlines[strings.ToUpper(pair)] = true
}

// FailTicker makes every ticker request for pair return 500.
func (s *Server) FailTicker(pair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTicker[strings.ToUpper(pair)] = true
}

// FailExchangeInfo makes exchangeInfo return 503.
func (s *Server) FailExchangeInfo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInfo = true
}

// Requests returns how many requests hit path (e.g. "/api/v3/klines").
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// PairRequests returns how many klines and ticker requests named pair.
func (s *Server) PairRequests(pair string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairRequests[strings.ToUpper(pair)]
}

// DataRequests returns the total number of klines and ticker requests.
func (s *Server) DataRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests["/api/v3/klines"] + s.requests["/api/v3/ticker/24hr"]
}

func (s *Server) count(r *http.Request) string {
	pair := strings.ToUpper(r.URL.Query().Get("symbol"))
	s.mu.Lock()
	s.requests[r.URL.Path]++
	if pair != "" {
		s.pairRequests[pair]++
	}
	s.mu.Unlock()
	return pair
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInfo {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	type symbol struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	}
	var body struct {
		Symbols []symbol `json:"symbols"`
	}
	for p := range s.pairs {
		body.Symbols = append(body.Symbols, symbol{Symbol: p, Status: "TRADING"})
	}
	writeJSON(w, body)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	pair := s.count(r)
	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKlines[pair] {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	rows := [][]any{}
	for _, c := range s.candles[pair] {
		open := c.Date.UnixMilli()
		if open < start {
			continue
		}
		rows = append(rows, []any{
			open,
			f(c.Open), f(c.High), f(c.Low), f(c.Close), f(c.Volume),
			open + int64(24*time.Hour/time.Millisecond) - 1,
			"0", 0, "0", "0", "0",
		})
		if len(rows) == limit {
			break
		}
	}
	writeJSON(w, rows)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	pair := s.count(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTicker[pair] {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	st, ok := s.stats[pair]
	if !ok {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{
		"symbol":      pair,
		"lastPrice":   f(st.LastPrice),
		"highPrice":   f(st.High24h),
		"lowPrice":    f(st.Low24h),
		"volume":      f(st.Volume24h),
		"quoteVolume": f(st.Liquidity),
	})
}

func f(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
