package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/ledger"
	"github.com/jheimann05/sportfolio/internal/model"
)

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	Username string `json:"username"`
}

// RepriceAllRequest is the JSON body for POST /reprice. Instruments without
// a snapshot are repriced on volume alone.
type RepriceAllRequest struct {
	Snapshots map[string]model.StatsSnapshot `json:"snapshots"`
}

// QuoteResponse is returned from GET /quote.
type QuoteResponse struct {
	InstrumentID  string          `json:"instrument_id"`
	Direction     model.Direction `json:"direction"`
	Shares        int64           `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	ledger.Quote
}

// --- Traders ---

// RegisterUser handles POST /api/v1/users
func (s *Server) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := s.Accounts.Register(r.Context(), req.Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Accounts.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.Portfolio.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetPortfolioSummary handles GET /api/v1/users/{userID}/portfolio/summary
func (s *Server) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Portfolio.Summary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetTradeHistory handles GET /api/v1/users/{userID}/trades?limit=N
func (s *Server) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	views, err := s.Portfolio.GetTradeHistory(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Catalog ---

// ListInstruments handles GET /api/v1/instruments
func (s *Server) ListInstruments(w http.ResponseWriter, r *http.Request) {
	all, err := s.Market.Instruments(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if all == nil {
		all = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, all)
}

// CreateInstrument handles POST /api/v1/instruments. A zero current_price
// lists the instrument at its stats-derived price.
func (s *Server) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var inst model.Instrument
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Server-owned fields.
	inst.ID = ""
	inst.PreviousPrice = nil
	inst.TradingVolume = 0
	inst.RepricedVolume = 0

	if err := s.Market.List(r.Context(), &inst); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (s *Server) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.Market.Instrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// TrendingInstruments handles GET /api/v1/instruments/trending?limit=N
func (s *Server) TrendingInstruments(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	all, err := s.Market.Trending(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// RepriceInstrument handles POST /api/v1/instruments/{instrumentID}/reprice
func (s *Server) RepriceInstrument(w http.ResponseWriter, r *http.Request) {
	var snap model.StatsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := s.Market.RepriceInstrument(r.Context(), chi.URLParam(r, "instrumentID"), snap)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// RepriceAll handles POST /api/v1/reprice. An empty body reprices every
// instrument on volume alone.
func (s *Server) RepriceAll(w http.ResponseWriter, r *http.Request) {
	var req RepriceAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	report, err := s.Market.RepriceAll(r.Context(), req.Snapshots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Trading ---

// Quote handles GET /api/v1/quote?instrument_id=X&direction=buy&shares=N
// and prices an order at the current price without executing it.
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := model.Direction(q.Get("direction"))
	if !dir.Valid() {
		writeError(w, "direction must be buy or sell", http.StatusBadRequest)
		return
	}
	shares, err := strconv.ParseInt(q.Get("shares"), 10, 64)
	if err != nil || shares <= 0 {
		writeError(w, "shares must be a positive integer", http.StatusBadRequest)
		return
	}
	inst, err := s.Market.Instrument(r.Context(), q.Get("instrument_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		InstrumentID:  inst.ID,
		Direction:     dir,
		Shares:        shares,
		PricePerShare: inst.CurrentPrice,
		Quote:         ledger.QuoteTrade(dir, shares, inst.CurrentPrice),
	})
}

// ExecuteTrade handles POST /api/v1/trades
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var order model.TradeOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.Limiter.Allow(order.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, fmt.Sprintf("too many orders for user %s", order.UserID), http.StatusTooManyRequests)
		return
	}

	t, err := s.Ledger.ExecuteTrade(r.Context(), order)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// RecentTrades handles GET /api/v1/trades/recent?limit=N
func (s *Server) RecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	views, err := s.Portfolio.RecentTrades(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Rankings and aggregates ---

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.Ranking.Leaderboard(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// MarketStats handles GET /api/v1/market/stats
func (s *Server) MarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Market.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
