// Package api provides the HTTP handlers for registering traders, executing
// trades, browsing the catalog and querying portfolios and rankings, plus the
// WebSocket feed of trades and price changes.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/account"
	"github.com/jheimann05/sportfolio/internal/ledger"
	"github.com/jheimann05/sportfolio/internal/market"
	"github.com/jheimann05/sportfolio/internal/portfolio"
	"github.com/jheimann05/sportfolio/internal/ranking"
	"github.com/jheimann05/sportfolio/internal/store"
)

// Deps are the services behind the handlers. Hub and Limiter are optional.
type Deps struct {
	Accounts  *account.Service
	Ledger    *ledger.Ledger
	Portfolio *portfolio.Service
	Ranking   *ranking.Service
	Market    *market.Service
	Hub       *WSHub
	Limiter   *TradeLimiter
	Logger    *zap.Logger
}

// Server handles the /api/v1 routes.
type Server struct {
	Deps
	log *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Deps: deps, log: log}
}

// Mount registers the API routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trades and prices.
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		// Traders.
		r.Post("/users", s.RegisterUser)
		r.Get("/users/{userID}", s.GetUser)
		r.Get("/users/{userID}/portfolio", s.GetPortfolio)
		r.Get("/users/{userID}/portfolio/summary", s.GetPortfolioSummary)
		r.Get("/users/{userID}/trades", s.GetTradeHistory)

		// Catalog.
		r.Get("/instruments", s.ListInstruments)
		r.Post("/instruments", s.CreateInstrument)
		r.Get("/instruments/trending", s.TrendingInstruments)
		r.Get("/instruments/{instrumentID}", s.GetInstrument)
		r.Post("/instruments/{instrumentID}/reprice", s.RepriceInstrument)
		r.Post("/reprice", s.RepriceAll)

		// Trade execution.
		r.Get("/quote", s.Quote)
		r.Post("/trades", s.ExecuteTrade)
		r.Get("/trades/recent", s.RecentTrades)

		// Rankings and aggregates.
		r.Get("/leaderboard", s.Leaderboard)
		r.Get("/market/stats", s.MarketStats)
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, portfolio.ErrNotFound),
		errors.Is(err, market.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidOrder),
		errors.Is(err, market.ErrInvalidInstrument),
		errors.Is(err, market.ErrInvalidSnapshot),
		errors.Is(err, account.ErrInvalidUsername):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrPositionLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, account.ErrUsernameTaken),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// limitParam reads ?limit=. Absent means 0, which services treat as their
// default.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
