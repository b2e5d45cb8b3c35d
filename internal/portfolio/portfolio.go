// Package portfolio provides read-side views over a user's holdings and
// trades, marked to current instrument prices.
package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/store"
)

// ErrNotFound is returned when the user does not exist.
var ErrNotFound = errors.New("portfolio: not found")

const (
	// DefaultHistoryLimit caps a user's trade history when no limit is given.
	DefaultHistoryLimit = 20

	// DefaultRecentLimit caps the global recent-trades feed.
	DefaultRecentLimit = 50
)

var hundred = decimal.NewFromInt(100)

// Service answers portfolio and trade-history queries.
type Service struct {
	store store.Store
}

// New creates a portfolio service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// GetPortfolio returns the user's holdings joined with their instruments.
// Market value, cost basis and gain are recomputed at the current price.
func (s *Service) GetPortfolio(ctx context.Context, userID string) ([]model.PortfolioHolding, error) {
	if _, err := s.user(ctx, userID); err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: list holdings: %w", err)
	}

	out := make([]model.PortfolioHolding, 0, len(holdings))
	for _, h := range holdings {
		inst, err := s.store.GetInstrument(ctx, h.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("portfolio: instrument %s: %w", h.InstrumentID, err)
		}
		shares := decimal.NewFromInt(h.Shares)
		value := inst.CurrentPrice.Mul(shares).Round(model.MoneyScale)
		cost := h.AverageCost.Mul(shares).Round(model.MoneyScale)
		h.TotalValue = value
		out = append(out, model.PortfolioHolding{
			Holding:     h,
			Instrument:  *inst,
			MarketValue: value,
			CostBasis:   cost,
			GainLoss:    value.Sub(cost),
		})
	}
	return out, nil
}

// Summary aggregates the portfolio. The gain percentage is zero when
// nothing has been invested.
func (s *Service) Summary(ctx context.Context, userID string) (*model.PortfolioSummary, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := &model.PortfolioSummary{
		UserID:       userID,
		Cash:         u.Cash,
		TotalValue:   decimal.Zero,
		TotalCost:    decimal.Zero,
		TotalGainPct: decimal.Zero,
		Holdings:     holdings,
	}
	for _, h := range holdings {
		sum.TotalValue = sum.TotalValue.Add(h.MarketValue)
		sum.TotalCost = sum.TotalCost.Add(h.CostBasis)
	}
	sum.TotalGain = sum.TotalValue.Sub(sum.TotalCost)
	if sum.TotalCost.IsPositive() {
		sum.TotalGainPct = sum.TotalGain.Div(sum.TotalCost).Mul(hundred).Round(model.MoneyScale)
	}
	sum.NetWorth = u.Cash.Add(sum.TotalValue)
	return sum, nil
}

// GetTradeHistory returns the user's trades newest first, each joined with
// its instrument. limit <= 0 uses DefaultHistoryLimit.
func (s *Service) GetTradeHistory(ctx context.Context, userID string, limit int) ([]model.TradeView, error) {
	if _, err := s.user(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	trades, err := s.store.ListTradesByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("portfolio: list trades: %w", err)
	}
	return s.join(ctx, trades), nil
}

// RecentTrades returns trades across all users, newest first. limit <= 0
// uses DefaultRecentLimit.
func (s *Service) RecentTrades(ctx context.Context, limit int) ([]model.TradeView, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	trades, err := s.store.ListRecentTrades(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("portfolio: recent trades: %w", err)
	}
	return s.join(ctx, trades), nil
}

// join attaches instruments to trades. A trade whose instrument cannot be
// loaded is returned without one.
func (s *Service) join(ctx context.Context, trades []model.Trade) []model.TradeView {
	cache := make(map[string]*model.Instrument)
	out := make([]model.TradeView, 0, len(trades))
	for _, t := range trades {
		inst, ok := cache[t.InstrumentID]
		if !ok {
			inst, _ = s.store.GetInstrument(ctx, t.InstrumentID)
			cache[t.InstrumentID] = inst
		}
		out = append(out, model.TradeView{Trade: t, Instrument: inst})
	}
	return out
}

func (s *Service) user(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("portfolio: load user: %w", err)
	}
	return u, nil
}
