// Package ranking orders traders by net worth: cash plus every holding marked
// to its instrument's current price. Standings are recomputed on every call
// and never written back.
package ranking

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/store"
)

// DefaultLimit is used when a caller asks for a non-positive number of rows.
const DefaultLimit = 10

// Standing is one user's position in the ranking.
type Standing struct {
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	NetWorth       decimal.Decimal `json:"net_worth"`
}

// Service computes leaderboards from a store.
type Service struct {
	store store.Store
}

// New creates a ranking service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// TopTraders returns the n richest users, net worth descending, ties broken
// by user ID ascending. n <= 0 returns every user.
func (s *Service) TopTraders(ctx context.Context, n int) ([]Standing, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking: list users: %w", err)
	}
	instruments, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking: list instruments: %w", err)
	}
	prices := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		prices[inst.ID] = inst.CurrentPrice
	}

	standings := make([]Standing, 0, len(users))
	for _, u := range users {
		holdings, err := s.store.ListHoldingsByUser(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("ranking: holdings of %s: %w", u.ID, err)
		}
		value := decimal.Zero
		for _, h := range holdings {
			value = value.Add(prices[h.InstrumentID].Mul(decimal.NewFromInt(h.Shares)))
		}
		value = value.Round(model.MoneyScale)
		standings = append(standings, Standing{
			UserID:         u.ID,
			Username:       u.Username,
			Cash:           u.Cash,
			PortfolioValue: value,
			NetWorth:       u.Cash.Add(value),
		})
	}

	sort.Slice(standings, func(i, j int) bool {
		if c := standings[i].NetWorth.Cmp(standings[j].NetWorth); c != 0 {
			return c > 0
		}
		return standings[i].UserID < standings[j].UserID
	})
	if n > 0 && len(standings) > n {
		standings = standings[:n]
	}
	return standings, nil
}

// Leaderboard returns ranked rows starting at rank 1. limit <= 0 uses
// DefaultLimit.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	standings, err := s.TopTraders(ctx, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]model.LeaderboardEntry, len(standings))
	for i, st := range standings {
		entries[i] = model.LeaderboardEntry{
			Rank:           i + 1,
			UserID:         st.UserID,
			Username:       st.Username,
			Cash:           st.Cash,
			PortfolioValue: st.PortfolioValue,
			NetWorth:       st.NetWorth,
		}
	}
	return entries, nil
}
