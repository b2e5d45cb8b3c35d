package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/model"
)

// DefaultTrendingLimit caps Trending when no limit is given.
const DefaultTrendingLimit = 10

// activeWindow is how far back a trade counts towards active traders.
const activeWindow = 24 * time.Hour

// Stats summarizes the market at the service clock's current time. Market
// cap is the sum of current prices. Daily volume is the notional of trades
// since UTC midnight. Active traders are distinct users who traded in the
// last 24 hours.
func (s *Service) Stats(ctx context.Context) (*model.MarketStats, error) {
	all, err := s.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := now.Add(-activeWindow)
	cutoff := since
	if midnight.Before(cutoff) {
		cutoff = midnight
	}

	trades, err := s.store.ListTradesSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("market: recent trades: %w", err)
	}

	out := &model.MarketStats{MarketCap: decimal.Zero, DailyVolume: decimal.Zero}
	for _, inst := range all {
		out.MarketCap = out.MarketCap.Add(inst.CurrentPrice)
	}

	traders := make(map[string]struct{})
	for _, t := range trades {
		ts := t.Timestamp.UTC()
		if !ts.Before(midnight) {
			out.DailyVolume = out.DailyVolume.Add(t.TotalAmount)
		}
		if ts.After(since) {
			traders[t.UserID] = struct{}{}
		}
	}
	out.ActiveTraders = len(traders)
	out.TopGainer = topGainer(all)
	return out, nil
}

// topGainer picks the largest relative change among repriced instruments,
// ties broken by ID.
func topGainer(all []model.Instrument) *model.Gainer {
	var best *model.Gainer
	for i := range all {
		change, ok := all[i].PriceChange()
		if !ok {
			continue
		}
		change = change.Round(model.MoneyScale)
		if best == nil || change.GreaterThan(best.ChangePct) ||
			(change.Equal(best.ChangePct) && all[i].ID < best.InstrumentID) {
			best = &model.Gainer{InstrumentID: all[i].ID, Name: all[i].Name, ChangePct: change}
		}
	}
	return best
}

// Trending returns the n instruments with the highest cumulative trading
// volume, ties broken by ID. n <= 0 uses DefaultTrendingLimit.
func (s *Service) Trending(ctx context.Context, n int) ([]model.Instrument, error) {
	if n <= 0 {
		n = DefaultTrendingLimit
	}
	all, err := s.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TradingVolume != all[j].TradingVolume {
			return all[i].TradingVolume > all[j].TradingVolume
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}
