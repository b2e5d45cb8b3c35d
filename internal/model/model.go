// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MoneyScale is the number of decimal places kept for cash, prices, fees
	// and trade amounts.
	MoneyScale int32 = 2

	// CostScale is the number of decimal places kept for average cost basis.
	// Wider than MoneyScale so repeated weighted averages do not drift.
	CostScale int32 = 4
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is buy or sell.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// InjuryStatus is the reported health of an athlete.
type InjuryStatus string

const (
	Healthy  InjuryStatus = "healthy"
	Minor    InjuryStatus = "minor"
	Moderate InjuryStatus = "moderate"
	Major    InjuryStatus = "major"
	Out      InjuryStatus = "out"
)

// Valid reports whether s is one of the known statuses.
func (s InjuryStatus) Valid() bool {
	switch s {
	case Healthy, Minor, Moderate, Major, Out:
		return true
	}
	return false
}

// HotnessMin and HotnessMax bound the advisory hotness score.
const (
	HotnessMin = -100
	HotnessMax = 100
)

// User is a trader. Cash is only ever changed by the ledger.
type User struct {
	ID             string          `json:"id" db:"id"`
	Username       string          `json:"username" db:"username"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value" db:"portfolio_value"` // cached, refreshed on every trade
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Instrument is a tradable athlete.
type Instrument struct {
	ID             string           `json:"id" db:"id"`
	Name           string           `json:"name" db:"name"`
	Position       string           `json:"position" db:"position"`
	Team           string           `json:"team" db:"team"`
	Sport          string           `json:"sport" db:"sport"`
	CurrentPrice   decimal.Decimal  `json:"current_price" db:"current_price"`
	PreviousPrice  *decimal.Decimal `json:"previous_price,omitempty" db:"previous_price"` // nil until first repricing
	Stats          json.RawMessage  `json:"stats,omitempty" db:"stats"`
	Injury         InjuryStatus     `json:"injury_status" db:"injury_status"`
	Hotness        int              `json:"hotness" db:"hotness"`
	TradingVolume  int64            `json:"trading_volume" db:"trading_volume"`
	RepricedVolume int64            `json:"repriced_volume" db:"repriced_volume"` // TradingVolume as of the last repricing
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// VolumeSinceReprice is the number of shares traded since the last
// repricing.
func (i *Instrument) VolumeSinceReprice() int64 {
	if v := i.TradingVolume - i.RepricedVolume; v > 0 {
		return v
	}
	return 0
}

// PriceChange returns the percentage change from the previous price, and
// false if the instrument has never been repriced.
func (i *Instrument) PriceChange() (decimal.Decimal, bool) {
	if i.PreviousPrice == nil || !i.PreviousPrice.IsPositive() {
		return decimal.Zero, false
	}
	prev := *i.PreviousPrice
	return i.CurrentPrice.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)), true
}

// Holding is a user's position in one instrument. Shares is always > 0;
// a holding that reaches zero shares is deleted.
type Holding struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Shares       int64           `json:"shares" db:"shares"`
	AverageCost  decimal.Decimal `json:"average_cost" db:"average_cost"`
	TotalValue   decimal.Decimal `json:"total_value" db:"total_value"` // shares × price at last write
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	InstrumentID  string          `json:"instrument_id" db:"instrument_id"`
	Direction     Direction       `json:"direction" db:"direction"`
	Shares        int64           `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"` // shares × price
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	NetAmount     decimal.Decimal `json:"net_amount" db:"net_amount"` // cash moved: total+fee on buys, total-fee on sells
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// TradeOrder is an incoming request to trade.
type TradeOrder struct {
	UserID       string    `json:"user_id"`
	InstrumentID string    `json:"instrument_id"`
	Direction    Direction `json:"direction"`
	Shares       int64     `json:"shares"`
}

// TradeCommit is the full set of mutations produced by one executed trade.
// A store applies it all-or-nothing.
type TradeCommit struct {
	Trade Trade

	// CashDelta is signed: negative for buys, positive for sells.
	CashDelta decimal.Decimal

	// Holding is the resulting holding, or nil when the trade closed it.
	Holding *Holding

	// ExpectedShares is the share count of the holding this commit was
	// computed from; 0 means no holding existed. Stores reject the commit
	// when the stored holding no longer matches.
	ExpectedShares int64

	PortfolioValue decimal.Decimal
}

// PriceUpdate carries the fields written by a repricing run.
type PriceUpdate struct {
	CurrentPrice  decimal.Decimal
	PreviousPrice decimal.Decimal
	Hotness       int
	Stats         json.RawMessage // nil leaves the stored blob unchanged
	Injury        InjuryStatus    // empty leaves the stored status unchanged

	// RepricedVolume is the trading volume this update priced in.
	RepricedVolume int64
}

// StatsSnapshot is the external input to a repricing run.
type StatsSnapshot struct {
	Stats     json.RawMessage `json:"stats,omitempty"`
	Injury    InjuryStatus    `json:"injury_status,omitempty"`
	Sentiment float64         `json:"sentiment"` // -1..1
}

// PortfolioHolding is a holding joined with its instrument and marked to the
// instrument's current price.
type PortfolioHolding struct {
	Holding
	Instrument  Instrument      `json:"instrument"`
	MarketValue decimal.Decimal `json:"market_value"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	GainLoss    decimal.Decimal `json:"gain_loss"`
}

// PortfolioSummary aggregates a user's holdings.
type PortfolioSummary struct {
	UserID       string             `json:"user_id"`
	Cash         decimal.Decimal    `json:"cash"`
	TotalValue   decimal.Decimal    `json:"total_value"`
	TotalCost    decimal.Decimal    `json:"total_cost"`
	TotalGain    decimal.Decimal    `json:"total_gain"`
	TotalGainPct decimal.Decimal    `json:"total_gain_pct"`
	NetWorth     decimal.Decimal    `json:"net_worth"`
	Holdings     []PortfolioHolding `json:"holdings"`
}

// TradeView is a trade joined with its instrument for display.
type TradeView struct {
	Trade
	Instrument *Instrument `json:"instrument,omitempty"`
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank           int             `json:"rank"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	NetWorth       decimal.Decimal `json:"net_worth"`
}

// MarketStats summarizes the whole catalog.
type MarketStats struct {
	MarketCap     decimal.Decimal `json:"market_cap"`
	DailyVolume   decimal.Decimal `json:"daily_volume"`
	ActiveTraders int             `json:"active_traders"`
	TopGainer     *Gainer         `json:"top_gainer"`
}

// Gainer is the instrument with the largest relative price increase.
type Gainer struct {
	InstrumentID string          `json:"instrument_id"`
	Name         string          `json:"name"`
	ChangePct    decimal.Decimal `json:"change_pct"`
}
