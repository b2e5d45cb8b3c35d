// Package ledger executes trades: it validates an order against the user's
// cash and holdings at a single price snapshot, computes the fee and the new
// cost basis, and hands the result to the store as one atomic commit.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/keylock"
	"github.com/jheimann05/sportfolio/internal/metrics"
	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/risk"
	"github.com/jheimann05/sportfolio/internal/store"
)

var (
	// ErrNotFound is returned when the order's user or instrument does not
	// exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidOrder is returned for non-positive share counts, unknown
	// directions, missing identifiers and unpriced instruments.
	ErrInvalidOrder = errors.New("ledger: invalid order")

	// ErrInsufficientFunds is returned when a buy costs more than the user's
	// cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds the user's
	// holding.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrPositionLimit is returned when a buy would breach a risk limit. The
	// wrapped risk error names which one.
	ErrPositionLimit = errors.New("ledger: position limit")
)

// FeeRate is charged on the subtotal of every trade.
var FeeRate = decimal.RequireFromString("0.015")

// Quote is the money side of a trade at one price.
type Quote struct {
	Subtotal decimal.Decimal `json:"subtotal"` // shares × price
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"` // cash moved: subtotal+fee on buys, subtotal-fee on sells
}

// QuoteTrade prices an order. The fee is rounded half away from zero to
// cents.
func QuoteTrade(direction model.Direction, shares int64, price decimal.Decimal) Quote {
	subtotal := price.Mul(decimal.NewFromInt(shares)).Round(model.MoneyScale)
	fee := subtotal.Mul(FeeRate).Round(model.MoneyScale)
	total := subtotal.Add(fee)
	if direction == model.Sell {
		total = subtotal.Sub(fee)
	}
	return Quote{Subtotal: subtotal, Fee: fee, Total: total}
}

// Notifier is told about every committed trade. Implementations must not
// block.
type Notifier interface {
	TradeExecuted(trade model.Trade, inst model.Instrument)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default discards output.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithNotifier registers a listener for committed trades.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithLimiter enforces position limits on buys.
func WithLimiter(lim *risk.Limiter) Option {
	return func(l *Ledger) { l.limiter = lim }
}

// Ledger is safe for concurrent use. Each user's read-validate-commit
// sequence runs under that user's lock; different users trade in parallel.
type Ledger struct {
	store    store.Store
	locks    *keylock.Map
	log      *zap.Logger
	now      func() time.Time
	notifier Notifier
	limiter  *risk.Limiter
}

// New creates a Ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: st,
		locks: keylock.New(),
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ExecuteTrade validates and commits one order. On any error nothing has
// been written.
func (l *Ledger) ExecuteTrade(ctx context.Context, order model.TradeOrder) (*model.Trade, error) {
	start := time.Now()

	if err := validateOrder(order); err != nil {
		l.reject(order, "invalid_order", err)
		return nil, err
	}

	unlock := l.locks.Lock(order.UserID)
	defer unlock()

	user, err := l.store.GetUser(ctx, order.UserID)
	if err != nil {
		return nil, l.lookupErr(order, "user", err)
	}
	inst, err := l.store.GetInstrument(ctx, order.InstrumentID)
	if err != nil {
		return nil, l.lookupErr(order, "instrument", err)
	}
	holding, err := l.store.GetHolding(ctx, order.UserID, order.InstrumentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ledger: load holding: %w", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		holding = nil
	}

	// The price snapshot is read once and used for the whole trade.
	price := inst.CurrentPrice
	if !price.IsPositive() {
		err := fmt.Errorf("%w: instrument %s has no price", ErrInvalidOrder, inst.ID)
		l.reject(order, "invalid_order", err)
		return nil, err
	}
	q := QuoteTrade(order.Direction, order.Shares, price)

	var held int64
	if holding != nil {
		held = holding.Shares
	}

	commit := &model.TradeCommit{
		Trade: model.Trade{
			UserID:        user.ID,
			InstrumentID:  inst.ID,
			Direction:     order.Direction,
			Shares:        order.Shares,
			PricePerShare: price,
			TotalAmount:   q.Subtotal,
			Fee:           q.Fee,
			NetAmount:     q.Total,
			Timestamp:     l.now(),
		},
		ExpectedShares: held,
	}

	switch order.Direction {
	case model.Buy:
		if user.Cash.LessThan(q.Total) {
			err := fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, q.Total, user.Cash)
			l.reject(order, "insufficient_funds", err)
			return nil, err
		}
		commit.CashDelta = q.Total.Neg()
		commit.Holding = applyBuy(holding, order.Shares, price, q.Subtotal)

	case model.Sell:
		if held < order.Shares {
			err := fmt.Errorf("%w: selling %d, holding %d", ErrInsufficientShares, order.Shares, held)
			l.reject(order, "insufficient_shares", err)
			return nil, err
		}
		commit.CashDelta = q.Total
		if remaining := held - order.Shares; remaining > 0 {
			h := *holding
			h.Shares = remaining
			h.TotalValue = price.Mul(decimal.NewFromInt(remaining)).Round(model.MoneyScale)
			commit.Holding = &h
		}
	}

	pv, others, err := l.mark(ctx, user.ID, inst.ID, commit.Holding, price)
	if err != nil {
		return nil, err
	}
	commit.PortfolioValue = pv

	if order.Direction == model.Buy && l.limiter.Enabled() {
		target := risk.Exposure{
			InstrumentID: inst.ID,
			Team:         inst.Team,
			Value:        commit.Holding.TotalValue,
		}
		if lerr := l.limiter.Check(target, others); lerr != nil {
			err := fmt.Errorf("%w: %w", ErrPositionLimit, lerr)
			l.reject(order, "position_limit", err)
			return nil, err
		}
	}

	if err := l.store.CommitTrade(ctx, commit); err != nil {
		l.log.Error("trade commit failed",
			zap.String("user", order.UserID),
			zap.String("instrument", order.InstrumentID),
			zap.Error(err),
		)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}

	t := commit.Trade
	dir := string(t.Direction)
	metrics.TradesTotal.WithLabelValues(dir).Inc()
	metrics.SharesTraded.WithLabelValues(dir).Add(float64(t.Shares))
	metrics.FeesCollected.Add(t.Fee.InexactFloat64())
	metrics.TradeLatency.WithLabelValues(dir).Observe(time.Since(start).Seconds())

	l.log.Info("trade executed",
		zap.String("trade_id", t.ID),
		zap.String("user", t.UserID),
		zap.String("instrument", t.InstrumentID),
		zap.String("direction", dir),
		zap.Int64("shares", t.Shares),
		zap.String("price", t.PricePerShare.String()),
		zap.String("fee", t.Fee.String()),
		zap.String("net", t.NetAmount.String()),
	)

	if l.notifier != nil {
		inst.TradingVolume += t.Shares
		l.notifier.TradeExecuted(t, *inst)
	}
	return &t, nil
}

// applyBuy returns the holding after buying shares at price. The average
// cost is weighted over buys only and kept at CostScale.
func applyBuy(existing *model.Holding, shares int64, price, subtotal decimal.Decimal) *model.Holding {
	if existing == nil {
		return &model.Holding{
			Shares:      shares,
			AverageCost: price,
			TotalValue:  subtotal,
		}
	}
	h := *existing
	newShares := h.Shares + shares
	spent := h.AverageCost.Mul(decimal.NewFromInt(h.Shares)).Add(subtotal)
	h.Shares = newShares
	h.AverageCost = spent.Div(decimal.NewFromInt(newShares)).Round(model.CostScale)
	h.TotalValue = price.Mul(decimal.NewFromInt(newShares)).Round(model.MoneyScale)
	return &h
}

// mark values every holding of the user at its instrument's current price,
// substituting the post-trade holding for the traded instrument. It returns
// the total and the exposures of the holdings other than the traded one.
func (l *Ledger) mark(ctx context.Context, userID, tradedID string, traded *model.Holding, price decimal.Decimal) (decimal.Decimal, []risk.Exposure, error) {
	holdings, err := l.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("ledger: list holdings: %w", err)
	}

	total := decimal.Zero
	if traded != nil {
		total = price.Mul(decimal.NewFromInt(traded.Shares))
	}
	others := make([]risk.Exposure, 0, len(holdings))
	for _, h := range holdings {
		if h.InstrumentID == tradedID {
			continue
		}
		inst, err := l.store.GetInstrument(ctx, h.InstrumentID)
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("ledger: price holding %s: %w", h.ID, err)
		}
		value := inst.CurrentPrice.Mul(decimal.NewFromInt(h.Shares))
		total = total.Add(value)
		others = append(others, risk.Exposure{
			InstrumentID: inst.ID,
			Team:         inst.Team,
			Value:        value.Round(model.MoneyScale),
		})
	}
	return total.Round(model.MoneyScale), others, nil
}

func validateOrder(o model.TradeOrder) error {
	switch {
	case o.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	case o.InstrumentID == "":
		return fmt.Errorf("%w: instrument_id is required", ErrInvalidOrder)
	case !o.Direction.Valid():
		return fmt.Errorf("%w: direction must be buy or sell, got %q", ErrInvalidOrder, o.Direction)
	case o.Shares <= 0:
		return fmt.Errorf("%w: shares must be positive, got %d", ErrInvalidOrder, o.Shares)
	}
	return nil
}

func (l *Ledger) lookupErr(o model.TradeOrder, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("%w: %s: %v", ErrNotFound, what, err)
		l.reject(o, "not_found", err)
		return err
	}
	return fmt.Errorf("ledger: load %s: %w", what, err)
}

func (l *Ledger) reject(o model.TradeOrder, reason string, err error) {
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	l.log.Info("trade rejected",
		zap.String("user", o.UserID),
		zap.String("instrument", o.InstrumentID),
		zap.String("direction", string(o.Direction)),
		zap.Int64("shares", o.Shares),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
