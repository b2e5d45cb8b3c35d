// Package market owns the instrument catalog: listing, repricing from stats
// snapshots, and the read-only market aggregates (stats, trending).
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/keylock"
	"github.com/jheimann05/sportfolio/internal/metrics"
	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/pricing"
	"github.com/jheimann05/sportfolio/internal/store"
)

var (
	// ErrNotFound is returned when an instrument does not exist.
	ErrNotFound = errors.New("market: not found")

	// ErrInvalidInstrument is returned when a listing is missing its name or
	// carries a bad price, injury status or hotness.
	ErrInvalidInstrument = errors.New("market: invalid instrument")

	// ErrInvalidSnapshot is returned when a stats snapshot cannot be applied.
	ErrInvalidSnapshot = errors.New("market: invalid snapshot")
)

// DefaultFundamentalWeight is the share of fair value blended into a
// repriced price. Zero reprices on volume and sentiment alone.
const DefaultFundamentalWeight = 0.0

// PriceNotifier is told about every repriced instrument. Implementations
// must not block.
type PriceNotifier interface {
	PriceUpdated(inst model.Instrument)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards output.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithFundamentalWeight sets the fair-value share of a repriced price,
// clamped to [0, 1].
func WithFundamentalWeight(w float64) Option {
	return func(s *Service) {
		switch {
		case w < 0:
			w = 0
		case w > 1:
			w = 1
		}
		s.weight = decimal.NewFromFloat(w)
	}
}

// WithNotifier registers a listener for repriced instruments.
func WithNotifier(n PriceNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source used by Stats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is safe for concurrent use. Repricing is serialized per
// instrument.
type Service struct {
	store    store.Store
	locks    *keylock.Map
	log      *zap.Logger
	weight   decimal.Decimal
	notifier PriceNotifier
	now      func() time.Time
}

// New creates a market service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		locks:  keylock.New(),
		log:    zap.NewNop(),
		weight: decimal.NewFromFloat(DefaultFundamentalWeight),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List adds an instrument to the catalog. A zero price lists the instrument
// at pricing.InitialPrice of its stats; an empty injury status means healthy.
func (s *Service) List(ctx context.Context, inst *model.Instrument) error {
	inst.Name = strings.TrimSpace(inst.Name)
	if inst.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInstrument)
	}
	if inst.Injury == "" {
		inst.Injury = model.Healthy
	}
	if !inst.Injury.Valid() {
		return fmt.Errorf("%w: injury status %q", ErrInvalidInstrument, inst.Injury)
	}
	if inst.Hotness < model.HotnessMin || inst.Hotness > model.HotnessMax {
		return fmt.Errorf("%w: hotness %d out of range", ErrInvalidInstrument, inst.Hotness)
	}
	if inst.TradingVolume < 0 {
		return fmt.Errorf("%w: negative trading volume", ErrInvalidInstrument)
	}
	stats, err := pricing.ParseStats(inst.Stats)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstrument, err)
	}

	switch {
	case inst.CurrentPrice.IsZero():
		inst.CurrentPrice = pricing.InitialPrice(stats, inst.Position)
	case inst.CurrentPrice.IsNegative():
		return fmt.Errorf("%w: negative price", ErrInvalidInstrument)
	default:
		inst.CurrentPrice = inst.CurrentPrice.Round(model.MoneyScale)
	}

	// Volume carried in at listing is already reflected in the price.
	inst.RepricedVolume = inst.TradingVolume

	if err := s.store.CreateInstrument(ctx, inst); err != nil {
		return fmt.Errorf("market: create instrument: %w", err)
	}
	metrics.ListedInstruments.Inc()
	s.log.Info("instrument listed",
		zap.String("instrument", inst.ID),
		zap.String("name", inst.Name),
		zap.String("price", inst.CurrentPrice.StringFixed(model.MoneyScale)),
	)
	return nil
}

// Instruments returns the whole catalog.
func (s *Service) Instruments(ctx context.Context) ([]model.Instrument, error) {
	all, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: list instruments: %w", err)
	}
	metrics.ListedInstruments.Set(float64(len(all)))
	return all, nil
}

// Instrument returns one instrument.
func (s *Service) Instrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := s.store.GetInstrument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("market: load instrument: %w", err)
	}
	return inst, nil
}
