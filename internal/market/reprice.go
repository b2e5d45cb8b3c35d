package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/metrics"
	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/pricing"
	"github.com/jheimann05/sportfolio/internal/store"
)

// RepriceReport is the outcome of a catalog-wide repricing run.
type RepriceReport struct {
	Repriced []model.Instrument `json:"repriced"`
	Failed   map[string]string  `json:"failed,omitempty"` // instrument ID -> error
}

// RepriceInstrument moves one instrument's price from the shares traded
// since its last repricing, relative to the catalog average over the same
// window, and the snapshot's sentiment. With a fundamental weight w > 0 it
// also blends in the stats-and-injury fair value:
//
//	momentum = pricing.Reprice(price, volume, avgVolume, sentiment)
//	fair     = pricing.FairValue(stats, position, injury) × pricing.HotnessMultiplier(volume, avgVolume)
//	price    = (1-w)·momentum + w·fair
//
// The blend is skipped when w is 0 or the instrument has no stats. The
// result is rounded to cents and never below pricing.MinPrice. Stats and
// injury from the snapshot replace the stored ones; empty fields keep them.
// A catalog with no trades since the last run and zero sentiment keeps its
// prices.
func (s *Service) RepriceInstrument(ctx context.Context, id string, snap model.StatsSnapshot) (*model.Instrument, error) {
	all, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: list instruments: %w", err)
	}
	inst, err := s.reprice(ctx, id, snap, averageVolume(all))
	if err != nil {
		metrics.RepriceTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.RepriceTotal.WithLabelValues("ok").Inc()
	return inst, nil
}

// RepriceAll reprices every listed instrument against one average volume.
// Instruments without a snapshot are repriced on volume alone. A failure is
// recorded in the report and does not stop the run; only a failure to read
// the catalog or a cancelled context is returned as an error.
func (s *Service) RepriceAll(ctx context.Context, snapshots map[string]model.StatsSnapshot) (*RepriceReport, error) {
	start := time.Now()
	defer func() { metrics.RepriceRunDuration.Observe(time.Since(start).Seconds()) }()

	all, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: list instruments: %w", err)
	}
	avg := averageVolume(all)

	report := &RepriceReport{Failed: make(map[string]string)}
	for _, inst := range all {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		updated, err := s.reprice(ctx, inst.ID, snapshots[inst.ID], avg)
		if err != nil {
			metrics.RepriceTotal.WithLabelValues("failed").Inc()
			report.Failed[inst.ID] = err.Error()
			s.log.Warn("reprice failed", zap.String("instrument", inst.ID), zap.Error(err))
			continue
		}
		metrics.RepriceTotal.WithLabelValues("ok").Inc()
		report.Repriced = append(report.Repriced, *updated)
	}
	for id := range snapshots {
		if !listed(all, id) {
			report.Failed[id] = fmt.Sprintf("%s: instrument %s", ErrNotFound, id)
		}
	}

	s.log.Info("reprice run complete",
		zap.Int("repriced", len(report.Repriced)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

func (s *Service) reprice(ctx context.Context, id string, snap model.StatsSnapshot, avgVolume float64) (*model.Instrument, error) {
	if snap.Injury != "" && !snap.Injury.Valid() {
		return nil, fmt.Errorf("%w: injury status %q", ErrInvalidSnapshot, snap.Injury)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	inst, err := s.Instrument(ctx, id)
	if err != nil {
		return nil, err
	}

	raw := inst.Stats
	if len(snap.Stats) > 0 {
		raw = snap.Stats
	}
	stats, err := pricing.ParseStats(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	injury := inst.Injury
	if snap.Injury != "" {
		injury = snap.Injury
	}

	volume := float64(inst.VolumeSinceReprice())
	price := pricing.Reprice(inst.CurrentPrice, volume, avgVolume, snap.Sentiment)
	if hasStats(stats) && s.weight.IsPositive() {
		fair := pricing.FairValue(stats, inst.Position, injury).Mul(pricing.HotnessMultiplier(volume, avgVolume))
		price = decimal.NewFromInt(1).Sub(s.weight).Mul(price).Add(s.weight.Mul(fair))
	}
	price = price.Round(model.MoneyScale)
	if price.LessThan(pricing.MinPrice) {
		price = pricing.MinPrice
	}

	update := model.PriceUpdate{
		CurrentPrice:   price,
		PreviousPrice:  inst.CurrentPrice,
		Hotness:        pricing.HotnessScore(volume, avgVolume),
		Injury:         snap.Injury,
		RepricedVolume: inst.TradingVolume,
	}
	if len(snap.Stats) > 0 {
		update.Stats = snap.Stats
	}
	if err := s.store.UpdateInstrumentPricing(ctx, id, update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: instrument %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("market: update pricing: %w", err)
	}

	updated, err := s.Instrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Debug("instrument repriced",
		zap.String("instrument", id),
		zap.String("from", inst.CurrentPrice.StringFixed(model.MoneyScale)),
		zap.String("to", updated.CurrentPrice.StringFixed(model.MoneyScale)),
		zap.Int("hotness", updated.Hotness),
	)
	if s.notifier != nil {
		s.notifier.PriceUpdated(*updated)
	}
	return updated, nil
}

// averageVolume is the mean volume since the last repricing across the
// catalog.
func averageVolume(all []model.Instrument) float64 {
	if len(all) == 0 {
		return 0
	}
	var sum int64
	for i := range all {
		sum += all[i].VolumeSinceReprice()
	}
	return float64(sum) / float64(len(all))
}

func hasStats(s pricing.Stats) bool {
	return s.PPG > 0 || s.RPG > 0 || s.APG > 0 || s.STL > 0 || s.BLK > 0 || s.Threes > 0
}

func listed(all []model.Instrument, id string) bool {
	for _, inst := range all {
		if inst.ID == id {
			return true
		}
	}
	return false
}
