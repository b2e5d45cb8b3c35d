// Package risk implements position limits that account for correlation
// between instruments.
//
// Athletes on the same team rise and fall together: an injury to a star or a
// losing streak moves all of them. A user who buys the whole roster has
// correlated exposure, so the limiter caps the marked value held per
// instrument and the aggregate value held across each team.
package risk

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInstrumentLimitExceeded is returned when a buy would push the value
	// held in one instrument beyond the per-instrument maximum.
	ErrInstrumentLimitExceeded = errors.New("risk: per-instrument position limit exceeded")

	// ErrTeamLimitExceeded is returned when a buy would push the aggregate
	// value held across one team beyond the team maximum.
	ErrTeamLimitExceeded = errors.New("risk: team exposure limit exceeded")
)

// Exposure is the marked value of one holding.
type Exposure struct {
	InstrumentID string
	Team         string
	Value        decimal.Decimal
}

// Limiter enforces position limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerInstrument is the maximum value held in any single instrument.
	MaxPerInstrument decimal.Decimal

	// MaxPerTeam is the maximum aggregate value held across all instruments
	// of one team. Instruments without a team are never correlated.
	MaxPerTeam decimal.Decimal
}

// NewLimiter creates a limiter with the given per-instrument and per-team
// value limits.
func NewLimiter(maxPerInstrument, maxPerTeam decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerTeam:       maxPerTeam,
	}
}

// Enabled reports whether any limit is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument.IsPositive() || l.MaxPerTeam.IsPositive())
}

// Check validates a position after a trade.
//
// target is the post-trade exposure in the traded instrument; existing holds
// the user's other exposures. An entry in existing for the target instrument
// is ignored. Returns nil if the position is within limits.
func (l *Limiter) Check(target Exposure, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-instrument limit.
	if l.MaxPerInstrument.IsPositive() && target.Value.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	// 2. Team exposure: sum value across instruments of the same team.
	team := teamKey(target.Team)
	if !l.MaxPerTeam.IsPositive() || team == "" {
		return nil
	}
	total := target.Value
	for _, e := range existing {
		if e.InstrumentID == target.InstrumentID {
			continue // already counted via target
		}
		if teamKey(e.Team) == team {
			total = total.Add(e.Value)
		}
	}
	if total.GreaterThan(l.MaxPerTeam) {
		return ErrTeamLimitExceeded
	}
	return nil
}

func teamKey(team string) string {
	return strings.ToLower(strings.TrimSpace(team))
}
