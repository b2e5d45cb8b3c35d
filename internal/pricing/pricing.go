// Package pricing implements the athlete price model: listing price from
// per-game stats, injury adjustment, volume-driven hotness and the periodic
// volume/sentiment reprice.
//
// All monetary values use shopspring/decimal, never float64.
// Reprice is the only function that uses transcendental math; its float64
// result is converted to decimal and rounded to cents immediately.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/model"
)

var (
	// ErrMalformedStats is returned when a stats blob cannot be decoded or
	// contains negative values.
	ErrMalformedStats = errors.New("pricing: malformed stats")

	// ListingFloor is the lowest price InitialPrice will produce.
	ListingFloor = decimal.NewFromInt(10)

	// MinPrice is the lowest price Reprice will produce.
	MinPrice = decimal.NewFromInt(1)
)

const (
	// VolumeImpact scales ln(volume ratio) in Reprice.
	VolumeImpact = 0.05

	// SentimentImpact scales sentiment in Reprice.
	SentimentImpact = 0.03

	// MinVolumeRatio keeps ln defined when an instrument has no volume.
	MinVolumeRatio = 0.01

	// DefaultPosition is the multiplier bucket used for unknown positions.
	DefaultPosition = "SF"
)

// Stats are per-game averages. Unknown keys in the blob are ignored. STL,
// BLK and Threes are validated and stored but do not affect the price.
type Stats struct {
	PPG    float64 `json:"ppg"`
	RPG    float64 `json:"rpg"`
	APG    float64 `json:"apg"`
	STL    float64 `json:"stl"`
	BLK    float64 `json:"blk"`
	Threes float64 `json:"threes"`
}

type multipliers struct {
	ppg, rpg, apg decimal.Decimal
}

func m(ppg, rpg, apg string) multipliers {
	return multipliers{
		ppg: decimal.RequireFromString(ppg),
		rpg: decimal.RequireFromString(rpg),
		apg: decimal.RequireFromString(apg),
	}
}

// positionMultipliers weights each scoring stat by how rare it is for the
// position. Only points, rebounds and assists are scored.
var positionMultipliers = map[string]multipliers{
	"PG": m("1.26", "3.08", "2.73"),
	"SG": m("0.901", "3.448", "4"),
	"SF": m("0.917", "2.326", "5.263"),
	"PF": m("1.0204", "1.6949", "6.667"),
	"C":  m("1.0989", "1.5625", "7.692"),
}

var injuryMultipliers = map[model.InjuryStatus]decimal.Decimal{
	model.Healthy:  decimal.RequireFromString("1.0"),
	model.Minor:    decimal.RequireFromString("0.85"),
	model.Moderate: decimal.RequireFromString("0.65"),
	model.Major:    decimal.RequireFromString("0.25"),
	model.Out:      decimal.RequireFromString("0.1"),
}

// Hotness tiers, hottest first. A ratio must be strictly greater than the
// threshold to land in a tier; anything at or below the last threshold is
// the final (cold) tier.
var (
	hotnessThresholds  = []float64{2.0, 1.5, 0.8, 0.5}
	hotnessMultipliers = []decimal.Decimal{
		decimal.RequireFromString("1.15"),
		decimal.RequireFromString("1.08"),
		decimal.RequireFromString("1.0"),
		decimal.RequireFromString("0.95"),
		decimal.RequireFromString("0.9"),
	}
	hotnessScores = []int{100, 50, 0, -50, -100}
)

// ParseStats decodes a stats blob. An empty or null blob yields zero stats.
func ParseStats(raw json.RawMessage) (Stats, error) {
	var s Stats
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrMalformedStats, err)
	}
	for _, v := range []float64{s.PPG, s.RPG, s.APG, s.STL, s.BLK, s.Threes} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Stats{}, fmt.Errorf("%w: negative or non-finite value", ErrMalformedStats)
		}
	}
	return s, nil
}

// InitialPrice computes the listing price for an athlete:
//
//	price = max(score / 10, 10)
//
// where score is the position-weighted sum of points, rebounds and assists
// per game. An unknown position uses the DefaultPosition bucket.
func InitialPrice(stats Stats, position string) decimal.Decimal {
	mult, ok := positionMultipliers[position]
	if !ok {
		mult = positionMultipliers[DefaultPosition]
	}

	score := decimal.NewFromFloat(stats.PPG).Mul(mult.ppg).
		Add(decimal.NewFromFloat(stats.RPG).Mul(mult.rpg)).
		Add(decimal.NewFromFloat(stats.APG).Mul(mult.apg))

	price := score.Div(decimal.NewFromInt(10)).Round(model.MoneyScale)
	if price.LessThan(ListingFloor) {
		return ListingFloor
	}
	return price
}

// InjuryMultiplier returns the valuation factor for an injury status.
// Unknown statuses are treated as healthy.
func InjuryMultiplier(status model.InjuryStatus) decimal.Decimal {
	if f, ok := injuryMultipliers[status]; ok {
		return f
	}
	return injuryMultipliers[model.Healthy]
}

// FairValue is the stats-and-injury valuation of an athlete, never below
// MinPrice.
func FairValue(stats Stats, position string, injury model.InjuryStatus) decimal.Decimal {
	v := InitialPrice(stats, position).Mul(InjuryMultiplier(injury)).Round(model.MoneyScale)
	if v.LessThan(MinPrice) {
		return MinPrice
	}
	return v
}

func volumeRatio(volume, avgVolume float64) float64 {
	if avgVolume <= 0 {
		return 1
	}
	return volume / avgVolume
}

func hotnessTier(volume, avgVolume float64) int {
	ratio := volumeRatio(volume, avgVolume)
	for i, threshold := range hotnessThresholds {
		if ratio > threshold {
			return i
		}
	}
	return len(hotnessThresholds)
}

// HotnessMultiplier maps relative trading volume onto a five-tier factor:
// >2.0 → 1.15, >1.5 → 1.08, >0.8 → 1.0, >0.5 → 0.95, else 0.9.
// avgVolume <= 0 is treated as a neutral ratio of 1.
func HotnessMultiplier(volume, avgVolume float64) decimal.Decimal {
	return hotnessMultipliers[hotnessTier(volume, avgVolume)]
}

// HotnessScore maps the same tiers onto the advisory -100..100 score.
func HotnessScore(volume, avgVolume float64) int {
	return hotnessScores[hotnessTier(volume, avgVolume)]
}

// Reprice moves a price by relative volume and sentiment:
//
//	newPrice = price * (1 + ln(volume/avgVolume)*0.05 + sentiment*0.03)
//
// floored at MinPrice. avgVolume <= 0 is a neutral ratio; ratios below
// MinVolumeRatio are clamped so ln stays defined. Sentiment is clamped to
// [-1, 1].
func Reprice(currentPrice decimal.Decimal, volume, avgVolume, sentiment float64) decimal.Decimal {
	ratio := volumeRatio(volume, avgVolume)
	switch {
	case ratio < MinVolumeRatio || math.IsNaN(ratio):
		ratio = MinVolumeRatio
	case math.IsInf(ratio, 1):
		ratio = math.MaxFloat64
	}
	sentiment = math.Max(-1, math.Min(1, sentiment))
	if math.IsNaN(sentiment) {
		sentiment = 0
	}

	factor := 1 + math.Log(ratio)*VolumeImpact + sentiment*SentimentImpact
	price := currentPrice.Mul(decimal.NewFromFloat(factor)).Round(model.MoneyScale)
	if price.LessThan(MinPrice) {
		return MinPrice
	}
	return price
}
