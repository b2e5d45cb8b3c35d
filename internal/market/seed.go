package market

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/model"
)

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func prev(s string) *decimal.Decimal {
	p := decimal.RequireFromString(s)
	return &p
}

// DefaultCatalog is the demo catalog of NBA athletes.
func DefaultCatalog() []model.Instrument {
	return []model.Instrument{
		{
			Name: "LeBron James", Position: "SF", Team: "Lakers", Sport: "NBA",
			CurrentPrice: price("84.50"), PreviousPrice: prev("81.26"),
			Stats:  json.RawMessage(`{"ppg":27.4,"rpg":8.2,"apg":7.1}`),
			Injury: model.Healthy, Hotness: 85, TradingVolume: 1250,
		},
		{
			Name: "Stephen Curry", Position: "PG", Team: "Warriors", Sport: "NBA",
			CurrentPrice: price("91.20"), PreviousPrice: prev("93.05"),
			Stats:  json.RawMessage(`{"ppg":29.1,"rpg":6.2,"apg":6.8}`),
			Injury: model.Healthy, Hotness: 42, TradingVolume: 980,
		},
		{
			Name: "Giannis Antetokounmpo", Position: "PF", Team: "Bucks", Sport: "NBA",
			CurrentPrice: price("76.80"), PreviousPrice: prev("84.92"),
			Stats:  json.RawMessage(`{"ppg":31.2,"rpg":12.1,"apg":5.7}`),
			Injury: model.Minor, Hotness: -45, TradingVolume: 1800,
		},
		{
			Name: "Luka Dončić", Position: "PG", Team: "Mavericks", Sport: "NBA",
			CurrentPrice: price("89.45"), PreviousPrice: prev("83.78"),
			Stats:  json.RawMessage(`{"ppg":32.8,"rpg":8.9,"apg":9.1}`),
			Injury: model.Healthy, Hotness: 72, TradingVolume: 1450,
		},
		{
			Name: "Jayson Tatum", Position: "SF", Team: "Celtics", Sport: "NBA",
			CurrentPrice: price("78.90"), PreviousPrice: prev("77.20"),
			Stats:  json.RawMessage(`{"ppg":26.9,"rpg":8.1,"apg":4.9}`),
			Injury: model.Healthy, Hotness: 28, TradingVolume: 750,
		},
	}
}

// Seed lists catalog into an empty market and returns how many instruments
// it created. A market that already has instruments is left alone.
func (s *Service) Seed(ctx context.Context, catalog []model.Instrument) (int, error) {
	existing, err := s.Instruments(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for i := range catalog {
		if err := s.List(ctx, &catalog[i]); err != nil {
			return i, err
		}
	}
	s.log.Info("catalog seeded", zap.Int("instruments", len(catalog)))
	return len(catalog), nil
}
