package market_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/ledger"
	"github.com/jheimann05/sportfolio/internal/market"
	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func p(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

const pgStats = `{"ppg":50,"rpg":10,"apg":10,"stl":2,"blk":1,"threes":4}` // 12.11 as a PG

func create(t *testing.T, st store.Store, insts ...*model.Instrument) {
	t.Helper()
	for _, inst := range insts {
		if err := st.CreateInstrument(context.Background(), inst); err != nil {
			t.Fatal(err)
		}
	}
}

type recorder struct {
	updates []model.Instrument
}

func (r *recorder) PriceUpdated(inst model.Instrument) {
	r.updates = append(r.updates, inst)
}

// --- List ---

func TestList_PricesFromStatsWhenUnpriced(t *testing.T) {
	st := store.NewMemoryStore()
	svc := market.New(st)
	inst := &model.Instrument{Name: "  Rookie ", Position: "PG", Stats: json.RawMessage(pgStats)}
	if err := svc.List(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Instrument(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPrice.Equal(d("12.11")) {
		t.Errorf("listing price = %s, want 12.11", got.CurrentPrice)
	}
	if got.Name != "Rookie" || got.Injury != model.Healthy {
		t.Errorf("unexpected defaults: name %q injury %q", got.Name, got.Injury)
	}
	if got.PreviousPrice != nil {
		t.Errorf("new listing should have no previous price, got %s", got.PreviousPrice)
	}
}

func TestList_KeepsExplicitPrice(t *testing.T) {
	svc := market.New(store.NewMemoryStore())
	inst := &model.Instrument{Name: "Vet", Position: "C", CurrentPrice: d("42.5"), Stats: json.RawMessage(pgStats)}
	if err := svc.List(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
	if !inst.CurrentPrice.Equal(d("42.50")) {
		t.Errorf("price = %s, want 42.50", inst.CurrentPrice)
	}
}

func TestList_Rejects(t *testing.T) {
	tests := []struct {
		name string
		inst model.Instrument
	}{
		{"no name", model.Instrument{Name: " "}},
		{"bad injury", model.Instrument{Name: "x", Injury: "sprained"}},
		{"hotness high", model.Instrument{Name: "x", Hotness: 101}},
		{"hotness low", model.Instrument{Name: "x", Hotness: -101}},
		{"negative price", model.Instrument{Name: "x", CurrentPrice: d("-1")}},
		{"negative volume", model.Instrument{Name: "x", TradingVolume: -1}},
		{"malformed stats", model.Instrument{Name: "x", Stats: json.RawMessage(`{"ppg":-3}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			inst := tt.inst
			if err := market.New(st).List(context.Background(), &inst); !errors.Is(err, market.ErrInvalidInstrument) {
				t.Fatalf("expected ErrInvalidInstrument, got %v", err)
			}
			all, _ := st.ListInstruments(context.Background())
			if len(all) != 0 {
				t.Errorf("rejected listing was stored")
			}
		})
	}
}

func TestInstrument_NotFound(t *testing.T) {
	_, err := market.New(store.NewMemoryStore()).Instrument(context.Background(), "ghost")
	if !errors.Is(err, market.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- RepriceInstrument ---

func TestRepriceAll_VolumeRelativeToCatalog(t *testing.T) {
	st := store.NewMemoryStore()
	a := &model.Instrument{ID: "i-a", Name: "A", CurrentPrice: d("100"), TradingVolume: 300}
	b := &model.Instrument{ID: "i-b", Name: "B", CurrentPrice: d("50"), TradingVolume: 100}
	create(t, st, a, b)
	svc := market.New(st)

	// avg volume 200: a trades 1.5x, b 0.5x.
	report, err := svc.RepriceAll(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Repriced) != 2 {
		t.Fatalf("expected 2 repriced, got %d", len(report.Repriced))
	}
	gotA, gotB := report.Repriced[0], report.Repriced[1]
	if !gotA.CurrentPrice.Equal(d("102.03")) {
		t.Errorf("a price = %s, want 102.03", gotA.CurrentPrice)
	}
	if gotA.PreviousPrice == nil || !gotA.PreviousPrice.Equal(d("100")) {
		t.Errorf("a previous price = %v, want 100", gotA.PreviousPrice)
	}
	if gotA.Hotness != 0 {
		t.Errorf("a hotness = %d, want 0 (ratio 1.5 is not above 1.5)", gotA.Hotness)
	}
	if gotA.RepricedVolume != 300 || gotA.VolumeSinceReprice() != 0 {
		t.Errorf("a volume not marked as priced in: %+v", gotA)
	}
	if !gotB.CurrentPrice.Equal(d("48.27")) {
		t.Errorf("b price = %s, want 48.27", gotB.CurrentPrice)
	}
	if gotB.Hotness != -100 {
		t.Errorf("b hotness = %d, want -100", gotB.Hotness)
	}
}

func TestRepriceAll_StableWithoutTrades(t *testing.T) {
	st := store.NewMemoryStore()
	svc := market.New(st)
	ctx := context.Background()
	if _, err := svc.Seed(ctx, market.DefaultCatalog()); err != nil {
		t.Fatal(err)
	}
	seeded, _ := svc.Instruments(ctx)

	for run := 0; run < 24; run++ {
		if _, err := svc.RepriceAll(ctx, nil); err != nil {
			t.Fatal(err)
		}
	}

	after, _ := svc.Instruments(ctx)
	for i := range seeded {
		if !after[i].CurrentPrice.Equal(seeded[i].CurrentPrice) {
			t.Errorf("%s drifted from %s to %s with no trades",
				seeded[i].Name, seeded[i].CurrentPrice, after[i].CurrentPrice)
		}
	}
}

func TestRepriceAll_PricesOnlyNewVolume(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := &model.Instrument{ID: "i-a", Name: "A", CurrentPrice: d("100"), TradingVolume: 100}
	b := &model.Instrument{ID: "i-b", Name: "B", CurrentPrice: d("100"), TradingVolume: 100}
	create(t, st, a, b)
	if err := st.CreateUser(ctx, &model.User{ID: "u-alice", Username: "alice", Cash: d("10000")}); err != nil {
		t.Fatal(err)
	}
	svc := market.New(st)

	price := func(id string) decimal.Decimal {
		t.Helper()
		inst, err := st.GetInstrument(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		return inst.CurrentPrice
	}

	// Equal history: neutral.
	if _, err := svc.RepriceAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if !price("i-a").Equal(d("100")) || !price("i-b").Equal(d("100")) {
		t.Fatalf("equal volume moved prices: a %s, b %s", price("i-a"), price("i-b"))
	}

	// Only a trades in the next window: ratio 2 for a, 0 (clamped) for b.
	order := model.TradeOrder{UserID: "u-alice", InstrumentID: "i-a", Direction: model.Buy, Shares: 30}
	if _, err := ledger.New(st).ExecuteTrade(ctx, order); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RepriceAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if !price("i-a").Equal(d("103.47")) {
		t.Errorf("a = %s, want 103.47", price("i-a"))
	}
	if !price("i-b").Equal(d("76.97")) {
		t.Errorf("b = %s, want 76.97", price("i-b"))
	}

	// Nothing new traded: prices hold.
	if _, err := svc.RepriceAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if !price("i-a").Equal(d("103.47")) || !price("i-b").Equal(d("76.97")) {
		t.Errorf("prices moved without trades: a %s, b %s", price("i-a"), price("i-b"))
	}
}

func TestRepriceInstrument_Sentiment(t *testing.T) {
	tests := []struct {
		sentiment float64
		want      string
	}{
		{0, "100"},
		{1, "103"},
		{-1, "97"},
		{5, "103"},
		{-5, "97"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.sentiment), func(t *testing.T) {
			st := store.NewMemoryStore()
			inst := &model.Instrument{Name: "A", CurrentPrice: d("100"), TradingVolume: 10}
			create(t, st, inst)
			got, err := market.New(st, market.WithFundamentalWeight(0)).
				RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{Sentiment: tt.sentiment})
			if err != nil {
				t.Fatal(err)
			}
			if !got.CurrentPrice.Equal(d(tt.want)) {
				t.Errorf("price = %s, want %s", got.CurrentPrice, tt.want)
			}
		})
	}
}

func TestRepriceInstrument_BlendsFairValue(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", Position: "PG", CurrentPrice: d("100"), Stats: json.RawMessage(pgStats)}
	create(t, st, inst)
	svc := market.New(st, market.WithFundamentalWeight(0.5))

	// 0.5 × 100 + 0.5 × 12.11 = 56.055
	got, err := svc.RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPrice.Equal(d("56.06")) {
		t.Errorf("price = %s, want 56.06", got.CurrentPrice)
	}
}

func TestRepriceInstrument_SnapshotReplacesInjuryAndStats(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", Position: "PG", CurrentPrice: d("100"), Injury: model.Healthy}
	create(t, st, inst)
	svc := market.New(st, market.WithFundamentalWeight(0.5))

	// fair 12.11 × 0.1 = 1.21; 0.5 × 100 + 0.5 × 1.21 = 50.605
	got, err := svc.RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{
		Stats:  json.RawMessage(pgStats),
		Injury: model.Out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPrice.Equal(d("50.61")) {
		t.Errorf("price = %s, want 50.61", got.CurrentPrice)
	}
	if got.Injury != model.Out {
		t.Errorf("injury = %q, want out", got.Injury)
	}
	if string(got.Stats) != pgStats {
		t.Errorf("stats = %s, want %s", got.Stats, pgStats)
	}
}

func TestRepriceInstrument_NoStatsSkipsBlend(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", CurrentPrice: d("100")}
	create(t, st, inst)
	got, err := market.New(st, market.WithFundamentalWeight(0.5)).
		RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPrice.Equal(d("100")) {
		t.Errorf("price = %s, want 100", got.CurrentPrice)
	}
}

func TestRepriceInstrument_FloorsAtMinPrice(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", CurrentPrice: d("1")}
	create(t, st, inst)
	got, err := market.New(st).RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{Sentiment: -1})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPrice.Equal(d("1")) {
		t.Errorf("price = %s, want floor 1", got.CurrentPrice)
	}
}

func TestRepriceInstrument_Errors(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", CurrentPrice: d("100")}
	create(t, st, inst)
	svc := market.New(st)
	ctx := context.Background()

	if _, err := svc.RepriceInstrument(ctx, "ghost", model.StatsSnapshot{}); !errors.Is(err, market.ErrNotFound) {
		t.Errorf("unknown instrument: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.RepriceInstrument(ctx, inst.ID, model.StatsSnapshot{Stats: json.RawMessage(`{"ppg":-1}`)}); !errors.Is(err, market.ErrInvalidSnapshot) {
		t.Errorf("negative stats: expected ErrInvalidSnapshot, got %v", err)
	}
	if _, err := svc.RepriceInstrument(ctx, inst.ID, model.StatsSnapshot{Injury: "sprained"}); !errors.Is(err, market.ErrInvalidSnapshot) {
		t.Errorf("bad injury: expected ErrInvalidSnapshot, got %v", err)
	}

	got, _ := st.GetInstrument(ctx, inst.ID)
	if !got.CurrentPrice.Equal(d("100")) || got.PreviousPrice != nil {
		t.Errorf("failed reprices changed the instrument: %+v", got)
	}
}

func TestRepriceInstrument_Notifies(t *testing.T) {
	st := store.NewMemoryStore()
	inst := &model.Instrument{Name: "A", CurrentPrice: d("100")}
	create(t, st, inst)
	rec := &recorder{}
	svc := market.New(st, market.WithNotifier(rec), market.WithFundamentalWeight(0))

	if _, err := svc.RepriceInstrument(context.Background(), inst.ID, model.StatsSnapshot{Sentiment: 1}); err != nil {
		t.Fatal(err)
	}
	if len(rec.updates) != 1 || !rec.updates[0].CurrentPrice.Equal(d("103")) {
		t.Errorf("unexpected notifications %+v", rec.updates)
	}
}

// --- RepriceAll ---

func TestRepriceAll_IsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	a := &model.Instrument{ID: "i-a", Name: "A", CurrentPrice: d("100"), TradingVolume: 10}
	b := &model.Instrument{ID: "i-b", Name: "B", CurrentPrice: d("100"), TradingVolume: 10}
	c := &model.Instrument{ID: "i-c", Name: "C", CurrentPrice: d("100"), TradingVolume: 10}
	create(t, st, a, b, c)
	svc := market.New(st, market.WithFundamentalWeight(0))

	report, err := svc.RepriceAll(context.Background(), map[string]model.StatsSnapshot{
		"i-a":     {Sentiment: 1},
		"i-b":     {Stats: json.RawMessage(`not json`)},
		"i-ghost": {Sentiment: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Repriced) != 2 {
		t.Fatalf("expected 2 repriced, got %d", len(report.Repriced))
	}
	if _, ok := report.Failed["i-b"]; !ok {
		t.Errorf("malformed snapshot not reported: %v", report.Failed)
	}
	if _, ok := report.Failed["i-ghost"]; !ok {
		t.Errorf("unknown instrument not reported: %v", report.Failed)
	}

	ctx := context.Background()
	gotA, _ := st.GetInstrument(ctx, "i-a")
	gotB, _ := st.GetInstrument(ctx, "i-b")
	gotC, _ := st.GetInstrument(ctx, "i-c")
	if !gotA.CurrentPrice.Equal(d("103")) {
		t.Errorf("a = %s, want 103", gotA.CurrentPrice)
	}
	if gotB.PreviousPrice != nil {
		t.Errorf("b should be untouched, got previous price %s", gotB.PreviousPrice)
	}
	if !gotC.CurrentPrice.Equal(d("100")) || gotC.PreviousPrice == nil {
		t.Errorf("c should be repriced on volume alone: %+v", gotC)
	}
}

func TestRepriceAll_CancelledContext(t *testing.T) {
	st := store.NewMemoryStore()
	create(t, st, &model.Instrument{Name: "A", CurrentPrice: d("100")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := market.New(st).RepriceAll(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Stats & Trending ---

func TestStats(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := &model.Instrument{ID: "i-a", Name: "A", CurrentPrice: d("100"), PreviousPrice: p("80")}
	b := &model.Instrument{ID: "i-b", Name: "B", CurrentPrice: d("50"), PreviousPrice: p("55")}
	c := &model.Instrument{ID: "i-c", Name: "C", CurrentPrice: d("10")}
	create(t, st, a, b, c)
	for _, name := range []string{"alice", "bob", "carol"} {
		if err := st.CreateUser(ctx, &model.User{ID: "u-" + name, Username: name, Cash: d("10000")}); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC),  // carol, too old
		time.Date(2025, 3, 9, 13, 0, 0, 0, time.UTC),  // bob, active but not today
		time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),  // alice
		time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC), // alice
	}
	next := 0
	l := ledger.New(st, ledger.WithClock(func() time.Time {
		ts := stamps[next]
		next++
		return ts
	}))
	for _, o := range []model.TradeOrder{
		{UserID: "u-carol", InstrumentID: "i-a", Direction: model.Buy, Shares: 1},
		{UserID: "u-bob", InstrumentID: "i-a", Direction: model.Buy, Shares: 1},
		{UserID: "u-alice", InstrumentID: "i-a", Direction: model.Buy, Shares: 2},
		{UserID: "u-alice", InstrumentID: "i-b", Direction: model.Buy, Shares: 1},
	} {
		if _, err := l.ExecuteTrade(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := market.New(st, market.WithClock(func() time.Time { return now })).Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.MarketCap.Equal(d("160")) {
		t.Errorf("market cap = %s, want 160", stats.MarketCap)
	}
	if !stats.DailyVolume.Equal(d("250")) {
		t.Errorf("daily volume = %s, want 250", stats.DailyVolume)
	}
	if stats.ActiveTraders != 2 {
		t.Errorf("active traders = %d, want 2", stats.ActiveTraders)
	}
	if stats.TopGainer == nil || stats.TopGainer.InstrumentID != "i-a" || !stats.TopGainer.ChangePct.Equal(d("25")) {
		t.Errorf("unexpected top gainer %+v", stats.TopGainer)
	}
}

func TestStats_EmptyMarket(t *testing.T) {
	stats, err := market.New(store.NewMemoryStore()).Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stats.MarketCap.IsZero() || !stats.DailyVolume.IsZero() || stats.ActiveTraders != 0 || stats.TopGainer != nil {
		t.Errorf("unexpected stats for empty market %+v", stats)
	}
}

func TestTrending(t *testing.T) {
	st := store.NewMemoryStore()
	create(t, st,
		&model.Instrument{ID: "i-x", Name: "X", CurrentPrice: d("1"), TradingVolume: 5},
		&model.Instrument{ID: "i-z", Name: "Z", CurrentPrice: d("1"), TradingVolume: 50},
		&model.Instrument{ID: "i-y", Name: "Y", CurrentPrice: d("1"), TradingVolume: 50},
	)
	got, err := market.New(st).Trending(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "i-y" || got[1].ID != "i-z" {
		t.Errorf("unexpected trending order %+v", got)
	}
}

func TestTrending_DefaultLimit(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 12; i++ {
		create(t, st, &model.Instrument{Name: fmt.Sprintf("I%d", i), CurrentPrice: d("1"), TradingVolume: int64(i)})
	}
	got, err := market.New(st).Trending(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != market.DefaultTrendingLimit || got[0].TradingVolume != 11 {
		t.Errorf("expected %d rows led by volume 11, got %d rows", market.DefaultTrendingLimit, len(got))
	}
}

// --- Seed ---

func TestSeed_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	svc := market.New(st)
	ctx := context.Background()

	n, err := svc.Seed(ctx, market.DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("seeded %d instruments, want 5", n)
	}
	n, err = svc.Seed(ctx, market.DefaultCatalog())
	if err != nil || n != 0 {
		t.Fatalf("second seed created %d (err %v), want 0", n, err)
	}

	all, _ := svc.Instruments(ctx)
	if len(all) != 5 {
		t.Fatalf("catalog has %d instruments, want 5", len(all))
	}
	lebron := all[0]
	if lebron.Name != "LeBron James" || !lebron.CurrentPrice.Equal(d("84.50")) ||
		lebron.PreviousPrice == nil || !lebron.PreviousPrice.Equal(d("81.26")) {
		t.Errorf("unexpected first instrument %+v", lebron)
	}
	if all[2].Injury != model.Minor || all[2].Hotness != -45 {
		t.Errorf("unexpected Giannis row %+v", all[2])
	}
}
