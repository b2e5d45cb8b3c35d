package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jheimann05/sportfolio/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, got.Equal(d(want)), "expected %s, got %s %v", want, got, msgAndArgs)
}

// backends returns every Store implementation reachable from this test run.
// PostgreSQL and Redis are only exercised when their URLs are set.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "sportfolio.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if url := os.Getenv("SPORTFOLIO_TEST_DATABASE_URL"); url != "" {
		b["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, url)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS trades, holdings, instruments, users`)
			require.NoError(t, err)
			s := NewPostgresStore(pool)
			require.NoError(t, s.Migrate(ctx))
			return s
		}
	}
	if url := os.Getenv("SPORTFOLIO_TEST_REDIS_URL"); url != "" {
		b["redis"] = func(t *testing.T) Store {
			opts, err := redis.ParseURL(url)
			require.NoError(t, err)
			rdb := redis.NewClient(opts)
			t.Cleanup(func() { _ = rdb.Close() })
			require.NoError(t, rdb.FlushDB(context.Background()).Err())
			return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedUser(t *testing.T, s Store, name, cash string) *model.User {
	t.Helper()
	u := &model.User{Username: name, Cash: d(cash), PortfolioValue: decimal.Zero}
	require.NoError(t, s.CreateUser(context.Background(), u))
	require.NotEmpty(t, u.ID)
	return u
}

func seedInstrument(t *testing.T, s Store, name, price string) *model.Instrument {
	t.Helper()
	inst := &model.Instrument{
		Name:         name,
		Position:     "SF",
		Team:         "Lakers",
		Sport:        "NBA",
		CurrentPrice: d(price),
		Stats:        json.RawMessage(`{"ppg": 27.4, "rpg": 8.2}`),
		Injury:       model.Healthy,
	}
	require.NoError(t, s.CreateInstrument(context.Background(), inst))
	require.NotEmpty(t, inst.ID)
	return inst
}

func buyCommit(u *model.User, inst *model.Instrument, shares, expected int64, price, cashDelta string, ts time.Time) *model.TradeCommit {
	p := d(price)
	total := p.Mul(decimal.NewFromInt(expected + shares))
	return &model.TradeCommit{
		Trade: model.Trade{
			UserID:        u.ID,
			InstrumentID:  inst.ID,
			Direction:     model.Buy,
			Shares:        shares,
			PricePerShare: p,
			TotalAmount:   p.Mul(decimal.NewFromInt(shares)),
			Fee:           decimal.Zero,
			NetAmount:     d(cashDelta).Neg(),
			Timestamp:     ts,
		},
		CashDelta: d(cashDelta),
		Holding: &model.Holding{
			Shares:      expected + shares,
			AverageCost: p,
			TotalValue:  total,
		},
		ExpectedShares: expected,
		PortfolioValue: total,
	}
}

// --- Users ---

func TestStore_Users(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "10000.00")

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		requireDecimal(t, "10000", got.Cash)

		byName, err := s.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byName.ID)

		err = s.CreateUser(ctx, &model.User{Username: "alice", Cash: d("1")})
		assert.True(t, errors.Is(err, ErrDuplicate), "expected ErrDuplicate, got %v", err)

		_, err = s.GetUser(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
		_, err = s.GetUserByUsername(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

		seedUser(t, s, "bob", "5")
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 2)
	})
}

// --- Instruments ---

func TestStore_InstrumentPricing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := seedInstrument(t, s, "LeBron James", "84.50")

		got, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Nil(t, got.PreviousPrice, "new instrument has no previous price")
		assert.JSONEq(t, `{"ppg": 27.4, "rpg": 8.2}`, string(got.Stats))

		require.NoError(t, s.UpdateInstrumentPricing(ctx, inst.ID, model.PriceUpdate{
			CurrentPrice:  d("88.10"),
			PreviousPrice: d("84.50"),
			Hotness:       50,
		}))
		got, err = s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		requireDecimal(t, "88.10", got.CurrentPrice)
		require.NotNil(t, got.PreviousPrice)
		requireDecimal(t, "84.50", *got.PreviousPrice)
		assert.Equal(t, 50, got.Hotness)
		assert.Equal(t, model.Healthy, got.Injury, "empty injury leaves status unchanged")
		assert.JSONEq(t, `{"ppg": 27.4, "rpg": 8.2}`, string(got.Stats), "nil stats leave blob unchanged")

		require.NoError(t, s.UpdateInstrumentPricing(ctx, inst.ID, model.PriceUpdate{
			CurrentPrice:  d("70"),
			PreviousPrice: d("88.10"),
			Hotness:       -50,
			Stats:         json.RawMessage(`{"ppg": 20}`),
			Injury:        model.Minor,
		}))
		got, err = s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Minor, got.Injury)
		assert.JSONEq(t, `{"ppg": 20}`, string(got.Stats))

		err = s.UpdateInstrumentPricing(ctx, "missing", model.PriceUpdate{CurrentPrice: d("1"), PreviousPrice: d("1")})
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	})
}

// --- CommitTrade ---

func TestStore_CommitTradeLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "1000.00")
		inst := seedInstrument(t, s, "LeBron James", "84.50")
		base := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

		// First buy creates the holding.
		c := buyCommit(u, inst, 10, 0, "84.50", "-857.68", base)
		require.NoError(t, s.CommitTrade(ctx, c))
		require.NotEmpty(t, c.Trade.ID)
		require.NotEmpty(t, c.Holding.ID)
		holdingID := c.Holding.ID

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		requireDecimal(t, "142.32", got.Cash)
		requireDecimal(t, "845", got.PortfolioValue)

		h, err := s.GetHolding(ctx, u.ID, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), h.Shares)
		requireDecimal(t, "84.50", h.AverageCost)

		gotInst, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), gotInst.TradingVolume)

		// Second buy updates the same holding in place.
		c = buyCommit(u, inst, 1, 10, "84.50", "-84.50", base.Add(time.Second))
		require.NoError(t, s.CommitTrade(ctx, c))
		h, err = s.GetHolding(ctx, u.ID, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, holdingID, h.ID)
		assert.Equal(t, int64(11), h.Shares)

		holdings, err := s.ListHoldingsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, holdings, 1)

		// Selling everything deletes the holding.
		sell := &model.TradeCommit{
			Trade: model.Trade{
				UserID:        u.ID,
				InstrumentID:  inst.ID,
				Direction:     model.Sell,
				Shares:        11,
				PricePerShare: d("90"),
				TotalAmount:   d("990"),
				Fee:           d("14.85"),
				NetAmount:     d("975.15"),
				Timestamp:     base.Add(2 * time.Second),
			},
			CashDelta:      d("975.15"),
			ExpectedShares: 11,
			PortfolioValue: decimal.Zero,
		}
		require.NoError(t, s.CommitTrade(ctx, sell))

		_, err = s.GetHolding(ctx, u.ID, inst.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "expected holding deleted, got %v", err)
		holdings, err = s.ListHoldingsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, holdings)

		got, err = s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		requireDecimal(t, "1032.97", got.Cash)

		gotInst, err = s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(22), gotInst.TradingVolume)

		trades, err := s.ListTradesByUser(ctx, u.ID, 0)
		require.NoError(t, err)
		require.Len(t, trades, 3)
		assert.Equal(t, model.Sell, trades[0].Direction, "newest first")
		assert.Equal(t, int64(10), trades[2].Shares)
		requireDecimal(t, "14.85", trades[0].Fee)

		limited, err := s.ListTradesByUser(ctx, u.ID, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		recent, err := s.ListRecentTrades(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, trades[0].ID, recent[0].ID)
	})
}

func TestStore_CommitTradeConflictsWriteNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "100.00")
		inst := seedInstrument(t, s, "Stephen Curry", "91.20")
		ts := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

		// Cash would go negative.
		err := s.CommitTrade(ctx, buyCommit(u, inst, 2, 0, "91.20", "-185.14", ts))
		assert.True(t, errors.Is(err, ErrConflict), "expected ErrConflict, got %v", err)

		// Holding changed since the commit was computed.
		err = s.CommitTrade(ctx, buyCommit(u, inst, 1, 5, "91.20", "-92.57", ts))
		assert.True(t, errors.Is(err, ErrConflict), "expected ErrConflict, got %v", err)

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		requireDecimal(t, "100", got.Cash)

		_, err = s.GetHolding(ctx, u.ID, inst.ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		trades, err := s.ListTradesByUser(ctx, u.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, trades)

		gotInst, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), gotInst.TradingVolume)
	})
}

func TestStore_CommitTradeUnknownUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		inst := seedInstrument(t, s, "Jayson Tatum", "78.90")
		ghost := &model.User{ID: "ghost"}
		err := s.CommitTrade(context.Background(),
			buyCommit(ghost, inst, 1, 0, "78.90", "-80.08", time.Now().UTC()))
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	})
}

func TestStore_ConcurrentFirstBuysCommitOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "10000.00")
		inst := seedInstrument(t, s, "Nikola Jokic", "80.00")
		ts := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

		// Every order was priced against an empty holding.
		const n = 8
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CommitTrade(ctx, buyCommit(u, inst, 10, 0, "80.00", "-812.00", ts))
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.True(t, errors.Is(err, ErrConflict), "expected ErrConflict, got %v", err)
		}
		require.Equal(t, 1, ok, "exactly one first buy commits")

		h, err := s.GetHolding(ctx, u.ID, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), h.Shares)

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		requireDecimal(t, "9188", got.Cash)

		trades, err := s.ListTradesByUser(ctx, u.ID, 0)
		require.NoError(t, err)
		assert.Len(t, trades, 1)

		gotInst, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), gotInst.TradingVolume)
	})
}

func TestStore_StaleSellConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "1000.00")
		inst := seedInstrument(t, s, "Nikola Jokic", "80.00")
		ts := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
		require.NoError(t, s.CommitTrade(ctx, buyCommit(u, inst, 10, 0, "80.00", "-812.00", ts)))

		// Computed against 5 shares while 10 are held.
		sell := &model.TradeCommit{
			Trade: model.Trade{
				UserID:        u.ID,
				InstrumentID:  inst.ID,
				Direction:     model.Sell,
				Shares:        5,
				PricePerShare: d("80"),
				TotalAmount:   d("400"),
				Fee:           d("6"),
				NetAmount:     d("394"),
				Timestamp:     ts.Add(time.Second),
			},
			CashDelta:      d("394"),
			ExpectedShares: 5,
			PortfolioValue: decimal.Zero,
		}
		err := s.CommitTrade(ctx, sell)
		assert.True(t, errors.Is(err, ErrConflict), "expected ErrConflict, got %v", err)

		h, err := s.GetHolding(ctx, u.ID, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), h.Shares)
		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		requireDecimal(t, "188", got.Cash)
	})
}

func TestStore_ListTradesSince(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := seedUser(t, s, "alice", "1000.00")
		inst := seedInstrument(t, s, "Nikola Jokic", "10.00")
		base := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

		for i := int64(0); i < 3; i++ {
			ts := base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.CommitTrade(ctx, buyCommit(u, inst, 1, i, "10.00", "-10.15", ts)))
		}

		trades, err := s.ListTradesSince(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, trades, 2, "the bound is inclusive")
		assert.True(t, trades[0].Timestamp.Equal(base.Add(2*time.Hour)), "newest first")
		assert.True(t, trades[1].Timestamp.Equal(base.Add(time.Hour)))

		trades, err = s.ListTradesSince(ctx, base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, trades)
	})
}

// --- Cache-specific ---

func TestCachedStore_RacingReadDoesNotRefillStaleValue(t *testing.T) {
	url := os.Getenv("SPORTFOLIO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SPORTFOLIO_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	require.NoError(t, rdb.FlushDB(ctx).Err())

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)
	u := seedUser(t, s, "alice", "1000.00")
	inst := seedInstrument(t, s, "Nikola Jokic", "80.00")

	// A reader misses the cache and loads the user just before a commit.
	key := userKey(u.ID)
	ver := s.version(ctx, key)
	stale, err := primary.GetUser(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, s.CommitTrade(ctx,
		buyCommit(u, inst, 10, 0, "80.00", "-812.00", time.Now().UTC())))

	// Its fill lands after the commit's invalidation and must be dropped.
	s.fill(ctx, key, ver, stale)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	requireDecimal(t, "188", got.Cash)

	// A fill with the current version is kept.
	cached, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	requireDecimal(t, "188", cached.Cash)
	n, err := rdb.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// --- Memory-specific ---

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inst := seedInstrument(t, s, "Luka Doncic", "89.45")

	got, err := s.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	got.CurrentPrice = d("1")
	got.Stats[0] = '['

	again, err := s.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	requireDecimal(t, "89.45", again.CurrentPrice)
	assert.JSONEq(t, `{"ppg": 27.4, "rpg": 8.2}`, string(again.Stats))
}
