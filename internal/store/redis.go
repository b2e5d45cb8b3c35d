package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jheimann05/sportfolio/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// affected keys; reads check Redis first then fall back to the primary.
//
// Every cached key has a version counter that writers bump before deleting
// the key. A reader only fills the cache if the version it saw before reading
// the primary is still current, so a read that raced a write never puts the
// pre-write value back.
//
// The primary stays authoritative for trade commits: a commit computed from a
// stale cached read is rejected by the primary's guards with ErrConflict.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	return s.primary.CreateInstrument(ctx, inst)
}

func (s *CachedStore) UpdateInstrumentPricing(ctx context.Context, id string, u model.PriceUpdate) error {
	if err := s.primary.UpdateInstrumentPricing(ctx, id, u); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentKey(id))
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c *model.TradeCommit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	t := c.Trade
	s.invalidate(ctx,
		userKey(t.UserID),
		holdingsKey(t.UserID),
		instrumentKey(t.InstrumentID),
	)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	key := userKey(id)
	var u model.User
	if s.get(ctx, key, &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	ver := s.version(ctx, key)
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, ver, got)
	return got, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	key := instrumentKey(id)
	var inst model.Instrument
	if s.get(ctx, key, &inst) {
		return &inst, nil
	}

	ver := s.version(ctx, key)
	got, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, ver, got)
	return got, nil
}

func (s *CachedStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	key := holdingsKey(userID)
	var holdings []model.Holding
	if s.get(ctx, key, &holdings) {
		return holdings, nil
	}

	ver := s.version(ctx, key)
	holdings, err := s.primary.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, ver, holdings)
	return holdings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, instrumentID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID, limit)
}

func (s *CachedStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListRecentTrades(ctx, limit)
}

func (s *CachedStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	return s.primary.ListTradesSince(ctx, since)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// version returns the current version of key, or -1 when Redis is
// unreachable so the following fill is skipped.
func (s *CachedStore) version(ctx context.Context, key string) int64 {
	v, err := s.rdb.Get(ctx, versionKey(key)).Int64()
	switch {
	case err == nil:
		return v
	case errors.Is(err, redis.Nil):
		return 0
	}
	return -1
}

// fill caches v under key if no writer has bumped the key's version since ver
// was read. The version is watched, so a bump between the check and the SET
// aborts the transaction.
func (s *CachedStore) fill(ctx context.Context, key string, ver int64, v any) {
	if ver < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	vk := versionKey(key)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, vk)
}

// invalidate bumps the version of every key and then deletes the cached
// values.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, versionKey(k))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
}

func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func holdingsKey(uid string) string  { return fmt.Sprintf("holdings:%s", uid) }
func versionKey(key string) string   { return key + ":v" }
