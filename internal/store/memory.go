package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jheimann05/sportfolio/internal/model"
)

// table is an owning arena for one entity type: rows keyed by ID plus
// insertion order for stable listing.
type table[T any] struct {
	rows  map[string]*T
	order []string
}

func newTable[T any]() table[T] {
	return table[T]{rows: make(map[string]*T)}
}

func (t *table[T]) put(id string, row *T) {
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = row
}

func (t *table[T]) remove(id string) {
	if _, ok := t.rows[id]; !ok {
		return
	}
	delete(t.rows, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

type holdingKey struct {
	userID       string
	instrumentID string
}

// MemoryStore implements Store with in-memory tables. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single RWMutex guards all tables, so CommitTrade is trivially atomic
// with respect to every reader.
type MemoryStore struct {
	mu          sync.RWMutex
	users       table[model.User]
	usernames   map[string]string
	instruments table[model.Instrument]
	holdings    table[model.Holding]
	holdingIdx  map[holdingKey]string
	trades      []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       newTable[model.User](),
		usernames:   make(map[string]string),
		instruments: newTable[model.Instrument](),
		holdings:    newTable[model.Holding](),
		holdingIdx:  make(map[holdingKey]string),
	}
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[u.Username]; ok {
		return fmt.Errorf("%w: username %s", ErrDuplicate, u.Username)
	}
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users.put(u.ID, &copy)
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users.rows[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	copy := *s.users.rows[id]
	return &copy, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users.order))
	for _, id := range s.users.order {
		users = append(users, *s.users.rows[id])
	}
	return users, nil
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID == "" {
		inst.ID = NewID()
	}
	if _, ok := s.instruments.rows[inst.ID]; ok {
		return fmt.Errorf("%w: instrument %s", ErrDuplicate, inst.ID)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	s.instruments.put(inst.ID, cloneInstrument(inst))
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments.rows[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return cloneInstrument(inst), nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments.order))
	for _, id := range s.instruments.order {
		out = append(out, *cloneInstrument(s.instruments.rows[id]))
	}
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPricing(_ context.Context, id string, u model.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments.rows[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	prev := u.PreviousPrice
	inst.PreviousPrice = &prev
	inst.CurrentPrice = u.CurrentPrice
	inst.Hotness = u.Hotness
	inst.RepricedVolume = u.RepricedVolume
	if u.Stats != nil {
		inst.Stats = append([]byte(nil), u.Stats...)
	}
	if u.Injury != "" {
		inst.Injury = u.Injury
	}
	return nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, instrumentID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.holdingIdx[holdingKey{userID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, instrumentID, ErrNotFound)
	}
	copy := *s.holdings.rows[id]
	return &copy, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, id := range s.holdings.order {
		h := s.holdings.rows[id]
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	return result, nil
}

// --- Trades ---

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		if s.trades[i].UserID == userID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRecentTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, s.trades[i])
	}
	return result, nil
}

func (s *MemoryStore) ListTradesSince(_ context.Context, since time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if !s.trades[i].Timestamp.Before(since) {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

// --- Commit ---

func (s *MemoryStore) CommitTrade(_ context.Context, c *model.TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &c.Trade
	u, ok := s.users.rows[t.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", t.UserID, ErrNotFound)
	}
	inst, ok := s.instruments.rows[t.InstrumentID]
	if !ok {
		return fmt.Errorf("instrument %s: %w", t.InstrumentID, ErrNotFound)
	}

	// Verify everything before the first write.
	newCash := u.Cash.Add(c.CashDelta)
	if newCash.IsNegative() {
		return fmt.Errorf("%w: cash for user %s would be %s", ErrConflict, u.ID, newCash)
	}
	key := holdingKey{t.UserID, t.InstrumentID}
	existingID, has := s.holdingIdx[key]
	var current int64
	if has {
		current = s.holdings.rows[existingID].Shares
	}
	if current != c.ExpectedShares {
		return fmt.Errorf("%w: holding for user %s has %d shares, expected %d",
			ErrConflict, u.ID, current, c.ExpectedShares)
	}

	now := time.Now().UTC()
	u.Cash = newCash
	u.PortfolioValue = c.PortfolioValue

	switch {
	case c.Holding != nil:
		h := *c.Holding
		h.UserID, h.InstrumentID = t.UserID, t.InstrumentID
		if has {
			h.ID = existingID
			h.CreatedAt = s.holdings.rows[existingID].CreatedAt
		} else {
			if h.ID == "" {
				h.ID = NewID()
			}
			h.CreatedAt = now
			s.holdingIdx[key] = h.ID
		}
		h.UpdatedAt = now
		s.holdings.put(h.ID, &h)
		*c.Holding = h
	case has:
		s.holdings.remove(existingID)
		delete(s.holdingIdx, key)
	}

	if t.ID == "" {
		t.ID = NewID()
	}
	s.trades = append(s.trades, *t)
	inst.TradingVolume += t.Shares
	return nil
}

func cloneInstrument(inst *model.Instrument) *model.Instrument {
	copy := *inst
	if inst.PreviousPrice != nil {
		prev := *inst.PreviousPrice
		copy.PreviousPrice = &prev
	}
	if inst.Stats != nil {
		copy.Stats = append([]byte(nil), inst.Stats...)
	}
	return &copy
}
