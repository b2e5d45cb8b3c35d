// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL and SQLite (durable), Redis
// (read-through cache over a durable store), and in-memory (for testing and
// development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jheimann05/sportfolio/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness rule
	// (username, or one holding per user and instrument).
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConflict is returned when a trade commit no longer matches the
	// stored state it was computed from (cash would go negative, or the
	// holding no longer has enough shares). Nothing is written.
	ErrConflict = errors.New("store: conflicting state")
)

// Store is the persistence interface. Every method is safe for concurrent
// use. CommitTrade is the only path that mutates cash, holdings, trades and
// trading volume, and it applies its changes all-or-nothing: readers never
// observe cash debited without the matching holding and trade.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user and assigns its ID.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByUsername retrieves a user by unique username.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Instruments ---

	// CreateInstrument persists a new instrument and assigns its ID.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns all instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentPricing writes the fields owned by repricing in one
	// atomic update.
	UpdateInstrumentPricing(ctx context.Context, id string, update model.PriceUpdate) error

	// --- Holdings ---

	// GetHolding retrieves the holding for a user and instrument.
	GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error)

	// ListHoldingsByUser returns all holdings of a user.
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Immutable trade log ---

	// ListTradesByUser returns a user's trades, newest first. limit <= 0
	// returns all of them.
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// ListRecentTrades returns trades across all users, newest first.
	ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// ListTradesSince returns trades across all users with a timestamp at or
	// after since, newest first.
	ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error)

	// --- Atomic trade commit ---

	// CommitTrade applies one executed trade: the cash delta, the holding
	// upsert or delete, the trade append, the instrument volume increment
	// and the cached portfolio value. It returns ErrConflict without
	// writing anything if cash would go negative or the stored holding no
	// longer has ExpectedShares shares.
	CommitTrade(ctx context.Context, commit *model.TradeCommit) error
}
