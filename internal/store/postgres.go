package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jheimann05/sportfolio/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// pgRow is satisfied by both pgx.Row and pgx.Rows.
type pgRow interface {
	Scan(dest ...any) error
}

func pgErr(err error, what string) error {
	var pe *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.As(err, &pe) && pe.Code == "23505":
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func parseDecimal(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// --- Users ---

const userColumns = `id, username, cash::TEXT, portfolio_value::TEXT, created_at`

func scanUser(row pgRow) (*model.User, error) {
	var u model.User
	var cash, pv string
	if err := row.Scan(&u.ID, &u.Username, &cash, &pv, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Cash = parseDecimal(cash)
	u.PortfolioValue = parseDecimal(pv)
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, cash, portfolio_value, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, COALESCE($5, now()))
		 RETURNING created_at`,
		u.ID, u.Username, u.Cash.String(), u.PortfolioValue.String(), nullTime(u.CreatedAt),
	).Scan(&u.CreatedAt)
	if err != nil {
		return pgErr(err, "create user "+u.Username)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr(err, "user "+id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, pgErr(err, "user "+username)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Instruments ---

const instrumentColumns = `id, name, position, team, sport,
	current_price::TEXT, previous_price::TEXT, stats::TEXT,
	injury_status, hotness, trading_volume, repriced_volume, created_at`

func scanInstrument(row pgRow) (*model.Instrument, error) {
	var inst model.Instrument
	var current string
	var previous, stats *string
	var injury string
	if err := row.Scan(&inst.ID, &inst.Name, &inst.Position, &inst.Team, &inst.Sport,
		&current, &previous, &stats,
		&injury, &inst.Hotness, &inst.TradingVolume, &inst.RepricedVolume, &inst.CreatedAt); err != nil {
		return nil, err
	}
	inst.CurrentPrice = parseDecimal(current)
	if previous != nil {
		p := parseDecimal(*previous)
		inst.PreviousPrice = &p
	}
	if stats != nil {
		inst.Stats = []byte(*stats)
	}
	inst.Injury = model.InjuryStatus(injury)
	return &inst, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if inst.ID == "" {
		inst.ID = NewID()
	}
	var prev *string
	if inst.PreviousPrice != nil {
		p := inst.PreviousPrice.String()
		prev = &p
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO instruments (id, name, position, team, sport,
		                          current_price, previous_price, stats,
		                          injury_status, hotness, trading_volume, repriced_volume, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::JSONB, $9, $10, $11, $12, COALESCE($13, now()))
		 RETURNING created_at`,
		inst.ID, inst.Name, inst.Position, inst.Team, inst.Sport,
		inst.CurrentPrice.String(), prev, nullJSON(inst.Stats),
		string(inst.Injury), inst.Hotness, inst.TradingVolume, inst.RepricedVolume, nullTime(inst.CreatedAt),
	).Scan(&inst.CreatedAt)
	if err != nil {
		return pgErr(err, "create instrument "+inst.Name)
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr(err, "instrument "+id)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPricing(ctx context.Context, id string, u model.PriceUpdate) error {
	var injury *string
	if u.Injury != "" {
		v := string(u.Injury)
		injury = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET current_price = $2::NUMERIC, previous_price = $3::NUMERIC, hotness = $4,
		     stats = COALESCE($5::JSONB, stats),
		     injury_status = COALESCE($6, injury_status),
		     repriced_volume = $7
		 WHERE id = $1`,
		id, u.CurrentPrice.String(), u.PreviousPrice.String(), u.Hotness,
		nullJSON(u.Stats), injury, u.RepricedVolume,
	)
	if err != nil {
		return pgErr(err, "update instrument "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Holdings ---

const holdingColumns = `id, user_id, instrument_id, shares,
	average_cost::TEXT, total_value::TEXT, created_at, updated_at`

func scanHolding(row pgRow) (*model.Holding, error) {
	var h model.Holding
	var avg, total string
	if err := row.Scan(&h.ID, &h.UserID, &h.InstrumentID, &h.Shares,
		&avg, &total, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AverageCost = parseDecimal(avg)
	h.TotalValue = parseDecimal(total)
	return &h, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID))
	if err != nil {
		return nil, pgErr(err, fmt.Sprintf("holding %s/%s", userID, instrumentID))
	}
	return h, nil
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// --- Trades ---

const tradeColumns = `id, user_id, instrument_id, direction, shares,
	price_per_share::TEXT, total_amount::TEXT, fee::TEXT, net_amount::TEXT, timestamp`

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1
		 ORDER BY timestamp DESC, id DESC
		 LIMIT NULLIF($2::BIGINT, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 ORDER BY timestamp DESC, id DESC
		 LIMIT NULLIF($1::BIGINT, 0)`, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE timestamp >= $1
		 ORDER BY timestamp DESC, id DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var dir, price, total, fee, net string
		if err := rows.Scan(&t.ID, &t.UserID, &t.InstrumentID, &dir, &t.Shares,
			&price, &total, &fee, &net, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Direction = model.Direction(dir)
		t.PricePerShare = parseDecimal(price)
		t.TotalAmount = parseDecimal(total)
		t.Fee = parseDecimal(fee)
		t.NetAmount = parseDecimal(net)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Commit ---

// CommitTrade runs every write in one transaction. The holding row is locked
// first and compared to ExpectedShares; the cash update is conditional on the
// balance staying non-negative, and the holding write is conditional on the
// stored share count. Any guard failing rolls back with ErrConflict.
func (s *PostgresStore) CommitTrade(ctx context.Context, c *model.TradeCommit) error {
	t := &c.Trade
	if t.ID == "" {
		t.ID = NewID()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT shares FROM holdings WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`,
			t.UserID, t.InstrumentID).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock holding: %w", err)
		}
		if current != c.ExpectedShares {
			return fmt.Errorf("%w: holding for user %s has %d shares, expected %d",
				ErrConflict, t.UserID, current, c.ExpectedShares)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE users SET cash = cash + $2::NUMERIC, portfolio_value = $3::NUMERIC
			 WHERE id = $1 AND cash + $2::NUMERIC >= 0`,
			t.UserID, c.CashDelta.String(), c.PortfolioValue.String())
		if err != nil {
			return fmt.Errorf("update cash: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
				t.UserID).Scan(&exists); err != nil {
				return fmt.Errorf("check user: %w", err)
			}
			if !exists {
				return fmt.Errorf("user %s: %w", t.UserID, ErrNotFound)
			}
			return fmt.Errorf("%w: cash for user %s would go negative", ErrConflict, t.UserID)
		}

		tag, err = tx.Exec(ctx,
			`UPDATE instruments SET trading_volume = trading_volume + $2 WHERE id = $1`,
			t.InstrumentID, t.Shares)
		if err != nil {
			return fmt.Errorf("update volume: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("instrument %s: %w", t.InstrumentID, ErrNotFound)
		}

		if err := writeHolding(ctx, tx, c); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, instrument_id, direction, shares,
			                     price_per_share, total_amount, fee, net_amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			t.ID, t.UserID, t.InstrumentID, string(t.Direction), t.Shares,
			t.PricePerShare.String(), t.TotalAmount.String(), t.Fee.String(), t.NetAmount.String(),
			t.Timestamp); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
}

// writeHolding applies the post-trade holding. A first buy only inserts, so a
// concurrent first buy that committed after the lock check surfaces as a
// conflict instead of being overwritten. Updates and deletes only match the
// share count the commit was computed from.
func writeHolding(ctx context.Context, tx pgx.Tx, c *model.TradeCommit) error {
	t := &c.Trade
	h := c.Holding
	switch {
	case h != nil && c.ExpectedShares == 0:
		h.UserID, h.InstrumentID = t.UserID, t.InstrumentID
		if h.ID == "" {
			h.ID = NewID()
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO holdings (id, user_id, instrument_id, shares, average_cost, total_value, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, now(), now())
			 ON CONFLICT (user_id, instrument_id) DO NOTHING
			 RETURNING created_at, updated_at`,
			h.ID, h.UserID, h.InstrumentID, h.Shares,
			h.AverageCost.String(), h.TotalValue.String(),
		).Scan(&h.CreatedAt, &h.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: holding for user %s was created concurrently", ErrConflict, t.UserID)
		}
		if err != nil {
			return fmt.Errorf("insert holding: %w", err)
		}

	case h != nil:
		h.UserID, h.InstrumentID = t.UserID, t.InstrumentID
		err := tx.QueryRow(ctx,
			`UPDATE holdings
			 SET shares = $3, average_cost = $4::NUMERIC, total_value = $5::NUMERIC, updated_at = now()
			 WHERE user_id = $1 AND instrument_id = $2 AND shares = $6
			 RETURNING id, created_at, updated_at`,
			h.UserID, h.InstrumentID, h.Shares,
			h.AverageCost.String(), h.TotalValue.String(), c.ExpectedShares,
		).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: holding for user %s no longer has %d shares",
				ErrConflict, t.UserID, c.ExpectedShares)
		}
		if err != nil {
			return fmt.Errorf("update holding: %w", err)
		}

	default:
		tag, err := tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND instrument_id = $2 AND shares = $3`,
			t.UserID, t.InstrumentID, c.ExpectedShares)
		if err != nil {
			return fmt.Errorf("delete holding: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: holding for user %s no longer has %d shares",
				ErrConflict, t.UserID, c.ExpectedShares)
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullJSON(raw []byte) *string {
	if raw == nil {
		return nil
	}
	v := string(raw)
	return &v
}
