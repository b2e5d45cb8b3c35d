package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jheimann05/sportfolio/internal/model"
)

// Row types for the gorm backend. Money columns are declared TEXT so SQLite
// does not coerce them to REAL.

type userRow struct {
	ID             string          `gorm:"primaryKey"`
	Username       string          `gorm:"uniqueIndex;not null"`
	Cash           decimal.Decimal `gorm:"type:text;not null"`
	PortfolioValue decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (userRow) TableName() string { return "users" }

type instrumentRow struct {
	ID             string              `gorm:"primaryKey"`
	Name           string              `gorm:"not null"`
	Position       string              `gorm:"not null"`
	Team           string              `gorm:"not null"`
	Sport          string              `gorm:"not null"`
	CurrentPrice   decimal.Decimal     `gorm:"type:text;not null"`
	PreviousPrice  decimal.NullDecimal `gorm:"type:text"`
	Stats          datatypes.JSON
	InjuryStatus   string `gorm:"not null"`
	Hotness        int    `gorm:"not null"`
	TradingVolume  int64  `gorm:"not null"`
	RepricedVolume int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (instrumentRow) TableName() string { return "instruments" }

type holdingRow struct {
	ID           string          `gorm:"primaryKey"`
	UserID       string          `gorm:"not null;uniqueIndex:holdings_user_instrument"`
	InstrumentID string          `gorm:"not null;uniqueIndex:holdings_user_instrument"`
	Shares       int64           `gorm:"not null"`
	AverageCost  decimal.Decimal `gorm:"type:text;not null"`
	TotalValue   decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (holdingRow) TableName() string { return "holdings" }

type tradeRow struct {
	ID            string          `gorm:"primaryKey"`
	UserID        string          `gorm:"not null;index:trades_user_ts"`
	InstrumentID  string          `gorm:"not null"`
	Direction     string          `gorm:"not null"`
	Shares        int64           `gorm:"not null"`
	PricePerShare decimal.Decimal `gorm:"type:text;not null"`
	TotalAmount   decimal.Decimal `gorm:"type:text;not null"`
	Fee           decimal.Decimal `gorm:"type:text;not null"`
	NetAmount     decimal.Decimal `gorm:"type:text;not null"`
	Timestamp     time.Time       `gorm:"not null;index:trades_user_ts;index"`
}

func (tradeRow) TableName() string { return "trades" }

// GormStore implements Store on top of gorm. It is used with SQLite for
// single-node deployments and tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle. Call Migrate before use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
// SQLite allows one writer, so the pool is capped at a single connection.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s := NewGormStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&userRow{}, &instrumentRow{}, &holdingRow{}, &tradeRow{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormErr(err error, what string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Users ---

func (r *userRow) toModel() model.User {
	return model.User{
		ID:             r.ID,
		Username:       r.Username,
		Cash:           r.Cash,
		PortfolioValue: r.PortfolioValue,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	row := userRow{
		ID:             u.ID,
		Username:       u.Username,
		Cash:           u.Cash,
		PortfolioValue: u.PortfolioValue,
		CreatedAt:      u.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return gormErr(err, "create user "+u.Username)
	}
	return nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, gormErr(err, "user "+id)
	}
	u := row.toModel()
	return &u, nil
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		return nil, gormErr(err, "user "+username)
	}
	u := row.toModel()
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toModel())
	}
	return users, nil
}

// --- Instruments ---

func (r *instrumentRow) toModel() model.Instrument {
	inst := model.Instrument{
		ID:             r.ID,
		Name:           r.Name,
		Position:       r.Position,
		Team:           r.Team,
		Sport:          r.Sport,
		CurrentPrice:   r.CurrentPrice,
		Injury:         model.InjuryStatus(r.InjuryStatus),
		Hotness:        r.Hotness,
		TradingVolume:  r.TradingVolume,
		RepricedVolume: r.RepricedVolume,
		CreatedAt:      r.CreatedAt,
	}
	if r.PreviousPrice.Valid {
		prev := r.PreviousPrice.Decimal
		inst.PreviousPrice = &prev
	}
	if len(r.Stats) > 0 {
		inst.Stats = append([]byte(nil), r.Stats...)
	}
	return inst
}

func (s *GormStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if inst.ID == "" {
		inst.ID = NewID()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	row := instrumentRow{
		ID:             inst.ID,
		Name:           inst.Name,
		Position:       inst.Position,
		Team:           inst.Team,
		Sport:          inst.Sport,
		CurrentPrice:   inst.CurrentPrice,
		Stats:          datatypes.JSON(inst.Stats),
		InjuryStatus:   string(inst.Injury),
		Hotness:        inst.Hotness,
		TradingVolume:  inst.TradingVolume,
		RepricedVolume: inst.RepricedVolume,
		CreatedAt:      inst.CreatedAt,
	}
	if inst.PreviousPrice != nil {
		row.PreviousPrice = decimal.NewNullDecimal(*inst.PreviousPrice)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return gormErr(err, "create instrument "+inst.Name)
	}
	return nil
}

func (s *GormStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var row instrumentRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, gormErr(err, "instrument "+id)
	}
	inst := row.toModel()
	return &inst, nil
}

func (s *GormStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var rows []instrumentRow
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) UpdateInstrumentPricing(ctx context.Context, id string, u model.PriceUpdate) error {
	updates := map[string]any{
		"current_price":   u.CurrentPrice,
		"previous_price":  decimal.NewNullDecimal(u.PreviousPrice),
		"hotness":         u.Hotness,
		"repriced_volume": u.RepricedVolume,
	}
	if u.Stats != nil {
		updates["stats"] = datatypes.JSON(u.Stats)
	}
	if u.Injury != "" {
		updates["injury_status"] = string(u.Injury)
	}
	res := s.db.WithContext(ctx).Model(&instrumentRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return gormErr(res.Error, "update instrument "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Holdings ---

func (r *holdingRow) toModel() model.Holding {
	return model.Holding{
		ID:           r.ID,
		UserID:       r.UserID,
		InstrumentID: r.InstrumentID,
		Shares:       r.Shares,
		AverageCost:  r.AverageCost,
		TotalValue:   r.TotalValue,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *GormStore) GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	var row holdingRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND instrument_id = ?", userID, instrumentID).
		First(&row).Error; err != nil {
		return nil, gormErr(err, fmt.Sprintf("holding %s/%s", userID, instrumentID))
	}
	h := row.toModel()
	return &h, nil
}

func (s *GormStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	var rows []holdingRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Holding
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// --- Trades ---

func (r *tradeRow) toModel() model.Trade {
	return model.Trade{
		ID:            r.ID,
		UserID:        r.UserID,
		InstrumentID:  r.InstrumentID,
		Direction:     model.Direction(r.Direction),
		Shares:        r.Shares,
		PricePerShare: r.PricePerShare,
		TotalAmount:   r.TotalAmount,
		Fee:           r.Fee,
		NetAmount:     r.NetAmount,
		Timestamp:     r.Timestamp,
	}
}

func (s *GormStore) listTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	query := s.db.WithContext(ctx).Model(&tradeRow{}).Order("timestamp desc, id desc")
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []tradeRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Trade
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.listTrades(ctx, userID, limit)
}

func (s *GormStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.listTrades(ctx, "", limit)
}

func (s *GormStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.Trade, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp desc, id desc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trade, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// --- Commit ---

// CommitTrade verifies and applies the commit inside one transaction. The
// guards run against rows read inside the transaction, so a commit computed
// from stale state fails with ErrConflict and rolls back.
func (s *GormStore) CommitTrade(ctx context.Context, c *model.TradeCommit) error {
	t := &c.Trade
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user userRow
		if err := tx.Where("id = ?", t.UserID).First(&user).Error; err != nil {
			return gormErr(err, "user "+t.UserID)
		}
		var inst instrumentRow
		if err := tx.Where("id = ?", t.InstrumentID).First(&inst).Error; err != nil {
			return gormErr(err, "instrument "+t.InstrumentID)
		}

		var existing holdingRow
		err := tx.Where("user_id = ? AND instrument_id = ?", t.UserID, t.InstrumentID).First(&existing).Error
		has := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load holding: %w", err)
		}
		var current int64
		if has {
			current = existing.Shares
		}
		if current != c.ExpectedShares {
			return fmt.Errorf("%w: holding for user %s has %d shares, expected %d",
				ErrConflict, t.UserID, current, c.ExpectedShares)
		}
		newCash := user.Cash.Add(c.CashDelta)
		if newCash.IsNegative() {
			return fmt.Errorf("%w: cash for user %s would be %s", ErrConflict, t.UserID, newCash)
		}

		if err := tx.Model(&userRow{}).Where("id = ?", t.UserID).Updates(map[string]any{
			"cash":            newCash,
			"portfolio_value": c.PortfolioValue,
		}).Error; err != nil {
			return fmt.Errorf("update cash: %w", err)
		}

		now := time.Now().UTC()
		switch {
		case c.Holding != nil:
			h := c.Holding
			h.UserID, h.InstrumentID = t.UserID, t.InstrumentID
			h.UpdatedAt = now
			if has {
				h.ID, h.CreatedAt = existing.ID, existing.CreatedAt
				res := tx.Model(&holdingRow{}).
					Where("id = ? AND shares = ?", existing.ID, c.ExpectedShares).
					Updates(map[string]any{
						"shares":       h.Shares,
						"average_cost": h.AverageCost,
						"total_value":  h.TotalValue,
						"updated_at":   now,
					})
				if res.Error != nil {
					return fmt.Errorf("update holding: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return fmt.Errorf("%w: holding for user %s changed", ErrConflict, t.UserID)
				}
			} else {
				if h.ID == "" {
					h.ID = NewID()
				}
				h.CreatedAt = now
				row := holdingRow{
					ID:           h.ID,
					UserID:       h.UserID,
					InstrumentID: h.InstrumentID,
					Shares:       h.Shares,
					AverageCost:  h.AverageCost,
					TotalValue:   h.TotalValue,
					CreatedAt:    h.CreatedAt,
					UpdatedAt:    h.UpdatedAt,
				}
				if err := tx.Create(&row).Error; err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						return fmt.Errorf("%w: holding for user %s was created concurrently", ErrConflict, t.UserID)
					}
					return fmt.Errorf("create holding: %w", err)
				}
			}
		case has:
			res := tx.Delete(&holdingRow{}, "id = ? AND shares = ?", existing.ID, c.ExpectedShares)
			if res.Error != nil {
				return fmt.Errorf("delete holding: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: holding for user %s changed", ErrConflict, t.UserID)
			}
		}

		if t.ID == "" {
			t.ID = NewID()
		}
		row := tradeRow{
			ID:            t.ID,
			UserID:        t.UserID,
			InstrumentID:  t.InstrumentID,
			Direction:     string(t.Direction),
			Shares:        t.Shares,
			PricePerShare: t.PricePerShare,
			TotalAmount:   t.TotalAmount,
			Fee:           t.Fee,
			NetAmount:     t.NetAmount,
			Timestamp:     t.Timestamp,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		if err := tx.Model(&instrumentRow{}).Where("id = ?", t.InstrumentID).
			Update("trading_volume", gorm.Expr("trading_volume + ?", t.Shares)).Error; err != nil {
			return fmt.Errorf("update volume: %w", err)
		}
		return nil
	})
}
