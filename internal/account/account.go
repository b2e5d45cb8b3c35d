// Package account registers traders and funds them with starting cash.
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/model"
	"github.com/jheimann05/sportfolio/internal/store"
)

// usernameRegex matches 3 to 32 letters, digits, dots, dashes or underscores.
var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

var (
	ErrInvalidUsername = errors.New("account: invalid username")
	ErrUsernameTaken   = errors.New("account: username taken")
	ErrNotFound        = errors.New("account: not found")
)

// DefaultStartingCash funds every new account.
var DefaultStartingCash = decimal.NewFromInt(10000)

// Service creates and looks up users.
type Service struct {
	store        store.Store
	startingCash decimal.Decimal
	log          *zap.Logger
}

// New creates an account service. A non-positive startingCash uses
// DefaultStartingCash; a nil logger discards output.
func New(st store.Store, startingCash decimal.Decimal, log *zap.Logger) *Service {
	if !startingCash.IsPositive() {
		startingCash = DefaultStartingCash
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, startingCash: startingCash.Round(model.MoneyScale), log: log}
}

// Register creates a user with the starting cash balance.
func (s *Service) Register(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if !usernameRegex.MatchString(username) {
		return nil, fmt.Errorf("%w: %q (expected 3-32 of [A-Za-z0-9_.-])", ErrInvalidUsername, username)
	}

	u := &model.User{
		Username:       username,
		Cash:           s.startingCash,
		PortfolioValue: decimal.Zero,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, fmt.Errorf("account: create user: %w", err)
	}
	s.log.Info("user registered", zap.String("user", u.ID), zap.String("username", u.Username))
	return u, nil
}

// Ensure returns the user with username, registering it first if needed.
func (s *Service) Ensure(ctx context.Context, username string) (*model.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account: load user: %w", err)
	}
	return s.Register(ctx, username)
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("account: load user: %w", err)
	}
	return u, nil
}
