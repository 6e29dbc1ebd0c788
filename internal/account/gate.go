package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountLocked      = errors.New("account is locked")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const updateRetries = 3

// UserStore is the part of the ledger the gate reads and writes
type UserStore interface {
	GetUser(ctx context.Context, userId string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
}

type Config struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
	Now              func() time.Time
}

// Decision is the outcome of a login attempt
type Decision struct {
	Allowed           bool
	UserId            string
	Reason            string
	AttemptsRemaining int
	LockedUntil       *time.Time
}

// Login decision reasons
const (
	ReasonLocked             = "account_locked"
	ReasonInvalidCredentials = "invalid_credentials"
)

type Gate struct {
	users UserStore
	cfg   Config
}

func NewGate(users UserStore, cfg Config) *Gate {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{users: users, cfg: cfg}
}

// CheckTrading is the trade-time lock check
func (g *Gate) CheckTrading(user *models.User) error {
	if user.IsLocked(g.cfg.Now()) {
		return fmt.Errorf("%w until %s", ErrAccountLocked, user.LockedUntil.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckLogin verifies the password and maintains the attempt counter. A locked
// account is denied without looking at the password. Unknown usernames are
// denied with ReasonInvalidCredentials.
func (g *Gate) CheckLogin(ctx context.Context, username, password string) (Decision, error) {
	var lastErr error
	for attempt := 1; attempt <= updateRetries; attempt++ {
		user, err := g.users.GetUserByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				zap.L().Info("Login for unknown user", zap.String("username", username))
				return Decision{Reason: ReasonInvalidCredentials}, nil
			}
			return Decision{}, err
		}

		now := g.cfg.Now()
		if user.IsLocked(now) {
			zap.L().Warn("Login denied for locked account",
				zap.String("user_id", user.Id),
				zap.Time("locked_until", *user.LockedUntil))
			return Decision{UserId: user.Id, Reason: ReasonLocked, LockedUntil: user.LockedUntil}, nil
		}

		decision := g.evaluate(user, password, now)
		err = g.users.UpsertUser(ctx, user)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return Decision{}, fmt.Errorf("failed to record login attempt: %w", err)
		}
		lastErr = err
	}
	return Decision{}, fmt.Errorf("failed to record login attempt after %d attempts: %w", updateRetries, lastErr)
}

// evaluate mutates the user in place; the caller persists it
func (g *Gate) evaluate(user *models.User, password string, now time.Time) Decision {
	if user.PasswordHash != "" && bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
		user.LoginAttempts = 0
		user.LockedUntil = nil
		user.LastLogin = &now
		zap.L().Info("Login succeeded", zap.String("user_id", user.Id))
		return Decision{Allowed: true, UserId: user.Id}
	}

	user.LoginAttempts++
	if user.LoginAttempts >= g.cfg.MaxLoginAttempts {
		lockedUntil := now.Add(g.cfg.LockDuration)
		user.LockedUntil = &lockedUntil
		user.LoginAttempts = 0
		zap.L().Warn("Account locked after failed logins",
			zap.String("user_id", user.Id),
			zap.Time("locked_until", lockedUntil))
		return Decision{UserId: user.Id, Reason: ReasonLocked, LockedUntil: &lockedUntil}
	}

	zap.L().Info("Login failed",
		zap.String("user_id", user.Id),
		zap.Int("attempts", user.LoginAttempts))
	return Decision{
		UserId:            user.Id,
		Reason:            ReasonInvalidCredentials,
		AttemptsRemaining: g.cfg.MaxLoginAttempts - user.LoginAttempts,
	}
}

// HashPassword returns a bcrypt hash at the default cost
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is required", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
