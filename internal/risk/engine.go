package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxScore = 100

// weights is the fixed point table. Manual flags are an audit record and carry no weight.
var weights = map[models.FlagKind]int{
	models.FlagNewAccount:        25,
	models.FlagYoungAccount:      15,
	models.FlagUnverifiedEmail:   10,
	models.FlagNoTradeLink:       15,
	models.FlagNoHistory:         10,
	models.FlagMultipleFailedTx:  20,
	models.FlagUnusuallyLargeTx:  15,
	models.FlagRapidTransactions: 15,
	models.FlagManual:            0,
}

// Weight returns the points a flag kind adds to the score
func Weight(kind models.FlagKind) int {
	return weights[kind]
}

// Security check failure reasons
const (
	ReasonEmailNotVerified = "email_not_verified"
	ReasonNoTradeLink      = "trade_link_missing"
	ReasonAccountTooNew    = "account_too_new"
	ReasonHighRiskScore    = "risk_score_too_high"
)

const flagRetries = 3

// Activity is the recent behaviour that feeds the score
type Activity struct {
	FailedTransactions int
	RecentTransactions int
	CurrentValue       decimal.Decimal
}

// ActivitySource reports recent activity counters for a user
type ActivitySource interface {
	FailedTransactions(ctx context.Context, userId string) (int, error)
	RecentTransactions(ctx context.Context, userId string, window time.Duration) (int, error)
}

// UserStore is the slice of the ledger the engine needs
type UserStore interface {
	GetUser(ctx context.Context, userId string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
}

type Config struct {
	MaxScore       int
	LockScore      int
	LockDuration   time.Duration
	ActivityWindow time.Duration
	MinAccountAge  time.Duration
	Now            func() time.Time
}

// Assessment is a computed score with the flags that produced it
type Assessment struct {
	Score    int
	Flags    []models.RiskFlag
	Activity Activity
}

// WithValue rescores the same activity for an order worth value
func (e *Engine) WithValue(user *models.User, a Assessment, value decimal.Decimal) Assessment {
	activity := a.Activity
	activity.CurrentValue = value
	return e.ComputeRiskScore(user, activity)
}

// Level buckets the score for transaction records
func (a Assessment) Level() models.RiskLevel {
	return LevelFor(a.Score)
}

// Has reports whether a flag kind contributed to the assessment
func (a Assessment) Has(kind models.FlagKind) bool {
	for _, f := range a.Flags {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

type SecurityResult struct {
	Passed bool
	Reason string
}

// LevelFor maps a score to LOW (< 30), MEDIUM (< 60) or HIGH.
func LevelFor(score int) models.RiskLevel {
	switch {
	case score < 30:
		return models.RiskLow
	case score < 60:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

type Engine struct {
	users    UserStore
	activity ActivitySource
	cfg      Config
}

func NewEngine(users UserStore, activity ActivitySource, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = 80
	}
	if cfg.LockScore <= 0 {
		cfg.LockScore = 85
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 24 * time.Hour
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = time.Hour
	}
	return &Engine{users: users, activity: activity, cfg: cfg}
}

// ComputeRiskScore is pure: the same user, activity and clock give the same result.
func (e *Engine) ComputeRiskScore(user *models.User, activity Activity) Assessment {
	now := e.cfg.Now()
	a := Assessment{Activity: activity}
	add := func(kind models.FlagKind, reason string) {
		a.Score += Weight(kind)
		a.Flags = append(a.Flags, models.RiskFlag{Kind: kind, Reason: reason, Timestamp: now})
	}

	age := now.Sub(user.CreatedAt)
	switch {
	case age < 24*time.Hour:
		add(models.FlagNewAccount, "Account created less than 1 day ago")
	case age < 7*24*time.Hour:
		add(models.FlagYoungAccount, "Account less than 7 days old")
	}

	if !user.EmailVerified {
		add(models.FlagUnverifiedEmail, "Email not verified")
	}
	if !user.TradeLinkSet() {
		add(models.FlagNoTradeLink, "Trade link not set")
	}
	if !user.Stats.HasHistory() {
		add(models.FlagNoHistory, "No trading history")
	}
	if activity.FailedTransactions > 2 {
		add(models.FlagMultipleFailedTx, fmt.Sprintf("%d failed transactions", activity.FailedTransactions))
	}
	if activity.CurrentValue.IsPositive() && activity.CurrentValue.GreaterThan(user.Stats.TotalVolume) {
		add(models.FlagUnusuallyLargeTx, "Transaction larger than trading history")
	}
	if activity.RecentTransactions > 5 {
		add(models.FlagRapidTransactions, fmt.Sprintf("%d transactions in %s", activity.RecentTransactions, e.cfg.ActivityWindow))
	}

	if a.Score > maxScore {
		a.Score = maxScore
	}
	if a.Score < 0 {
		a.Score = 0
	}
	return a
}

// Assess gathers activity for the user and computes the score for an order worth currentValue.
func (e *Engine) Assess(ctx context.Context, user *models.User, currentValue decimal.Decimal) (Assessment, error) {
	activity := Activity{CurrentValue: currentValue}
	if e.activity != nil {
		failed, err := e.activity.FailedTransactions(ctx, user.Id)
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to count failed transactions: %w", err)
		}
		recent, err := e.activity.RecentTransactions(ctx, user.Id, e.cfg.ActivityWindow)
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to count recent transactions: %w", err)
		}
		activity.FailedTransactions = failed
		activity.RecentTransactions = recent
	}
	return e.ComputeRiskScore(user, activity), nil
}

// Check runs the ordered security check against an already loaded user: email
// verified, trade link present, minimum account age, score within threshold.
// The first failure wins. The assessment is returned even when a reason
// earlier in the order fails.
func (e *Engine) Check(ctx context.Context, user *models.User, currentValue decimal.Decimal) (SecurityResult, Assessment, error) {
	assessment, err := e.Assess(ctx, user, currentValue)
	if err != nil {
		return SecurityResult{}, Assessment{}, err
	}

	result := SecurityResult{Passed: true}
	switch {
	case !user.EmailVerified:
		result = SecurityResult{Reason: ReasonEmailNotVerified}
	case !user.TradeLinkSet():
		result = SecurityResult{Reason: ReasonNoTradeLink}
	case e.cfg.Now().Sub(user.CreatedAt) < e.cfg.MinAccountAge:
		result = SecurityResult{Reason: ReasonAccountTooNew}
	case assessment.Score > e.cfg.MaxScore:
		result = SecurityResult{Reason: ReasonHighRiskScore}
	}

	if !result.Passed {
		zap.L().Warn("Security check failed",
			zap.String("user_id", user.Id),
			zap.String("reason", result.Reason),
			zap.Int("risk_score", assessment.Score))
	}
	return result, assessment, nil
}

func (e *Engine) PerformSecurityCheck(ctx context.Context, userId string) (SecurityResult, error) {
	user, err := e.users.GetUser(ctx, userId)
	if err != nil {
		return SecurityResult{}, err
	}
	result, _, err := e.Check(ctx, user, decimal.Zero)
	return result, err
}

// ShouldAllowTrade is false while the account is locked or the score exceeds MaxScore.
func (e *Engine) ShouldAllowTrade(ctx context.Context, userId string) (bool, error) {
	user, err := e.users.GetUser(ctx, userId)
	if err != nil {
		return false, err
	}
	if user.IsLocked(e.cfg.Now()) {
		return false, nil
	}
	assessment, err := e.Assess(ctx, user, decimal.Zero)
	if err != nil {
		return false, err
	}
	return assessment.Score <= e.cfg.MaxScore, nil
}

// FlagUser appends a manual flag, stores the recomputed score and locks the
// account when the score exceeds LockScore.
func (e *Engine) FlagUser(ctx context.Context, userId, reason string) (*models.User, error) {
	var lastErr error
	for attempt := 1; attempt <= flagRetries; attempt++ {
		user, err := e.users.GetUser(ctx, userId)
		if err != nil {
			return nil, err
		}

		now := e.cfg.Now()
		user.RiskFlags = append(user.RiskFlags, models.RiskFlag{
			Id:        uuid.New().String(),
			Kind:      models.FlagManual,
			Reason:    reason,
			Timestamp: now,
		})

		assessment, err := e.Assess(ctx, user, decimal.Zero)
		if err != nil {
			return nil, err
		}
		user.RiskScore = assessment.Score
		if assessment.Score > e.cfg.LockScore {
			lockedUntil := now.Add(e.cfg.LockDuration)
			user.LockedUntil = &lockedUntil
		}

		err = e.users.UpsertUser(ctx, user)
		if err == nil {
			zap.L().Info("User flagged",
				zap.String("user_id", userId),
				zap.String("reason", reason),
				zap.Int("risk_score", assessment.Score),
				zap.Bool("locked", user.IsLocked(now)))
			return user, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return nil, fmt.Errorf("failed to flag user: %w", err)
		}
		lastErr = err
		zap.L().Debug("Retrying flag after concurrent modification", zap.String("user_id", userId), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("failed to flag user after %d attempts: %w", flagRetries, lastErr)
}
