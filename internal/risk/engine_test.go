package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeUsers struct {
	users     map[string]*models.User
	conflicts int
	upserts   int
}

func (f *fakeUsers) GetUser(ctx context.Context, userId string) (*models.User, error) {
	u, ok := f.users[userId]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (f *fakeUsers) UpsertUser(ctx context.Context, user *models.User) error {
	f.upserts++
	if f.conflicts > 0 {
		f.conflicts--
		return store.ErrConcurrentModification
	}
	user.Version++
	f.users[user.Id] = user.Clone()
	return nil
}

type fakeActivity struct {
	failed int
	recent int
	err    error
}

func (f fakeActivity) FailedTransactions(ctx context.Context, userId string) (int, error) {
	return f.failed, f.err
}

func (f fakeActivity) RecentTransactions(ctx context.Context, userId string, window time.Duration) (int, error) {
	return f.recent, f.err
}

// trustedUser scores zero
func trustedUser() *models.User {
	return &models.User{
		Id:            "user-1",
		EmailVerified: true,
		TradeLink:     "https://steamcommunity.com/tradeoffer/new/?partner=1&token=abc",
		CreatedAt:     testNow.Add(-30 * 24 * time.Hour),
		Stats: models.UserStats{
			TotalBuys:   3,
			TotalVolume: decimal.NewFromInt(500),
		},
		Version: 1,
	}
}

func newTestEngine(users UserStore, activity ActivitySource) *Engine {
	return NewEngine(users, activity, Config{
		MaxScore:       80,
		LockScore:      85,
		LockDuration:   24 * time.Hour,
		ActivityWindow: time.Hour,
		MinAccountAge:  12 * time.Hour,
		Now:            func() time.Time { return testNow },
	})
}

func TestComputeRiskScore(t *testing.T) {
	engine := newTestEngine(nil, nil)

	tests := []struct {
		name     string
		mutate   func(u *models.User)
		activity Activity
		want     int
		flags    []models.FlagKind
	}{
		{name: "trusted", mutate: func(u *models.User) {}, want: 0},
		{
			name:   "new account",
			mutate: func(u *models.User) { u.CreatedAt = testNow.Add(-time.Hour) },
			want:   25,
			flags:  []models.FlagKind{models.FlagNewAccount},
		},
		{
			name:   "young account",
			mutate: func(u *models.User) { u.CreatedAt = testNow.Add(-3 * 24 * time.Hour) },
			want:   15,
			flags:  []models.FlagKind{models.FlagYoungAccount},
		},
		{
			name:   "exactly seven days",
			mutate: func(u *models.User) { u.CreatedAt = testNow.Add(-7 * 24 * time.Hour) },
			want:   0,
		},
		{
			name:   "unverified email without trade link",
			mutate: func(u *models.User) { u.EmailVerified = false; u.TradeLink = "" },
			want:   25,
			flags:  []models.FlagKind{models.FlagUnverifiedEmail, models.FlagNoTradeLink},
		},
		{
			name:   "no history",
			mutate: func(u *models.User) { u.Stats = models.UserStats{} },
			want:   10,
			flags:  []models.FlagKind{models.FlagNoHistory},
		},
		{name: "two failures", mutate: func(u *models.User) {}, activity: Activity{FailedTransactions: 2}, want: 0},
		{
			name:     "three failures",
			mutate:   func(u *models.User) {},
			activity: Activity{FailedTransactions: 3},
			want:     20,
			flags:    []models.FlagKind{models.FlagMultipleFailedTx},
		},
		{
			name:     "large transaction",
			mutate:   func(u *models.User) {},
			activity: Activity{CurrentValue: decimal.NewFromInt(501)},
			want:     15,
			flags:    []models.FlagKind{models.FlagUnusuallyLargeTx},
		},
		{
			name:     "transaction equal to volume",
			mutate:   func(u *models.User) {},
			activity: Activity{CurrentValue: decimal.NewFromInt(500)},
			want:     0,
		},
		{
			name:     "rapid transactions",
			mutate:   func(u *models.User) {},
			activity: Activity{RecentTransactions: 6},
			want:     15,
			flags:    []models.FlagKind{models.FlagRapidTransactions},
		},
		{
			name: "everything clamps to 100",
			mutate: func(u *models.User) {
				u.CreatedAt = testNow
				u.EmailVerified = false
				u.TradeLink = ""
				u.Stats = models.UserStats{}
			},
			activity: Activity{FailedTransactions: 5, RecentTransactions: 10, CurrentValue: decimal.NewFromInt(1)},
			want:     100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := trustedUser()
			tt.mutate(user)
			got := engine.ComputeRiskScore(user, tt.activity)
			assert.Equal(t, tt.want, got.Score)
			for _, kind := range tt.flags {
				assert.True(t, got.Has(kind), "expected flag %s", kind)
			}
			if tt.flags != nil {
				assert.Len(t, got.Flags, len(tt.flags))
			}
		})
	}
}

func TestComputeRiskScore_Monotonic(t *testing.T) {
	engine := newTestEngine(nil, nil)
	user := trustedUser()
	user.Stats = models.UserStats{}

	prev := -1
	for failed := 0; failed <= 6; failed++ {
		for recent := 0; recent <= 8; recent++ {
			score := engine.ComputeRiskScore(user, Activity{FailedTransactions: failed, RecentTransactions: recent}).Score
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
			if recent == 0 {
				assert.GreaterOrEqual(t, score, prev)
				prev = score
			}
		}
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, models.RiskLow, LevelFor(0))
	assert.Equal(t, models.RiskLow, LevelFor(29))
	assert.Equal(t, models.RiskMedium, LevelFor(30))
	assert.Equal(t, models.RiskMedium, LevelFor(59))
	assert.Equal(t, models.RiskHigh, LevelFor(60))
	assert.Equal(t, models.RiskHigh, LevelFor(100))
}

func TestCheck_Order(t *testing.T) {
	engine := newTestEngine(nil, fakeActivity{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(u *models.User)
		reason string
	}{
		{
			name: "email wins over everything",
			mutate: func(u *models.User) {
				u.EmailVerified = false
				u.TradeLink = ""
				u.CreatedAt = testNow
			},
			reason: ReasonEmailNotVerified,
		},
		{
			name:   "trade link before age",
			mutate: func(u *models.User) { u.TradeLink = ""; u.CreatedAt = testNow },
			reason: ReasonNoTradeLink,
		},
		{
			name:   "account age",
			mutate: func(u *models.User) { u.CreatedAt = testNow.Add(-11 * time.Hour) },
			reason: ReasonAccountTooNew,
		},
		{name: "passes", mutate: func(u *models.User) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := trustedUser()
			tt.mutate(user)
			result, _, err := engine.Check(ctx, user, decimal.Zero)
			require.NoError(t, err)
			assert.Equal(t, tt.reason == "", result.Passed)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestCheck_HighScore(t *testing.T) {
	engine := newTestEngine(nil, fakeActivity{failed: 3, recent: 6})
	user := trustedUser()
	user.CreatedAt = testNow.Add(-13 * time.Hour)
	user.Stats = models.UserStats{}

	// 25 + 10 + 20 + 15 + 15 = 85
	result, assessment, err := engine.Check(context.Background(), user, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, 85, assessment.Score)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonHighRiskScore, result.Reason)
}

func TestCheck_ActivityError(t *testing.T) {
	engine := newTestEngine(nil, fakeActivity{err: errors.New("redis down")})
	_, _, err := engine.Check(context.Background(), trustedUser(), decimal.Zero)
	require.Error(t, err)
}

func TestShouldAllowTrade(t *testing.T) {
	users := &fakeUsers{users: map[string]*models.User{}}
	engine := newTestEngine(users, fakeActivity{})
	ctx := context.Background()

	user := trustedUser()
	users.users[user.Id] = user
	allowed, err := engine.ShouldAllowTrade(ctx, user.Id)
	require.NoError(t, err)
	assert.True(t, allowed)

	lockedUntil := testNow.Add(time.Minute)
	user.LockedUntil = &lockedUntil
	allowed, err = engine.ShouldAllowTrade(ctx, user.Id)
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = engine.ShouldAllowTrade(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestPerformSecurityCheck(t *testing.T) {
	user := trustedUser()
	user.EmailVerified = false
	users := &fakeUsers{users: map[string]*models.User{user.Id: user}}
	engine := newTestEngine(users, fakeActivity{})

	result, err := engine.PerformSecurityCheck(context.Background(), user.Id)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonEmailNotVerified, result.Reason)
}

func TestFlagUser(t *testing.T) {
	ctx := context.Background()

	t.Run("low score records flag without lock", func(t *testing.T) {
		user := trustedUser()
		users := &fakeUsers{users: map[string]*models.User{user.Id: user}}
		engine := newTestEngine(users, fakeActivity{})

		flagged, err := engine.FlagUser(ctx, user.Id, "chargeback")
		require.NoError(t, err)
		require.Len(t, flagged.RiskFlags, 1)
		assert.Equal(t, models.FlagManual, flagged.RiskFlags[0].Kind)
		assert.Equal(t, "chargeback", flagged.RiskFlags[0].Reason)
		assert.Nil(t, flagged.LockedUntil)
		assert.Equal(t, 0, flagged.RiskScore)
	})

	t.Run("score above lock threshold locks for a day", func(t *testing.T) {
		user := trustedUser()
		user.CreatedAt = testNow
		user.EmailVerified = false
		user.TradeLink = ""
		user.Stats = models.UserStats{}
		users := &fakeUsers{users: map[string]*models.User{user.Id: user}}
		engine := newTestEngine(users, fakeActivity{failed: 3})

		flagged, err := engine.FlagUser(ctx, user.Id, "fraud report")
		require.NoError(t, err)
		assert.Equal(t, 80, flagged.RiskScore)
		assert.Nil(t, flagged.LockedUntil)

		engine = newTestEngine(users, fakeActivity{failed: 3, recent: 6})
		flagged, err = engine.FlagUser(ctx, user.Id, "fraud report")
		require.NoError(t, err)
		assert.Equal(t, 95, flagged.RiskScore)
		require.NotNil(t, flagged.LockedUntil)
		assert.Equal(t, testNow.Add(24*time.Hour), *flagged.LockedUntil)
		assert.Len(t, users.users[user.Id].RiskFlags, 2)
	})

	t.Run("retries on conflict", func(t *testing.T) {
		user := trustedUser()
		users := &fakeUsers{users: map[string]*models.User{user.Id: user}, conflicts: 2}
		engine := newTestEngine(users, fakeActivity{})

		_, err := engine.FlagUser(ctx, user.Id, "retry")
		require.NoError(t, err)
		assert.Equal(t, 3, users.upserts)
	})

	t.Run("gives up after repeated conflicts", func(t *testing.T) {
		user := trustedUser()
		users := &fakeUsers{users: map[string]*models.User{user.Id: user}, conflicts: 10}
		engine := newTestEngine(users, fakeActivity{})

		_, err := engine.FlagUser(ctx, user.Id, "retry")
		assert.ErrorIs(t, err, store.ErrConcurrentModification)
	})
}
