package stats

import (
	"context"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StatsStore is the ledger surface the snapshot job reads and writes
type StatsStore interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]models.Transaction, error)
	SavePlatformStats(ctx context.Context, stats *models.PlatformStats) error
}

// Snapshotter aggregates the trailing period and stores the result
type Snapshotter struct {
	store  StatsStore
	period time.Duration
	now    func() time.Time
}

func NewSnapshotter(store StatsStore, period time.Duration) *Snapshotter {
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &Snapshotter{store: store, period: period, now: time.Now}
}

func (s *Snapshotter) Snapshot(ctx context.Context) (*models.PlatformStats, error) {
	end := s.now().UTC()
	start := end.Add(-s.period)

	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	txs, err := s.store.ListTransactionsSince(ctx, start)
	if err != nil {
		return nil, err
	}

	// ListTransactionsSince is open-ended
	inPeriod := txs[:0]
	for _, txn := range txs {
		if txn.CreatedAt.Before(end) {
			inPeriod = append(inPeriod, txn)
		}
	}

	snapshot := Aggregate(inPeriod, len(users), start, end)
	if err := s.store.SavePlatformStats(ctx, snapshot); err != nil {
		return nil, err
	}

	zap.L().Info("Platform stats snapshot saved",
		zap.String("id", snapshot.Id),
		zap.Int("total_users", snapshot.TotalUsers),
		zap.Int("transactions", snapshot.TotalTransactions),
		zap.String("volume", snapshot.TotalVolume.String()),
		zap.String("revenue", snapshot.TotalRevenue.String()))
	return snapshot, nil
}

// cronLogger routes cron's own logging through zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs the snapshot job on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	snapshot *Snapshotter
	schedule string
	timeout  time.Duration
}

func NewScheduler(snapshot *Snapshotter, schedule string) *Scheduler {
	logger := cronLogger{log: zap.S().Named("cron")}
	c := cron.New(cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger))
	return &Scheduler{
		cron:     c,
		snapshot: snapshot,
		schedule: schedule,
		timeout:  5 * time.Minute,
	}
}

// Start registers the snapshot job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	zap.L().Info("Scheduled platform stats snapshot", zap.String("schedule", s.schedule))
	return nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.snapshot.Snapshot(ctx); err != nil {
		zap.L().Error("Platform stats snapshot failed", zap.Error(err))
	}
}

// Stop gracefully stops the cron scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
