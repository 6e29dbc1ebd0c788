package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) SavePlatformStats(ctx context.Context, stats *models.PlatformStats) error {
	if stats.Id == "" {
		stats.Id = uuid.New().String()
	}
	cryptoStats := stats.CryptoStats
	if cryptoStats == nil {
		cryptoStats = []models.CryptoStats{}
	}
	breakdown, err := json.Marshal(cryptoStats)
	if err != nil {
		return fmt.Errorf("failed to marshal crypto stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertPlatformStats,
		stats.Id, stats.PeriodStart.UTC(), stats.PeriodEnd.UTC(), stats.TotalUsers,
		stats.TotalVolume.String(), stats.TotalRevenue.String(), stats.TotalTransactions,
		stats.KeysSold, stats.KeysBought, stats.AvgTransactionValue.String(), string(breakdown), time.Now().UTC())
	if err != nil {
		zap.L().Error("Failed to save platform stats", zap.String("stats_id", stats.Id), zap.Error(err))
		return fmt.Errorf("failed to save platform stats: %w", err)
	}

	zap.L().Info("Platform stats saved",
		zap.String("stats_id", stats.Id),
		zap.Int("total_transactions", stats.TotalTransactions),
		zap.String("total_volume", stats.TotalVolume.String()))
	return nil
}
