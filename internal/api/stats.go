package api

import (
	"context"
	"fmt"

	"key-trade-ledger-go/internal/models"
)

// GetUserStats returns trading statistics with the derived average trade value
func (s *LedgerService) GetUserStats(ctx context.Context, userId string) (*models.StatsSummary, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	user, err := s.db.GetUser(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve stats: %w", err)
	}
	return &models.StatsSummary{
		TotalBuys:          user.Stats.TotalBuys,
		TotalSells:         user.Stats.TotalSells,
		TotalKeysPurchased: user.Stats.TotalKeysPurchased,
		TotalKeysSold:      user.Stats.TotalKeysSold,
		TotalVolume:        user.Stats.TotalVolume,
		AverageTradeValue:  user.Stats.AverageTradeValue(),
		MemberSince:        user.CreatedAt,
	}, nil
}
