/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"fmt"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
)

// LedgerService is the read side of the ledger: balances, history and stats
// as the command layer renders them. Writes go through trading.Processor.
type LedgerService struct {
	db store.LedgerStore
}

func NewLedgerService(db store.LedgerStore) *LedgerService {
	return &LedgerService{db: db}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		zap.L().Error("Ledger health check failed", zap.Error(err))
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// GetTransaction returns a single transaction owned by userId
func (s *LedgerService) GetTransaction(ctx context.Context, userId, transactionId string) (models.TransactionRecord, error) {
	if userId == "" || transactionId == "" {
		return models.TransactionRecord{}, fmt.Errorf("user_id and transaction_id are required")
	}
	tx, err := s.db.GetTransaction(ctx, transactionId)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to retrieve transaction: %w", err)
	}
	if tx.UserId != userId {
		return models.TransactionRecord{}, fmt.Errorf("%w: %s", store.ErrTransactionNotFound, transactionId)
	}
	return toRecord(tx), nil
}

func toRecord(tx *models.Transaction) models.TransactionRecord {
	return models.TransactionRecord{
		Id:             tx.Id,
		Type:           string(tx.Type),
		Cryptocurrency: tx.Cryptocurrency,
		CryptoAmount:   tx.CryptoAmount,
		KeysAmount:     tx.KeysAmount,
		UsdValue:       tx.UsdValue,
		Fee:            tx.Fee,
		Status:         string(tx.Status),
		RiskLevel:      string(tx.RiskLevel),
		Flagged:        tx.Flagged,
		CreatedAt:      tx.CreatedAt,
	}
}
