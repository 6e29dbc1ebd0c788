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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"key-trade-ledger-go/internal/api"
	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/models"

	"go.uber.org/zap"
)

type reportOptions struct {
	historyLimit int
	showStats    bool
}

type balanceStats struct {
	totalUsers        int
	totalBalances     int
	usersWithBalances int
}

func printBalance(balance models.UserBalance, isLast bool) {
	fmt.Printf("%s %-8s: %20s (locked %s, available %s)\n",
		common.BoxPrefix(isLast),
		balance.Asset,
		balance.Balance.String(),
		balance.Locked.String(),
		balance.Available.String())
}

func printHistory(history []models.TransactionRecord) {
	for i, tx := range history {
		fmt.Printf("%s %s %-8s %-10s %4d keys %s %s (%s)\n",
			common.BoxPrefix(i == len(history)-1),
			tx.CreatedAt.Format("2006-01-02 15:04:05"),
			tx.Type,
			tx.Status,
			tx.KeysAmount,
			tx.CryptoAmount.String(),
			tx.Cryptocurrency,
			common.ShortId(tx.Id))
	}
}

func printUserHeader(user common.UserInfo, balanceCount int) {
	fmt.Printf("\n┌─ User: %s\n", user.Username)
	fmt.Printf("│  ID: %s\n", user.Id)
	fmt.Printf("│  Keys: %d\n", user.KeyBalance)
	fmt.Printf("│  Assets: %d\n", balanceCount)
	common.PrintBoxSeparator(78)
}

func printStats(ctx context.Context, userId string, ledger *api.LedgerService) error {
	keys, err := ledger.GetKeyBalance(ctx, userId)
	if err != nil {
		return err
	}
	summary, err := ledger.GetUserStats(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	common.PrintUserStats(summary, keys)
	return nil
}

func processUser(ctx context.Context, user common.UserInfo, ledger *api.LedgerService, opts reportOptions) (int, error) {
	balances, err := ledger.GetUserBalances(ctx, user.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to get balances: %w", err)
	}

	if len(balances) == 0 && user.KeyBalance == 0 {
		return 0, nil
	}

	printUserHeader(user, len(balances))
	for i, balance := range balances {
		printBalance(balance, i == len(balances)-1)
	}

	if opts.historyLimit > 0 {
		history, err := ledger.GetTransactionHistory(ctx, user.Id, opts.historyLimit, 0)
		if err != nil {
			return 0, fmt.Errorf("failed to get history: %w", err)
		}
		if len(history) > 0 {
			common.PrintBoxSeparator(78)
			printHistory(history)
		}
	}

	if opts.showStats {
		if err := printStats(ctx, user.Id, ledger); err != nil {
			return 0, err
		}
	}

	return len(balances), nil
}

func processUsersAndGenerateReport(ctx context.Context, users []common.UserInfo, ledger *api.LedgerService, opts reportOptions, logger *zap.Logger) balanceStats {
	stats := balanceStats{}

	for _, user := range users {
		stats.totalUsers++

		balanceCount, err := processUser(ctx, user, ledger, opts)
		if err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("username", user.Username),
				zap.Error(err))
			continue
		}

		if balanceCount > 0 {
			stats.usersWithBalances++
			stats.totalBalances += balanceCount
		}
	}

	return stats
}

func main() {
	ctx := context.Background()

	usernameFlag := flag.String("username", "", "Filter by specific username (optional)")
	historyFlag := flag.Int("history", 0, "Also print the N most recent transactions per user")
	statsFlag := flag.Bool("stats", false, "Also print trading statistics per user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	logger.Info("Starting balance query")

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	users, err := common.InitializeUsers(ctx, dbService, *usernameFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)

	opts := reportOptions{historyLimit: *historyFlag, showStats: *statsFlag}
	stats := processUsersAndGenerateReport(ctx, users, api.NewLedgerService(dbService), opts, logger)

	summary := fmt.Sprintf("SUMMARY: %d users with balances (%d total balances across %d users queried)",
		stats.usersWithBalances, stats.totalBalances, stats.totalUsers)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_balances", stats.usersWithBalances),
		zap.Int("total_balances", stats.totalBalances))
}
