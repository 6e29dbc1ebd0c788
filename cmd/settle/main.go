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
	"os"

	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/trading"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	txFlag := flag.String("tx", "", "Transaction id to settle (required)")
	cancelFlag := flag.Bool("cancel", false, "Cancel instead of confirming")
	reasonFlag := flag.String("reason", "", "Cancellation reason recorded on the transaction")
	flag.Parse()

	if *txFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: settle --tx ID [--cancel [--reason TEXT]]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	command := "confirm"
	if *cancelFlag {
		command = "cancel"
	}
	ctx := models.WithCommandContext(context.Background(), &models.CommandContext{
		CommandId: uuid.New().String(),
		Command:   command,
		Channel:   "cli",
	})

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var result *models.SettlementResult
	if *cancelFlag {
		result, err = services.Processor.CancelSettlement(ctx, *txFlag, *reasonFlag)
	} else {
		result, err = services.Processor.ConfirmSettlement(ctx, *txFlag)
	}
	if err != nil {
		zap.L().Error("Settlement failed",
			zap.String("transaction_id", *txFlag),
			zap.String("reason", trading.Reason(err)),
			zap.Error(err))
		fmt.Fprintf(os.Stderr, "✗ %s failed (%s): %v\n", command, trading.Reason(err), err)
		loggerCleanup()
		services.Close()
		os.Exit(1)
	}

	common.PrintSettlement(result)
}
