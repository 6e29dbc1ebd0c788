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
	"strings"

	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/trading"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usage = `usage: trade <command> [flags]

commands:
  buy       --user ID --keys N --crypto SYMBOL [--tx ID]
  sell      --user ID --keys N --crypto SYMBOL [--tx ID]
  buycost   --keys N --crypto SYMBOL
  sellcost  --keys N --crypto SYMBOL
  deposit   --user ID --crypto SYMBOL --amount X [--ref EXTERNAL_REF]
  prices    [SYMBOL...]
`

type tradeFlags struct {
	userId string
	keys   int64
	crypto string
	txId   string
	amount string
	ref    string
	args   []string
}

func parseFlags(command string, args []string) (*tradeFlags, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	f := &tradeFlags{}
	fs.StringVar(&f.userId, "user", "", "User id")
	fs.Int64Var(&f.keys, "keys", 0, "Number of keys")
	fs.StringVar(&f.crypto, "crypto", "", "Cryptocurrency symbol (e.g., BTC, ETH)")
	fs.StringVar(&f.txId, "tx", "", "Caller supplied transaction id (optional)")
	fs.StringVar(&f.amount, "amount", "", "Deposit amount")
	fs.StringVar(&f.ref, "ref", "", "External deposit reference (optional)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.crypto = strings.ToUpper(strings.TrimSpace(f.crypto))
	f.args = fs.Args()
	return f, nil
}

func run(ctx context.Context, processor *trading.Processor, command string, f *tradeFlags) error {
	switch command {
	case "buy", "sell":
		req := trading.OrderRequest{
			UserId:         f.userId,
			Keys:           f.keys,
			Cryptocurrency: f.crypto,
			TransactionId:  f.txId,
		}
		var result *models.OrderResult
		var err error
		if command == "buy" {
			result, err = processor.Buy(ctx, req)
		} else {
			result, err = processor.Sell(ctx, req)
		}
		if err != nil {
			return err
		}
		common.PrintOrderResult(result)

	case "buycost", "sellcost":
		var quote *models.Quote
		var err error
		if command == "buycost" {
			quote, err = processor.QuoteBuy(ctx, f.keys, f.crypto)
		} else {
			quote, err = processor.QuoteSell(ctx, f.keys, f.crypto)
		}
		if err != nil {
			return err
		}
		common.PrintQuote(quote)

	case "deposit":
		amount, err := decimal.NewFromString(f.amount)
		if err != nil {
			return &trading.InputError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", f.amount)}
		}
		txn, err := processor.Deposit(ctx, trading.DepositRequest{
			UserId:         f.userId,
			Cryptocurrency: f.crypto,
			Amount:         amount,
			ExternalRef:    f.ref,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Deposited %s %s (transaction %s)\n", txn.CryptoAmount.String(), txn.Cryptocurrency, txn.Id)

	case "prices":
		prices, err := processor.Prices(ctx, f.args...)
		if err != nil {
			return err
		}
		common.PrintPrices(prices)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	f, err := parseFlags(command, os.Args[2:])
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

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

	if err := run(ctx, services.Processor, command, f); err != nil {
		zap.L().Error("Command failed",
			zap.String("command", command),
			zap.String("reason", trading.Reason(err)),
			zap.Error(err))
		fmt.Fprintf(os.Stderr, "✗ %s failed (%s): %v\n", command, trading.Reason(err), err)
		loggerCleanup()
		services.Close()
		os.Exit(1)
	}
}
