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
	"key-trade-ledger-go/internal/risk"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usage = `usage: account <command> [flags]

commands:
  login         --username NAME --password PASS
  verify-email  --user ID
  trade-link    --user ID --link URL
  password      --user ID --password PASS
  wallet        --user ID --crypto SYMBOL --address ADDR
  check         --user ID
  flag          --user ID --reason TEXT
`

type accountFlags struct {
	userId   string
	username string
	password string
	link     string
	crypto   string
	address  string
	reason   string
}

func parseFlags(command string, args []string) (*accountFlags, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	f := &accountFlags{}
	fs.StringVar(&f.userId, "user", "", "User id")
	fs.StringVar(&f.username, "username", "", "Login name")
	fs.StringVar(&f.password, "password", "", "Password")
	fs.StringVar(&f.link, "link", "", "Steam trade offer link")
	fs.StringVar(&f.crypto, "crypto", "", "Cryptocurrency symbol")
	fs.StringVar(&f.address, "address", "", "Withdrawal address")
	fs.StringVar(&f.reason, "reason", "", "Reason recorded with a manual flag")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.crypto = strings.ToUpper(strings.TrimSpace(f.crypto))
	return f, nil
}

func printUser(user *models.User) {
	common.PrintHeader("ACCOUNT "+user.Id, common.DefaultWidth)
	fmt.Printf("Username:       %s\n", user.Username)
	fmt.Printf("Email verified: %t\n", user.EmailVerified)
	fmt.Printf("Trade link:     %t\n", user.TradeLinkSet())
	fmt.Printf("Risk score:     %d\n", user.RiskScore)
	if user.LockedUntil != nil {
		fmt.Printf("Locked until:   %s\n", user.LockedUntil.Format("2006-01-02 15:04:05"))
	}
	common.PrintSeparator("=", common.DefaultWidth)
}

func run(ctx context.Context, services *common.Services, command string, f *accountFlags) error {
	switch command {
	case "login":
		decision, err := services.Gate.CheckLogin(ctx, f.username, f.password)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			fmt.Printf("✗ Login denied: %s", decision.Reason)
			if decision.LockedUntil != nil {
				fmt.Printf(" (locked until %s)", decision.LockedUntil.Format("2006-01-02 15:04:05"))
			} else if decision.AttemptsRemaining > 0 {
				fmt.Printf(" (%d attempts remaining)", decision.AttemptsRemaining)
			}
			fmt.Println()
			return nil
		}
		fmt.Printf("✓ Login allowed for %s\n", decision.UserId)

	case "verify-email", "trade-link", "password", "wallet":
		var user *models.User
		var err error
		switch command {
		case "verify-email":
			user, err = services.Gate.VerifyEmail(ctx, f.userId)
		case "trade-link":
			user, err = services.Gate.SetTradeLink(ctx, f.userId, f.link)
		case "password":
			user, err = services.Gate.SetPassword(ctx, f.userId, f.password)
		case "wallet":
			user, err = services.Gate.SetWalletAddress(ctx, f.userId, f.crypto, f.address)
		}
		if err != nil {
			return err
		}
		printUser(user)

	case "check":
		result, err := services.Risk.PerformSecurityCheck(ctx, f.userId)
		if err != nil {
			return err
		}
		if result.Passed {
			fmt.Println("✓ Security check passed")
		} else {
			fmt.Printf("✗ Security check failed: %s\n", result.Reason)
		}

		user, err := services.Store.GetUser(ctx, f.userId)
		if err != nil {
			return err
		}
		assessment, err := services.Risk.Assess(ctx, user, decimal.Zero)
		if err != nil {
			return err
		}
		fmt.Printf("Risk score: %d (%s)\n", assessment.Score, assessment.Level())
		for _, rf := range assessment.Flags {
			fmt.Printf("  +%-3d %-22s %s\n", risk.Weight(rf.Kind), rf.Kind, rf.Reason)
		}

	case "flag":
		user, err := services.Risk.FlagUser(ctx, f.userId, f.reason)
		if err != nil {
			return err
		}
		printUser(user)

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

	ctx := context.Background()
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := run(ctx, services, command, f); err != nil {
		zap.L().Error("Command failed", zap.String("command", command), zap.Error(err))
		fmt.Fprintf(os.Stderr, "✗ %s failed: %v\n", command, err)
		loggerCleanup()
		services.Close()
		os.Exit(1)
	}
}
