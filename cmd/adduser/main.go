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
	"errors"
	"flag"
	"fmt"
	"log"
	"regexp"
	"strings"

	"key-trade-ledger-go/internal/account"
	"key-trade-ledger-go/internal/common"
	"key-trade-ledger-go/internal/config"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

type newUserRequest struct {
	username  string
	email     string
	password  string
	tradeLink string
	verified  bool
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("username must be at least 2 characters")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("username cannot contain whitespace")
	}
	return nil
}

func parseAndValidateFlags() (*newUserRequest, error) {
	usernameFlag := flag.String("username", "", "Login name (required)")
	emailFlag := flag.String("email", "", "Email address (optional)")
	passwordFlag := flag.String("password", "", "Login password (optional)")
	tradeLinkFlag := flag.String("trade-link", "", "Steam trade offer link (optional)")
	verifiedFlag := flag.Bool("verified", false, "Mark the email as verified")
	flag.Parse()

	req := &newUserRequest{
		username:  strings.TrimSpace(*usernameFlag),
		email:     strings.TrimSpace(*emailFlag),
		password:  *passwordFlag,
		tradeLink: strings.TrimSpace(*tradeLinkFlag),
		verified:  *verifiedFlag,
	}

	if err := validateUsername(req.username); err != nil {
		return nil, err
	}
	if err := validateEmail(req.email); err != nil {
		return nil, err
	}
	if req.tradeLink != "" && !account.ValidTradeLink(req.tradeLink) {
		return nil, fmt.Errorf("invalid trade link: %s", req.tradeLink)
	}
	if req.verified && req.email == "" {
		return nil, fmt.Errorf("--verified needs --email")
	}
	return req, nil
}

func buildUser(req *newUserRequest) (*models.User, error) {
	user := &models.User{
		Id:            uuid.New().String(),
		Username:      req.username,
		Email:         req.email,
		EmailVerified: req.verified,
		TradeLink:     req.tradeLink,
	}
	if req.password != "" {
		hash, err := account.HashPassword(req.password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	return user, nil
}

func main() {
	ctx := context.Background()

	req, err := parseAndValidateFlags()
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	zap.L().Info("Starting user creation process",
		zap.String("username", req.username),
		zap.String("email", req.email))

	ledger, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer ledger.Close()

	user, err := buildUser(req)
	if err != nil {
		zap.L().Fatal("Failed to hash password", zap.Error(err))
	}

	if err := ledger.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			zap.L().Fatal("User already exists with this username", zap.String("username", req.username))
		}
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	fmt.Println()
	common.PrintHeader("USER CREATED", common.DefaultWidth)
	fmt.Printf("ID:         %s\n", user.Id)
	fmt.Printf("Username:   %s\n", user.Username)
	if user.Email != "" {
		fmt.Printf("Email:      %s (verified: %t)\n", user.Email, user.EmailVerified)
	}
	fmt.Printf("Trade link: %t\n", user.TradeLinkSet())
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User created successfully", zap.String("id", user.Id))
}
