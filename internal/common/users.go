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

package common

import (
	"context"
	"fmt"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
)

// UserInfo is the slice of a user the command line reports print
type UserInfo struct {
	Id         string
	Username   string
	KeyBalance int64
	Locked     bool
}

func toUserInfo(u *models.User) UserInfo {
	return UserInfo{
		Id:         u.Id,
		Username:   u.Username,
		KeyBalance: u.KeyBalance,
		Locked:     u.LockedUntil != nil,
	}
}

// InitializeUsers returns the user named by usernameFilter, or every user
// when the filter is empty.
func InitializeUsers(ctx context.Context, ledger store.LedgerStore, usernameFilter string, logger *zap.Logger) ([]UserInfo, error) {
	if usernameFilter != "" {
		logger.Info("Looking up user by username", zap.String("username", usernameFilter))
		user, err := ledger.GetUserByUsername(ctx, usernameFilter)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []UserInfo{toUserInfo(user)}, nil
	}

	all, err := ledger.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	users := make([]UserInfo, len(all))
	for i := range all {
		users[i] = toUserInfo(&all[i])
	}

	logger.Info("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}
