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

package models

import (
	"context"
)

type commandContextKey struct{}

// CommandContext carries dispatcher metadata through context so ledger
// operations can log which command triggered them without widening every
// function signature.
type CommandContext struct {
	CommandId string // dispatcher-assigned id of the originating command
	Command   string // e.g. "buy", "sell", "buycost"
	Channel   string // where the command came from (chat channel, cli, ...)
}

// WithCommandContext attaches dispatcher metadata to a context.
func WithCommandContext(ctx context.Context, cc *CommandContext) context.Context {
	return context.WithValue(ctx, commandContextKey{}, cc)
}

// GetCommandContext retrieves dispatcher metadata from context, or nil if absent.
func GetCommandContext(ctx context.Context) *CommandContext {
	cc, _ := ctx.Value(commandContextKey{}).(*CommandContext)
	return cc
}
