/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"
)

// SilenceEnv, when set to "1", mutes SlowQueryHook and ErrorQueryHook.
const SilenceEnv = "BUN_HOOKS_SILENT"

var hooksSilent atomic.Bool

// SilenceHooks mutes the logging hooks process-wide; bunmod migrate --quiet
// uses it.
func SilenceHooks(b bool) {
	hooksSilent.Store(b)
}

func hooksMuted() bool {
	if v, ok := os.LookupEnv(SilenceEnv); ok {
		return strings.TrimSpace(v) == "1"
	}
	return hooksSilent.Load()
}

// SlowQueryHook logs queries slower than Threshold.
type SlowQueryHook struct {
	Connection string
	Threshold  time.Duration
	Logger     Logger
}

var _ bun.QueryHook = (*SlowQueryHook)(nil)

func (h *SlowQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *SlowQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if event.Err != nil || h.Logger == nil || hooksMuted() {
		return
	}

	duration := time.Since(event.StartTime)
	if duration > h.Threshold {
		h.Logger.Warn("Database slow query detected",
			"connection", h.Connection,
			"operation", event.Operation(),
			"duration", duration.Round(time.Microsecond),
			"slow_threshold", h.Threshold,
			"query", event.Query,
		)
	}
}

// ErrorQueryHook logs failing queries, ignoring sql.ErrNoRows and sql.ErrTxDone.
type ErrorQueryHook struct {
	Connection string
	Logger     Logger
}

var _ bun.QueryHook = (*ErrorQueryHook)(nil)

func (h *ErrorQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *ErrorQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if event.Err == nil || h.Logger == nil || hooksMuted() {
		return
	}
	if errors.Is(event.Err, sql.ErrNoRows) || errors.Is(event.Err, sql.ErrTxDone) {
		return
	}
	_, kind := IsSqlError(event.Err)
	h.Logger.Debug("Database query failed",
		"connection", h.Connection,
		"operation", event.Operation(),
		"kind", int(kind),
		"error", event.Err.Error(),
		"query", event.Query,
	)
}
