// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegiv/trackhook/internal/cache"
	"github.com/olegiv/trackhook/internal/store"
)

// Cleanup implements the Cleanup Worker contract (§4.6): deactivate expired
// registrations, then evict stale cache entries.
type Cleanup struct {
	store  *store.Queries
	cache  *cache.TrackingCache
	logger *slog.Logger
}

// NewCleanup wires the Cleanup Worker over the registration store and
// tracking cache.
func NewCleanup(st *store.Queries, c *cache.TrackingCache, logger *slog.Logger) *Cleanup {
	return &Cleanup{store: st, cache: c, logger: logger}
}

// Run executes one cleanup invocation. It satisfies queue.Handler so it can
// be handed directly to a RedisQueue's Start call.
func (c *Cleanup) Run(ctx context.Context, _ json.RawMessage, _ int) error {
	count, err := c.store.DeactivateExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivating expired registrations: %w", err)
	}
	if count > 0 {
		c.logger.Info("deactivated expired registrations", "count", count)
	}

	evicted := c.cache.Cleanup()
	if evicted > 0 {
		c.logger.Debug("evicted stale cache entries", "count", evicted)
	}

	return nil
}
