// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanupJobID is the expiration-cleanup queue's fixed job id (§4.3): every
// cron tick re-enqueues under this same id, so a slow cleanup run coalesces
// with the next tick instead of piling up duplicate jobs.
const CleanupJobID = "expiration-cleanup"

// ScheduleCleanup registers the expiration-cleanup cron trigger on the same
// cron.Cron instance used for tracking-monitor scheduling (§4.3: "one
// process-wide cron.Cron"). Each firing enqueues an empty-payload job onto
// queue under CleanupJobID; the job itself runs through queue's own
// retry/back-off machinery once a worker picks it up.
func ScheduleCleanup(cronInst *cron.Cron, queue *RedisQueue, logger *slog.Logger, spec string) (cron.EntryID, error) {
	return cronInst.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Enqueue(ctx, CleanupJobID, struct{}{}, 0); err != nil {
			logger.Error("enqueueing cleanup job", "error", err)
		}
	})
}
