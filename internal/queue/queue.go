// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package queue realizes the Queue Backend (§4.3): the tracking-monitor
// repeating schedule on top of robfig/cron, and the webhook-delivery and
// expiration-cleanup durable, retried job queues on top of Redis.
package queue

import "time"

// Counts is the uniform per-queue observability view named in §4.3:
// {waiting, active, completed, failed, delayed}.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Retention caps named in §4.3: keep the last 100 completed and 500 failed
// jobs per queue; older entries are dropped.
const (
	CompletedRetention = 100
	FailedRetention    = 500
)

// DefaultDeliveryPolicy matches the webhook-delivery row of §4.3's table:
// 4 total attempts, exponential back-off base 60s.
func DefaultDeliveryPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseBackoff: 60 * time.Second, VisibilityTimeout: 35 * time.Second}
}

// DefaultCleanupPolicy matches the expiration-cleanup row of §4.3's table:
// 3 attempts, fixed 5-minute back-off.
func DefaultCleanupPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: 5 * time.Minute, VisibilityTimeout: time.Minute, FixedBackoff: true}
}

// backoff returns the delay before the next attempt: exponential from base
// for the tracking-monitor/webhook-delivery queues, or a fixed base for
// expiration-cleanup (§4.3: "fixed 5 min").
func backoff(base time.Duration, attempt int, fixed bool) time.Duration {
	if fixed {
		return base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
