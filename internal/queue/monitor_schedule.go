// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MonitorJob is the payload of a tracking-monitor job (§4.3).
type MonitorJob struct {
	RegistrationID string
	CarrierID      string
	TrackingNumber string
}

// MonitorHandler runs one monitor invocation (§4.4). Errors are retried by
// MonitorSchedule's internal bounded retry loop, not by rescheduling.
type MonitorHandler func(ctx context.Context, job MonitorJob) error

// MonitorRetryPolicy bounds the per-tick retry loop described in §4.3:
// "3 attempts per invocation, exponential base 60s" so a transient
// store/carrier hiccup does not have to wait for the next periodic tick.
type MonitorRetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultMonitorRetryPolicy matches the tracking-monitor row of §4.3's table.
func DefaultMonitorRetryPolicy() MonitorRetryPolicy {
	return MonitorRetryPolicy{MaxAttempts: 3, BaseBackoff: 60 * time.Second}
}

// MonitorSchedule is the tracking-monitor queue: one repeating cron.Entry
// per active registration, keyed by registration id exactly as the teacher's
// scheduler.TaskExecutor keys cron entries by task id. The schedule itself is
// not persisted; the registration store is the source of truth and Init
// reconstitutes every entry at process startup.
type MonitorSchedule struct {
	cronInst *cron.Cron
	logger   *slog.Logger
	handler  MonitorHandler
	policy   MonitorRetryPolicy
	sleep    func(time.Duration)

	mu      sync.Mutex
	entries map[string]cron.EntryID

	active    int64
	completed int64
	failed    int64
}

// NewMonitorSchedule wires a MonitorSchedule over a shared cron.Cron
// instance (the same instance also drives expiration-cleanup's trigger,
// per §4.3) and a handler that implements the Monitor Worker contract.
func NewMonitorSchedule(cronInst *cron.Cron, logger *slog.Logger, handler MonitorHandler, policy MonitorRetryPolicy) *MonitorSchedule {
	return &MonitorSchedule{
		cronInst: cronInst,
		logger:   logger,
		handler:  handler,
		policy:   policy,
		sleep:    time.Sleep,
		entries:  make(map[string]cron.EntryID),
	}
}

// Schedule adds (or replaces) a repeating entry for job.RegistrationID that
// fires every period. jobId = job.RegistrationID ensures one scheduled
// instance per registration, as required by §4.3.
func (s *MonitorSchedule) Schedule(job MonitorJob, period time.Duration) error {
	s.Remove(job.RegistrationID)

	spec := fmt.Sprintf("@every %s", period.String())
	entryID, err := s.cronInst.AddFunc(spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("scheduling monitor job %s: %w", job.RegistrationID, err)
	}

	s.mu.Lock()
	s.entries[job.RegistrationID] = entryID
	s.mu.Unlock()
	return nil
}

// Remove removes the repeating entry for a registration id, used when a
// registration is deactivated (RemoveScheduled in §4.3/§4.7).
func (s *MonitorSchedule) Remove(registrationID string) {
	s.mu.Lock()
	entryID, ok := s.entries[registrationID]
	if ok {
		delete(s.entries, registrationID)
	}
	s.mu.Unlock()

	if ok {
		s.cronInst.Remove(entryID)
	}
}

// fire runs the bounded retry loop around one handler invocation.
func (s *MonitorSchedule) fire(job MonitorJob) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	ctx := context.Background()
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		lastErr = s.handler(ctx, job)
		if lastErr == nil {
			s.mu.Lock()
			s.completed++
			s.mu.Unlock()
			return
		}

		s.logger.Warn("monitor invocation failed", "registration_id", job.RegistrationID, "attempt", attempt, "error", lastErr)
		if attempt < s.policy.MaxAttempts {
			s.sleep(backoff(s.policy.BaseBackoff, attempt, false))
		}
	}

	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	s.logger.Error("monitor invocation exhausted retries", "registration_id", job.RegistrationID, "error", lastErr)
}

// Counts reports the monitor queue's view in the uniform §4.3 shape:
// waiting is always zero (there is no separate wait state — a due entry
// fires directly), delayed counts the scheduled entries, active counts
// in-flight firings, and completed/failed are lifetime counters.
func (s *MonitorSchedule) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Waiting:   0,
		Active:    s.active,
		Completed: s.completed,
		Failed:    s.failed,
		Delayed:   int64(len(s.entries)),
	}
}
