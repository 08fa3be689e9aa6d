// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/olegiv/trackhook/internal/cache"
	"github.com/olegiv/trackhook/internal/carrier"
	"github.com/olegiv/trackhook/internal/model"
	"github.com/olegiv/trackhook/internal/queue"
	"github.com/olegiv/trackhook/internal/store"
)

// DeliveryQueueConcurrency/CleanupQueueConcurrency bound how many Redis
// workers each queue runs (§4.3).
const (
	DeliveryQueueConcurrency = 4
	CleanupQueueConcurrency  = 1

	// CleanupCronSpec fires the expiration-cleanup trigger at the top of
	// every hour; the queue's own fixed job id coalesces a slow run with
	// later ticks.
	CleanupCronSpec = "0 * * * *"
)

// QueueStats is the uniform observability view across all three queues
// (§4.3, §4.7 GetQueueStats).
type QueueStats struct {
	TrackingMonitor   queue.Counts
	WebhookDelivery   queue.Counts
	ExpirationCleanup queue.Counts
}

// Service is the Service Facade named in §4.7: the single entry point the
// host process uses to register/deactivate webhooks, inspect their state,
// and start/stop the queue backends that drive them.
type Service struct {
	store    *store.Queries
	cache    *cache.TrackingCache
	carriers *carrier.Registry
	logger   *slog.Logger

	cronInst *cron.Cron

	monitorPeriod time.Duration
	monitors      *queue.MonitorSchedule
	monitor       *Monitor

	delivery      *queue.RedisQueue
	deliveryRun   *Delivery
	cleanupQueue  *queue.RedisQueue
	cleanup       *Cleanup

	production bool
}

// NewService wires every collaborator of the webhook subsystem. cronInst is
// a single process-wide cron.Cron shared by the tracking-monitor schedule
// and the expiration-cleanup trigger (§4.3). delivery and cleanupQueue are
// distinct RedisQueue instances so their retention lists and retry policies
// never mix (§4.3's table gives them different MaxAttempts/back-off).
func NewService(
	st *store.Queries,
	c *cache.TrackingCache,
	carriers *carrier.Registry,
	cronInst *cron.Cron,
	delivery *queue.RedisQueue,
	cleanupQueue *queue.RedisQueue,
	monitorPeriod time.Duration,
	production bool,
	logger *slog.Logger,
) *Service {
	deliveryRun := NewDelivery(st, childLogger(logger, "delivery"))
	monitorRun := NewMonitor(st, c, carriers, delivery, childLogger(logger, "monitor"))
	monitors := queue.NewMonitorSchedule(cronInst, childLogger(logger, "monitor-schedule"), monitorRun.Run, queue.DefaultMonitorRetryPolicy())
	monitorRun.SetSchedule(monitors)

	return &Service{
		store:         st,
		cache:         c,
		carriers:      carriers,
		logger:        logger,
		cronInst:      cronInst,
		monitorPeriod: monitorPeriod,
		monitors:      monitors,
		monitor:       monitorRun,
		delivery:      delivery,
		deliveryRun:   deliveryRun,
		cleanupQueue:  cleanupQueue,
		cleanup:       NewCleanup(st, c, childLogger(logger, "cleanup")),
		production:    production,
	}
}

// childLogger tags a sub-component the way internal/logging.Component does
// for the process-wide logger, without importing that package here (this
// file's constructor parameter is already named c for the cache).
func childLogger(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// Init reconstitutes process state at startup (§4.2, §4.7): every active
// registration gets a repeating monitor entry, both Redis queues start
// their workers, and the cron instance (and therefore the cleanup trigger)
// starts ticking. Call once, after construction, before serving traffic.
func (s *Service) Init(ctx context.Context) error {
	active, err := s.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active registrations: %w", err)
	}
	for _, reg := range active {
		job := queue.MonitorJob{RegistrationID: reg.ID, CarrierID: reg.CarrierID, TrackingNumber: reg.TrackingNumber}
		if err := s.monitors.Schedule(job, s.monitorPeriod); err != nil {
			return fmt.Errorf("scheduling monitor for %s: %w", reg.ID, err)
		}
	}
	s.logger.Info("reconstituted monitor schedule", "count", len(active))

	s.catchUpDueRegistrations(ctx)

	s.delivery.Start(ctx, func(ctx context.Context, payload json.RawMessage, attempt int) error {
		var job DeliveryJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("unmarshaling delivery job: %w", err)
		}
		return s.deliveryRun.Run(ctx, job, attempt)
	}, DeliveryQueueConcurrency)

	s.cleanupQueue.Start(ctx, s.cleanup.Run, CleanupQueueConcurrency)

	if _, err := queue.ScheduleCleanup(s.cronInst, s.cleanupQueue, childLogger(s.logger, "cleanup-trigger"), CleanupCronSpec); err != nil {
		return fmt.Errorf("scheduling cleanup trigger: %w", err)
	}

	s.cronInst.Start()
	return nil
}

// catchUpDueRegistrations runs an immediate, out-of-band monitor tick (§4.1
// FindDueForCheck) for every active registration whose last check is already
// older than one monitor period (or has never run). Without this, a process
// that was down across one or more scheduled ticks would otherwise wait up
// to a full monitorPeriod after restart before the cron schedule runs the
// first new tick — silently delaying the transition a subscriber's tracking
// number may have already made. Best-effort: a failing catch-up is logged
// and does not fail Init, since the cron schedule will retry on its own
// normal cadence regardless.
func (s *Service) catchUpDueRegistrations(ctx context.Context) {
	due, err := s.store.FindDueForCheck(ctx, time.Now().UTC(), s.monitorPeriod)
	if err != nil {
		s.logger.Error("loading due-for-check registrations", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range due {
		wg.Add(1)
		go func(reg *model.WebhookRegistration) {
			defer wg.Done()
			job := queue.MonitorJob{RegistrationID: reg.ID, CarrierID: reg.CarrierID, TrackingNumber: reg.TrackingNumber}
			if err := s.monitor.Run(ctx, job); err != nil {
				s.logger.Error("catch-up monitor tick failed", "registration_id", reg.ID, "error", err)
			}
		}(reg)
	}
	wg.Wait()
	s.logger.Info("caught up stale registrations", "count", len(due))
}

// Close stops both Redis queues and the cron instance. It does not close
// the underlying store or cache; the host process owns their lifetime.
func (s *Service) Close() {
	s.cronInst.Stop()
	s.delivery.Stop()
	s.cleanupQueue.Stop()
}

// Register validates in, persists a new WebhookRegistration, and schedules
// its repeating monitor entry (§4.7 Register).
func (s *Service) Register(ctx context.Context, in RegisterInput) (string, error) {
	now := time.Now().UTC()
	if err := validateRegisterInput(in, s.carriers, s.production, now); err != nil {
		return "", err
	}

	reg := &model.WebhookRegistration{
		ID:             uuid.NewString(),
		CarrierID:      in.CarrierID,
		TrackingNumber: in.TrackingNumber,
		CallbackURL:    in.CallbackURL,
		Active:         true,
		ExpirationTime: in.ExpirationTime.UTC(),
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, reg); err != nil {
		return "", fmt.Errorf("creating registration: %w", err)
	}

	job := queue.MonitorJob{RegistrationID: reg.ID, CarrierID: reg.CarrierID, TrackingNumber: reg.TrackingNumber}
	if err := s.monitors.Schedule(job, s.monitorPeriod); err != nil {
		return "", fmt.Errorf("scheduling monitor for %s: %w", reg.ID, err)
	}

	return reg.ID, nil
}

// Deactivate marks a registration inactive and removes its monitor entry.
// Idempotent: a second call against an already-inactive registration still
// removes the schedule entry (which may already be gone) and reports no
// error, matching §4.7's Deactivate contract.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("deactivating registration %s: %w", id, err)
	}
	s.monitors.Remove(id)
	return nil
}

// GetWebhook returns a single registration's current state.
func (s *Service) GetWebhook(ctx context.Context, id string) (*model.WebhookRegistration, error) {
	reg, err := s.store.FindByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading registration %s: %w", id, err)
	}
	return reg, nil
}

// GetDeliveryLogs returns up to limit delivery attempts for a registration,
// newest first.
func (s *Service) GetDeliveryLogs(ctx context.Context, id string, limit int) ([]*model.DeliveryLog, error) {
	logs, err := s.store.GetDeliveryLogs(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("loading delivery logs for %s: %w", id, err)
	}
	return logs, nil
}

// GetQueueStats aggregates the uniform Counts view across all three queues
// (§4.3, §4.7).
func (s *Service) GetQueueStats(ctx context.Context) (QueueStats, error) {
	deliveryCounts, err := s.delivery.Counts(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("reading delivery queue stats: %w", err)
	}
	cleanupCounts, err := s.cleanupQueue.Counts(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("reading cleanup queue stats: %w", err)
	}
	return QueueStats{
		TrackingMonitor:   s.monitors.Counts(),
		WebhookDelivery:   deliveryCounts,
		ExpirationCleanup: cleanupCounts,
	}, nil
}

// GetCacheStats returns the tracking cache's hit/miss/eviction counters.
func (s *Service) GetCacheStats() cache.Stats {
	return s.cache.Stats()
}

// ClearCache drops every cached tracking snapshot, forcing the next monitor
// tick for each registration to hit the carrier directly.
func (s *Service) ClearCache() {
	s.cache.Clear()
}
