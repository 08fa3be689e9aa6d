// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegiv/trackhook/internal/cache"
	"github.com/olegiv/trackhook/internal/carrier"
	"github.com/olegiv/trackhook/internal/model"
	"github.com/olegiv/trackhook/internal/queue"
	"github.com/olegiv/trackhook/internal/store"
)

// DeliveryJob is the payload enqueued by the Monitor Worker for the
// webhook-delivery queue (§4.3/§4.4 step 7).
type DeliveryJob struct {
	RegistrationID    string             `json:"registrationId"`
	CallbackURL       string             `json:"callbackUrl"`
	TrackInfo         model.TrackInfo    `json:"trackInfo"`
	PreviousChecksum  *string            `json:"previousChecksum,omitempty"`
	CurrentChecksum   string             `json:"currentChecksum"`
}

// Monitor implements the Monitor Worker contract (§4.4).
type Monitor struct {
	store    *store.Queries
	cache    *cache.TrackingCache
	carriers *carrier.Registry
	delivery *queue.RedisQueue
	monitors *queue.MonitorSchedule // used only to self-remove the schedule
	logger   *slog.Logger
}

// NewMonitor wires the Monitor Worker over its collaborators. monitors is
// used only so Monitor can remove its own repeating schedule from steps 1-2;
// Service sets it once both are constructed, closing the one cyclic
// reference the design allows (§9: "two one-way dependencies").
func NewMonitor(st *store.Queries, c *cache.TrackingCache, carriers *carrier.Registry, delivery *queue.RedisQueue, logger *slog.Logger) *Monitor {
	return &Monitor{store: st, cache: c, carriers: carriers, delivery: delivery, logger: logger}
}

// SetSchedule wires the MonitorSchedule back in once the service has built
// it, so Monitor can call Remove on expiry/deactivation (step 1-2 of §4.4).
func (m *Monitor) SetSchedule(s *queue.MonitorSchedule) {
	m.monitors = s
}

// Run executes one monitor invocation for job, following §4.4 steps 1-7.
func (m *Monitor) Run(ctx context.Context, job queue.MonitorJob) error {
	reg, err := m.store.FindByID(ctx, job.RegistrationID)
	if err != nil {
		if err == store.ErrNotFound {
			m.removeSchedule(job.RegistrationID)
			return nil
		}
		return fmt.Errorf("loading registration %s: %w", job.RegistrationID, err)
	}

	if !reg.Active {
		m.removeSchedule(reg.ID)
		return nil
	}

	now := time.Now().UTC()
	if !now.Before(reg.ExpirationTime) {
		if err := m.store.Deactivate(ctx, reg.ID); err != nil {
			return fmt.Errorf("deactivating expired registration %s: %w", reg.ID, err)
		}
		m.removeSchedule(reg.ID)
		return nil
	}

	c, err := m.carriers.Get(reg.CarrierID)
	if err != nil {
		reg.LastError = strPtr(model.Truncate(fmt.Sprintf("Carrier not found: %s", reg.CarrierID), model.MaxErrorMessageLen))
		reg.LastCheckedAt = &now
		return m.persistAfterLookup(ctx, reg)
	}

	info, ok := m.cache.Get(reg.CarrierID, reg.TrackingNumber)
	if !ok {
		fetched, trackErr := c.Track(ctx, reg.TrackingNumber)
		if trackErr != nil {
			reg.LastError = strPtr(model.Truncate(fmt.Sprintf("Tracking API error: %s", trackErr.Error()), model.MaxErrorMessageLen))
			reg.LastCheckedAt = &now
			return m.persistAfterLookup(ctx, reg)
		}
		info = fetched
		m.cache.Set(reg.CarrierID, reg.TrackingNumber, info)
	}

	currentChecksum, err := Checksum(info.Events)
	if err != nil {
		return fmt.Errorf("computing checksum for registration %s: %w", reg.ID, err)
	}

	// A nil lastChecksum means this is the registration's first observation:
	// there is no prior state to compare against, so it only establishes the
	// baseline (§4.4 step 6) — only a later, genuine old→new transition
	// enqueues a delivery (§8 scenarios 1-2).
	if reg.LastChecksum == nil || *reg.LastChecksum == currentChecksum {
		reg.LastChecksum = &currentChecksum
		reg.LastCheckedAt = &now
		return m.store.Update(ctx, reg)
	}

	job2 := DeliveryJob{
		RegistrationID:   reg.ID,
		CallbackURL:      reg.CallbackURL,
		TrackInfo:        info,
		PreviousChecksum: reg.LastChecksum,
		CurrentChecksum:  currentChecksum,
	}
	// Ordering guarantee (§4.4): enqueue before writing the new checksum.
	if err := m.delivery.Enqueue(ctx, deliveryJobID(reg.ID, currentChecksum), job2, 0); err != nil {
		return fmt.Errorf("enqueueing delivery for registration %s: %w", reg.ID, err)
	}

	reg.LastChecksum = &currentChecksum
	reg.LastCheckedAt = &now
	reg.LastError = nil
	return m.store.Update(ctx, reg)
}

func (m *Monitor) persistAfterLookup(ctx context.Context, reg *model.WebhookRegistration) error {
	if err := m.store.Update(ctx, reg); err != nil {
		return fmt.Errorf("updating registration %s after lookup failure: %w", reg.ID, err)
	}
	return nil
}

func (m *Monitor) removeSchedule(registrationID string) {
	if m.monitors != nil {
		m.monitors.Remove(registrationID)
	}
}

func deliveryJobID(registrationID, checksum string) string {
	return registrationID + ":" + checksum
}

func strPtr(s string) *string { return &s }
