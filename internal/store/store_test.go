// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/olegiv/trackhook/internal/model"
)

func testDB(t *testing.T) (*Queries, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "trackhook-*.db")
	if err != nil {
		t.Fatalf("creating temp db file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	}

	return NewQueries(db), cleanup
}

func sampleRegistration(id string) *model.WebhookRegistration {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.WebhookRegistration{
		ID:             id,
		CarrierID:      "kr.cjlogistics",
		TrackingNumber: "100000001",
		CallbackURL:    "https://example.com/hook",
		Active:         true,
		ExpirationTime: now.Add(7 * 24 * time.Hour),
		CreatedAt:      now,
	}
}

func TestQueries_CreateAndFindByID(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleRegistration("reg-1")
	if err := q.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := q.FindByID(ctx, "reg-1")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if got.CarrierID != r.CarrierID || got.TrackingNumber != r.TrackingNumber {
		t.Errorf("FindByID() = %+v, want matching %+v", got, r)
	}
	if !got.Active {
		t.Error("expected registration to be active")
	}
}

func TestQueries_FindByID_NotFound(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()

	_, err := q.FindByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueries_FindActive(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	active := sampleRegistration("reg-active")
	inactive := sampleRegistration("reg-inactive")
	inactive.Active = false

	if err := q.Create(ctx, active); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := q.Create(ctx, inactive); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := q.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "reg-active" {
		t.Fatalf("FindActive() = %+v, want only reg-active", got)
	}
}

func TestQueries_FindDueForCheck(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	neverChecked := sampleRegistration("reg-never")
	if err := q.Create(ctx, neverChecked); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	recentlyChecked := sampleRegistration("reg-recent")
	checkedAt := now.Add(-1 * time.Minute)
	recentlyChecked.LastCheckedAt = &checkedAt
	if err := q.Create(ctx, recentlyChecked); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	staleChecked := sampleRegistration("reg-stale")
	staleAt := now.Add(-2 * time.Hour)
	staleChecked.LastCheckedAt = &staleAt
	if err := q.Create(ctx, staleChecked); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	due, err := q.FindDueForCheck(ctx, now, time.Hour)
	if err != nil {
		t.Fatalf("FindDueForCheck() error: %v", err)
	}

	ids := map[string]bool{}
	for _, r := range due {
		ids[r.ID] = true
	}
	if !ids["reg-never"] || !ids["reg-stale"] {
		t.Errorf("expected reg-never and reg-stale to be due, got %+v", ids)
	}
	if ids["reg-recent"] {
		t.Errorf("reg-recent checked 1m ago should not be due under a 1h interval")
	}
}

func TestQueries_Update(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleRegistration("reg-update")
	if err := q.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	checksum := "abc123"
	checkedAt := time.Now().UTC().Truncate(time.Second)
	r.LastChecksum = &checksum
	r.LastCheckedAt = &checkedAt

	if err := q.Update(ctx, r); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := q.FindByID(ctx, "reg-update")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if got.LastChecksum == nil || *got.LastChecksum != checksum {
		t.Errorf("LastChecksum = %v, want %q", got.LastChecksum, checksum)
	}
}

func TestQueries_Deactivate(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleRegistration("reg-deactivate")
	if err := q.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := q.Deactivate(ctx, "reg-deactivate"); err != nil {
		t.Fatalf("Deactivate() error: %v", err)
	}

	got, err := q.FindByID(ctx, "reg-deactivate")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if got.Active {
		t.Error("expected registration to be inactive after Deactivate()")
	}
}

func TestQueries_Deactivate_NotFound(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()

	err := q.Deactivate(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueries_DeactivateExpired(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := sampleRegistration("reg-expired")
	expired.ExpirationTime = now.Add(-time.Hour)
	if err := q.Create(ctx, expired); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	stillValid := sampleRegistration("reg-valid")
	if err := q.Create(ctx, stillValid); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := q.DeactivateExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeactivateExpired() error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeactivateExpired() affected %d rows, want 1", n)
	}

	got, err := q.FindByID(ctx, "reg-expired")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if got.Active {
		t.Error("expected expired registration to be inactive")
	}

	stillGot, err := q.FindByID(ctx, "reg-valid")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if !stillGot.Active {
		t.Error("expected unexpired registration to remain active")
	}
}

func TestQueries_IncrementDeliveryAttempts(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleRegistration("reg-attempts")
	if err := q.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := q.IncrementDeliveryAttempts(ctx, "reg-attempts", time.Now().UTC())
	if err != nil {
		t.Fatalf("IncrementDeliveryAttempts() error: %v", err)
	}
	if n != 1 {
		t.Errorf("attempt count = %d, want 1", n)
	}

	n, err = q.IncrementDeliveryAttempts(ctx, "reg-attempts", time.Now().UTC())
	if err != nil {
		t.Fatalf("IncrementDeliveryAttempts() error: %v", err)
	}
	if n != 2 {
		t.Errorf("attempt count = %d, want 2", n)
	}
}

func TestQueries_LogDeliveryAndGetDeliveryLogs(t *testing.T) {
	q, cleanup := testDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleRegistration("reg-logs")
	if err := q.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	ok := 200
	successLog := &model.DeliveryLog{
		WebhookRegistrationID: "reg-logs",
		AttemptNumber:         1,
		StatusCode:            &ok,
		Success:               true,
		RequestBody:           `{"event":"delivered"}`,
		DeliveredAt:           time.Now().UTC(),
	}
	if err := q.LogDelivery(ctx, successLog); err != nil {
		t.Fatalf("LogDelivery() error: %v", err)
	}
	if successLog.ID == 0 {
		t.Error("expected LogDelivery to assign an id")
	}

	errMsg := "connection refused"
	failLog := &model.DeliveryLog{
		WebhookRegistrationID: "reg-logs",
		AttemptNumber:         2,
		Success:               false,
		RequestBody:           `{"event":"delivered"}`,
		ErrorMessage:          &errMsg,
		DeliveredAt:           time.Now().UTC().Add(time.Second),
	}
	if err := q.LogDelivery(ctx, failLog); err != nil {
		t.Fatalf("LogDelivery() error: %v", err)
	}

	logs, err := q.GetDeliveryLogs(ctx, "reg-logs", 10)
	if err != nil {
		t.Fatalf("GetDeliveryLogs() error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("GetDeliveryLogs() returned %d logs, want 2", len(logs))
	}
	if logs[0].AttemptNumber != 2 {
		t.Errorf("expected newest-first ordering, got attempt %d first", logs[0].AttemptNumber)
	}

	got, err := q.FindByID(ctx, "reg-logs")
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if got.LastError == nil || *got.LastError != errMsg {
		t.Errorf("LastError = %v, want %q", got.LastError, errMsg)
	}
}
