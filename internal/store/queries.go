// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package store implements the Registration Store collaborator (§4.1):
// durable persistence for WebhookRegistration and DeliveryLog records on
// top of SQLite. There is no code generator in this module's dependency
// tree, so Queries is hand-written directly against database/sql rather
// than produced by sqlc; method names follow the same verb+Noun idiom a
// generated client would use.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/olegiv/trackhook/internal/model"
)

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Queries is the Registration Store's data-access surface. All methods are
// safe for concurrent use; SQLite serializes writes at the connection-pool
// level and IncrementDeliveryAttempts uses a single atomic UPDATE.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps an opened, migrated *sql.DB.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Create persists a new WebhookRegistration.
func (q *Queries) Create(ctx context.Context, r *model.WebhookRegistration) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO webhook_registrations (
			id, carrier_id, tracking_number, callback_url, active,
			last_checksum, last_checked_at, expiration_time, created_at,
			delivery_attempts, last_delivery_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CarrierID, r.TrackingNumber, r.CallbackURL, r.Active,
		nullString(r.LastChecksum), nullTime(r.LastCheckedAt), r.ExpirationTime, r.CreatedAt,
		r.DeliveryAttempts, nullTime(r.LastDeliveryAt), nullString(r.LastError),
	)
	if err != nil {
		return fmt.Errorf("creating registration: %w", err)
	}
	return nil
}

// FindByID returns the registration with the given id, or ErrNotFound.
func (q *Queries) FindByID(ctx context.Context, id string) (*model.WebhookRegistration, error) {
	row := q.db.QueryRowContext(ctx, registrationSelect+" WHERE id = ?", id)
	return scanRegistration(row)
}

// FindActive returns every registration with active = true, regardless of
// expiration or check schedule; Service.Init uses it to rebuild the monitor
// schedule at startup.
func (q *Queries) FindActive(ctx context.Context) ([]*model.WebhookRegistration, error) {
	rows, err := q.db.QueryContext(ctx, registrationSelect+" WHERE active = 1")
	if err != nil {
		return nil, fmt.Errorf("finding active registrations: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// FindDueForCheck returns active, unexpired registrations whose last check
// is at least interval old (or has never run), for Monitor Worker startup
// reconstitution (§4.2) and for sweeping past-due entries.
func (q *Queries) FindDueForCheck(ctx context.Context, now time.Time, interval time.Duration) ([]*model.WebhookRegistration, error) {
	cutoff := now.Add(-interval)
	rows, err := q.db.QueryContext(ctx, registrationSelect+`
		WHERE active = 1
		  AND expiration_time > ?
		  AND (last_checked_at IS NULL OR last_checked_at <= ?)`,
		now, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("finding due registrations: %w", err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// Update persists mutable registration fields (checksum, last-checked time,
// expiration time, delivery bookkeeping, active flag) back to the store.
func (q *Queries) Update(ctx context.Context, r *model.WebhookRegistration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE webhook_registrations SET
			active = ?, last_checksum = ?, last_checked_at = ?, expiration_time = ?,
			delivery_attempts = ?, last_delivery_at = ?, last_error = ?
		WHERE id = ?`,
		r.Active, nullString(r.LastChecksum), nullTime(r.LastCheckedAt), r.ExpirationTime,
		r.DeliveryAttempts, nullTime(r.LastDeliveryAt), nullString(r.LastError),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating registration %s: %w", r.ID, err)
	}
	return checkRowsAffected(res, r.ID)
}

// Deactivate marks a single registration inactive (Deactivate operation,
// §4.1), used for explicit unregistration via the service facade.
func (q *Queries) Deactivate(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE webhook_registrations SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating registration %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// DeactivateExpired marks every active registration whose expiration_time
// has passed as inactive, returning the number of rows affected, for the
// Cleanup Worker's periodic sweep (§4.6).
func (q *Queries) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE webhook_registrations SET active = 0 WHERE active = 1 AND expiration_time <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivating expired registrations: %w", err)
	}
	return res.RowsAffected()
}

// IncrementDeliveryAttempts performs the race-free read-modify-write
// described in §4.1/§4.5: bump delivery_attempts and stamp last_delivery_at
// in a single UPDATE statement, then read the row back and return its
// attempt count.
func (q *Queries) IncrementDeliveryAttempts(ctx context.Context, id string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE webhook_registrations
		SET delivery_attempts = delivery_attempts + 1, last_delivery_at = ?
		WHERE id = ?`, now, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing delivery attempts for %s: %w", id, err)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return 0, err
	}

	r, err := q.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.DeliveryAttempts, nil
}

// LogDelivery appends one DeliveryLog row and, if the delivery failed,
// records the truncated error on the owning registration.
func (q *Queries) LogDelivery(ctx context.Context, l *model.DeliveryLog) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_logs (
			webhook_registration_id, attempt, status_code, success,
			request_body, response_body, error_message, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.WebhookRegistrationID, l.AttemptNumber, nullInt(l.StatusCode), l.Success,
		l.RequestBody, nullString(l.ResponseBody), nullString(l.ErrorMessage), l.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("logging delivery for %s: %w", l.WebhookRegistrationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading delivery log id: %w", err)
	}
	l.ID = id

	if !l.Success {
		errMsg := ""
		if l.ErrorMessage != nil {
			errMsg = *l.ErrorMessage
		}
		if _, err := q.db.ExecContext(ctx, `UPDATE webhook_registrations SET last_error = ? WHERE id = ?`,
			model.Truncate(errMsg, model.MaxErrorMessageLen), l.WebhookRegistrationID); err != nil {
			return fmt.Errorf("recording last_error for %s: %w", l.WebhookRegistrationID, err)
		}
	}

	return nil
}

// GetDeliveryLogs returns the delivery audit trail for a registration,
// newest first, for the service facade's GetDeliveryLogs operation.
func (q *Queries) GetDeliveryLogs(ctx context.Context, registrationID string, limit int) ([]*model.DeliveryLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, webhook_registration_id, attempt, status_code, success,
		       request_body, response_body, error_message, delivered_at
		FROM webhook_delivery_logs
		WHERE webhook_registration_id = ?
		ORDER BY delivered_at DESC
		LIMIT ?`, registrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing delivery logs for %s: %w", registrationID, err)
	}
	defer rows.Close()

	var logs []*model.DeliveryLog
	for rows.Next() {
		l := &model.DeliveryLog{}
		var statusCode sql.NullInt64
		var responseBody, errorMessage sql.NullString
		if err := rows.Scan(&l.ID, &l.WebhookRegistrationID, &l.AttemptNumber, &statusCode, &l.Success,
			&l.RequestBody, &responseBody, &errorMessage, &l.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scanning delivery log: %w", err)
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			l.StatusCode = &v
		}
		if responseBody.Valid {
			l.ResponseBody = &responseBody.String
		}
		if errorMessage.Valid {
			l.ErrorMessage = &errorMessage.String
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const registrationSelect = `
	SELECT id, carrier_id, tracking_number, callback_url, active,
	       last_checksum, last_checked_at, expiration_time, created_at,
	       delivery_attempts, last_delivery_at, last_error
	FROM webhook_registrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*model.WebhookRegistration, error) {
	r := &model.WebhookRegistration{}
	var lastChecksum, lastError sql.NullString
	var lastCheckedAt, lastDeliveryAt sql.NullTime

	err := row.Scan(&r.ID, &r.CarrierID, &r.TrackingNumber, &r.CallbackURL, &r.Active,
		&lastChecksum, &lastCheckedAt, &r.ExpirationTime, &r.CreatedAt,
		&r.DeliveryAttempts, &lastDeliveryAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning registration: %w", err)
	}

	if lastChecksum.Valid {
		r.LastChecksum = &lastChecksum.String
	}
	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		r.LastCheckedAt = &t
	}
	if lastDeliveryAt.Valid {
		t := lastDeliveryAt.Time
		r.LastDeliveryAt = &t
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return r, nil
}

func scanRegistrations(rows *sql.Rows) ([]*model.WebhookRegistration, error) {
	var out []*model.WebhookRegistration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
