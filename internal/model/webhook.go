// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package model defines the domain types shared across the webhook subsystem.
package model

import "time"

// WebhookRegistration is a subscriber's standing request to be notified of
// tracking changes for one (carrierId, trackingNumber) pair until it expires.
type WebhookRegistration struct {
	ID             string
	CarrierID      string
	TrackingNumber string
	CallbackURL    string
	ExpirationTime time.Time
	CreatedAt      time.Time
	Active         bool

	LastChecksum  *string
	LastCheckedAt *time.Time

	DeliveryAttempts int64
	LastDeliveryAt   *time.Time
	LastError        *string
}

// DeliveryLog is one append-only record of a single webhook delivery attempt.
type DeliveryLog struct {
	ID                    int64
	WebhookRegistrationID string
	AttemptNumber         int64
	StatusCode            *int
	Success               bool
	ErrorMessage          *string
	RequestBody           string
	ResponseBody          *string
	DeliveredAt           time.Time
}

// Field length limits from §3.
const (
	MaxErrorMessageLen        = 2048 // WebhookRegistration.LastError
	MaxDeliveryLogErrorLen    = 1024 // DeliveryLog.ErrorMessage
	MaxDeliveryLogResponseLen = 1000 // DeliveryLog.ResponseBody
)

// Truncate clips s to at most n bytes; a no-op if s already fits.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
