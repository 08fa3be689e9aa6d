// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import "errors"

// Error kinds (§7), realized as sentinels wrapped with %w and contextual
// detail, matching the teacher's error-wrapping idiom throughout
// internal/store and internal/webhook rather than a dedicated error-kind
// type — the teacher repo has none either.
var (
	ErrBadRequest      = errors.New("webhook: bad request")
	ErrNotFound        = errors.New("webhook: not found")
	ErrCarrierUnknown  = errors.New("webhook: unknown carrier")
	ErrCarrierFailure  = errors.New("webhook: carrier failure")
	ErrDeliveryFailure = errors.New("webhook: delivery failure")
)
