// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/olegiv/trackhook/internal/carrier"
)

// MaxRegistrationLifetime is the longest a registration may live from the
// moment it is created (§4.7, §3: "now < expirationTime ≤ now+30 days").
const MaxRegistrationLifetime = 30 * 24 * time.Hour

// RegisterInput is the raw input accepted by Service.Register (§6).
type RegisterInput struct {
	CarrierID      string
	TrackingNumber string
	CallbackURL    string
	ExpirationTime time.Time
}

// validateRegisterInput runs the Register-time validation chain from §4.7.
// It never touches the store; a failure returns ErrBadRequest wrapped with
// the specific reason.
func validateRegisterInput(in RegisterInput, registry *carrier.Registry, production bool, now time.Time) error {
	if strings.TrimSpace(in.CarrierID) == "" {
		return fmt.Errorf("%w: carrierId is required", ErrBadRequest)
	}
	if strings.TrimSpace(in.TrackingNumber) == "" {
		return fmt.Errorf("%w: trackingNumber is required", ErrBadRequest)
	}

	u, err := url.Parse(in.CallbackURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: callbackUrl must be an absolute URL", ErrBadRequest)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: callbackUrl scheme must be http or https", ErrBadRequest)
	}

	if production && isPrivateHost(u.Hostname()) {
		return fmt.Errorf("%w: callbackUrl host %q is not reachable in production", ErrBadRequest, u.Hostname())
	}

	if !in.ExpirationTime.After(now) {
		return fmt.Errorf("%w: expirationTime must be in the future", ErrBadRequest)
	}
	if in.ExpirationTime.After(now.Add(MaxRegistrationLifetime)) {
		return fmt.Errorf("%w: expirationTime must be within 30 days", ErrBadRequest)
	}

	if !registry.Has(in.CarrierID) {
		return fmt.Errorf("%w: unknown carrier %q", ErrBadRequest, in.CarrierID)
	}

	return nil
}

// isPrivateHost applies the coarse textual-prefix check described in §4.7
// and pinned as an accepted coarseness in §9 Open Question (b): it matches
// literal prefixes rather than parsing CIDR ranges, so it over-rejects
// hosts like 172.217.x.x (public Google IPs) that happen to share the
// "172." prefix with the 172.16.0.0/12 private block. This is intentional —
// see DESIGN.md — and must not be "fixed" by swapping in CIDR matching.
func isPrivateHost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	for _, prefix := range []string{"10.", "172.", "192.168."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}
