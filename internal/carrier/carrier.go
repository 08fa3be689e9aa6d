// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package carrier defines the Carrier Registry collaborator (§9 Glossary):
// the external component that resolves a carrier id to a handle whose sole
// in-scope capability is Track. Concrete per-carrier scrapers are out of
// scope for this subsystem (§1 Non-goals); this package only provides the
// interface the monitor worker depends on, plus a Registry for wiring
// whatever Carrier implementations the host process supplies.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/olegiv/trackhook/internal/model"
)

// ErrUnknownCarrier is returned by Registry.Get when no Carrier is registered
// under the given id.
var ErrUnknownCarrier = errors.New("carrier: unknown carrier id")

// Carrier resolves a tracking number to the carrier's current view of a
// shipment's timeline.
type Carrier interface {
	Track(ctx context.Context, trackingNumber string) (model.TrackInfo, error)
}

// Registry is a lookup of Carrier handles by carrier id, keyed e.g.
// "kr.cjlogistics". It is read-heavy after startup wiring, so reads take no
// lock contention beyond a RWMutex.
type Registry struct {
	mu       sync.RWMutex
	carriers map[string]Carrier
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{carriers: make(map[string]Carrier)}
}

// Register wires a Carrier under the given id, overwriting any previous
// registration for that id.
func (r *Registry) Register(carrierID string, c Carrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carriers[carrierID] = c
}

// Get resolves carrierID to its Carrier handle.
func (r *Registry) Get(carrierID string) (Carrier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carriers[carrierID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, carrierID)
	}
	return c, nil
}

// Has reports whether carrierID is known to the registry, used by
// Register-time validation (§4.7).
func (r *Registry) Has(carrierID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.carriers[carrierID]
	return ok
}
