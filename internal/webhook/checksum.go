// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package webhook implements the Monitor, Delivery, and Cleanup workers and
// the Service Facade that wires them to the registration store, tracking
// cache, carrier registry, and queue backend (§4.4-§4.7).
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/olegiv/trackhook/internal/model"
)

// Checksum computes SHA-256(canonical(events)) per §4.4: the checksum
// domain is the event sequence only, never sender/recipient/carrier data,
// so that fields irrelevant to delivery triggers don't cause spurious
// deliveries. canonical serializes events as JSON with object keys sorted
// lexicographically at every depth, so two TrackInfo values whose events
// differ only in key ordering hash identically.
func Checksum(events []model.TrackEvent) (string, error) {
	canon, err := canonicalize(events)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize marshals v through a generic JSON round-trip so that map
// keys are sorted (encoding/json already sorts map keys on marshal) and
// struct fields appear in a fixed, type-derived order — the property the
// checksum relies on for key-order independence.
func canonicalize(events []model.TrackEvent) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

// marshalSorted re-encodes a decoded JSON value with map keys sorted at
// every depth. encoding/json already sorts map[string]any keys on marshal,
// but we make the guarantee explicit and depth-recursive rather than
// relying on that implementation detail alone.
func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}
