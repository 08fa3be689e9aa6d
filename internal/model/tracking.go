// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package model

import "time"

// TrackEventStatusCode is the normalized status of a single tracking event.
// Carriers report status in carrier-specific vocabularies; the carrier
// registry is responsible for mapping into this fixed set.
type TrackEventStatusCode string

const (
	StatusInformationReceived TrackEventStatusCode = "INFORMATION_RECEIVED"
	StatusAtPickup            TrackEventStatusCode = "AT_PICKUP"
	StatusInTransit           TrackEventStatusCode = "IN_TRANSIT"
	StatusOutForDelivery      TrackEventStatusCode = "OUT_FOR_DELIVERY"
	StatusAttemptFail         TrackEventStatusCode = "ATTEMPT_FAIL"
	StatusDelivered           TrackEventStatusCode = "DELIVERED"
	StatusAvailableForPickup  TrackEventStatusCode = "AVAILABLE_FOR_PICKUP"
	StatusException           TrackEventStatusCode = "EXCEPTION"
	StatusUnknown             TrackEventStatusCode = "UNKNOWN"
)

// TrackEvent is a single entry in a shipment's timeline.
type TrackEvent struct {
	Status      TrackEventStatusCode `json:"status"`
	Time        time.Time            `json:"time"`
	Location    string               `json:"location,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Contact is a sender or recipient reference attached to a shipment.
// It is carried through to callback payloads but never enters the checksum.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// TrackInfo is the tracking snapshot returned by a Carrier. Events is the
// only field that participates in change detection (see webhook.Checksum);
// Sender, Recipient, and CarrierSpecificData rarely change and are excluded
// so they never produce spurious deliveries.
type TrackInfo struct {
	Events []TrackEvent `json:"events"`

	Sender    Contact `json:"sender,omitempty"`
	Recipient Contact `json:"recipient,omitempty"`

	// CarrierSpecificData stays an opaque string map by design (§9): unlike
	// the rest of TrackInfo it is not worth modeling as a tagged type because
	// its shape varies per carrier and nothing in this subsystem inspects it.
	CarrierSpecificData map[string]string `json:"carrierSpecificData,omitempty"`
}
