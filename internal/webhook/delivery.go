// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/olegiv/trackhook/internal/model"
	"github.com/olegiv/trackhook/internal/store"
)

// Delivery configuration constants from §4.5/§6.
const (
	MaxDeliveryAttempts = 4
	DeliveryTimeout     = 30 * time.Second
	DeliveryUserAgent   = "delivery-tracker-webhook/1.0"
	MaxResponseBodyLen  = 1000 // §4.5: response bodies truncated to ≤ 1000 bytes
	MaxDeliveryErrorLen = 200  // §4.5: logged error messages truncated to 200 bytes
)

// deliveryClassification is the outcome of classifying one HTTP response or
// transport error against §4.5 step 4's table.
type deliveryClassification int

const (
	classifySuccess deliveryClassification = iota
	classifyRetry
	classifyTerminal
)

// DeliveryRateLimitInterval/DeliveryRateLimitBurst bound the sustained POST
// rate to a single registration's callback URL, defending a subscriber
// endpoint against duplicate-job races (e.g. a stalled-job reap firing
// alongside a fresh monitor tick for the same registration). The burst
// covers MaxDeliveryAttempts worth of legitimate back-to-back retries; only
// sustained hammering beyond that is throttled. This sits outside the
// retry back-off itself.
const (
	DeliveryRateLimitInterval = 5 * time.Second
	DeliveryRateLimitBurst    = MaxDeliveryAttempts
)

// Delivery implements the Delivery Worker contract (§4.5).
type Delivery struct {
	store      *store.Queries
	httpClient *http.Client
	logger     *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewDelivery wires the Delivery Worker over the registration store.
func NewDelivery(st *store.Queries, logger *slog.Logger) *Delivery {
	return &Delivery{
		store: st,
		httpClient: &http.Client{
			Timeout: DeliveryTimeout,
		},
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-registration rate.Limiter, creating one on
// first use the same way the teacher's scheduler.TaskExecutor lazily
// allocates a rate.Limiter per task id (internal/scheduler/task_executor.go).
func (d *Delivery) limiterFor(registrationID string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()

	l, ok := d.limiters[registrationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(DeliveryRateLimitInterval), DeliveryRateLimitBurst)
		d.limiters[registrationID] = l
	}
	return l
}

// callbackBody is the JSON body POSTed to callbackUrl (§6).
type callbackBody struct {
	WebhookID    string           `json:"webhookId"`
	TrackingData model.TrackInfo  `json:"trackingData"`
	Metadata     callbackMetadata `json:"metadata"`
}

type callbackMetadata struct {
	PreviousChecksum *string `json:"previousChecksum,omitempty"`
	CurrentChecksum  string  `json:"currentChecksum"`
	DeliveredAt      string  `json:"deliveredAt"`
}

// Run executes one delivery job invocation (§4.5 steps 1-5). attempt is the
// job's 1-based attempt number, supplied by the queue backend.
func (d *Delivery) Run(ctx context.Context, job DeliveryJob, attempt int) error {
	now := time.Now().UTC()
	if _, err := d.store.IncrementDeliveryAttempts(ctx, job.RegistrationID, now); err != nil {
		return fmt.Errorf("incrementing delivery attempts for %s: %w", job.RegistrationID, err)
	}

	body := callbackBody{
		WebhookID:    job.RegistrationID,
		TrackingData: job.TrackInfo,
		Metadata: callbackMetadata{
			PreviousChecksum: job.PreviousChecksum,
			CurrentChecksum:  job.CurrentChecksum,
			DeliveredAt:      now.Format(time.RFC3339),
		},
	}
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling callback body for %s: %w", job.RegistrationID, err)
	}

	if err := d.limiterFor(job.RegistrationID).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for delivery rate limiter for %s: %w", job.RegistrationID, err)
	}

	statusCode, responseBody, sendErr := d.send(ctx, job.CallbackURL, job.RegistrationID, attempt, requestBody)
	classification := classify(statusCode, sendErr, attempt)

	// §4.5 step 5: terminal failure is attemptNumber >= 4 OR a non-retryable
	// classification — the attempt cap overrides an otherwise-retryable
	// outcome once the budget is exhausted.
	if classification == classifyRetry && attempt >= MaxDeliveryAttempts {
		classification = classifyTerminal
	}

	return d.recordOutcome(ctx, job, attempt, statusCode, requestBody, responseBody, sendErr, classification)
}

// send issues the HTTP POST and returns the status code (0 on transport
// failure) and a best-effort, truncated response body.
func (d *Delivery) send(ctx context.Context, url, registrationID string, attempt int, requestBody []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", DeliveryUserAgent)
	req.Header.Set("X-Webhook-Id", registrationID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Response bodies are read best-effort; a read failure does not
	// reclassify the outcome (§4.5).
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyLen))
	return resp.StatusCode, string(raw), nil
}

// classify applies §4.5 step 4's status-code table.
func classify(statusCode int, sendErr error, attempt int) deliveryClassification {
	if sendErr != nil {
		return classifyRetry // network error / timeout
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return classifySuccess
	case statusCode >= 500 && statusCode < 600:
		return classifyRetry
	case statusCode >= 400 && statusCode < 500:
		switch statusCode {
		case 400, 401, 403, 404:
			return classifyTerminal
		default:
			// Retry at most once: only when this is attempt 1 (attemptNumber < 2).
			if attempt < 2 {
				return classifyRetry
			}
			return classifyTerminal
		}
	default:
		return classifyRetry // >= 600 or otherwise unclassified
	}
}

// recordOutcome applies §4.5 step 5's final-state effects: always log the
// attempt, then update the registration according to the classification.
func (d *Delivery) recordOutcome(ctx context.Context, job DeliveryJob, attempt, statusCode int, requestBody []byte, responseBody string, sendErr error, classification deliveryClassification) error {
	success := classification == classifySuccess

	var statusCodePtr *int
	if statusCode != 0 {
		sc := statusCode
		statusCodePtr = &sc
	}

	var rawErr string
	if sendErr != nil {
		rawErr = sendErr.Error()
	} else if !success {
		rawErr = fmt.Sprintf("HTTP %d", statusCode)
	}

	log := &model.DeliveryLog{
		WebhookRegistrationID: job.RegistrationID,
		AttemptNumber:         int64(attempt),
		StatusCode:            statusCodePtr,
		Success:               success,
		RequestBody:           string(requestBody),
		DeliveredAt:           time.Now().UTC(),
	}
	if responseBody != "" {
		truncated := model.Truncate(responseBody, MaxResponseBodyLen)
		log.ResponseBody = &truncated
	}
	if rawErr != "" {
		truncated := model.Truncate(rawErr, MaxDeliveryErrorLen)
		log.ErrorMessage = &truncated
	}

	if err := d.store.LogDelivery(ctx, log); err != nil {
		return fmt.Errorf("logging delivery for %s: %w", job.RegistrationID, err)
	}

	reg, err := d.store.FindByID(ctx, job.RegistrationID)
	if err != nil {
		return fmt.Errorf("loading registration %s after delivery: %w", job.RegistrationID, err)
	}

	switch classification {
	case classifySuccess:
		reg.LastError = nil
		if err := d.store.Update(ctx, reg); err != nil {
			return fmt.Errorf("clearing lastError for %s: %w", job.RegistrationID, err)
		}
		d.logger.Info("webhook delivered", "registration_id", job.RegistrationID, "status_code", statusCode)
		return nil

	case classifyRetry:
		msg := model.Truncate(fmt.Sprintf("Delivery attempt %d failed: %s", attempt, rawErr), MaxDeliveryErrorLen)
		reg.LastError = &msg
		if err := d.store.Update(ctx, reg); err != nil {
			return fmt.Errorf("recording retry state for %s: %w", job.RegistrationID, err)
		}
		// Raising here lets the queue backend schedule the next attempt.
		return fmt.Errorf("%w: %s", ErrDeliveryFailure, msg)

	default: // classifyTerminal
		msg := model.Truncate(fmt.Sprintf("Delivery failed after %d attempts: %s", attempt, rawErr), MaxDeliveryErrorLen)
		reg.Active = false
		reg.LastError = &msg
		if err := d.store.Update(ctx, reg); err != nil {
			return fmt.Errorf("recording terminal failure for %s: %w", job.RegistrationID, err)
		}
		d.logger.Warn("webhook delivery terminated", "registration_id", job.RegistrationID, "attempt", attempt, "error", msg)
		return nil
	}
}
