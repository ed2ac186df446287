/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
)

// EventDutyChange is the event name carried in outbound payloads.
const EventDutyChange = "duty_change"

// Payload is the JSON body sent to webhook and NATS sinks. Consumers are
// expected to be idempotent on (provider_id, source_revision): delivery is
// at-least-once and a retry can duplicate a notification.
type Payload struct {
	Event          string       `json:"event"`
	Timestamp      time.Time    `json:"timestamp"`
	ProviderID     string       `json:"provider_id"`
	Person         duty.Person  `json:"person"`
	Previous       *duty.Person `json:"previous,omitempty"`
	ValidFrom      *time.Time   `json:"valid_from,omitempty"`
	ValidUntil     *time.Time   `json:"valid_until,omitempty"`
	SourceRevision string       `json:"source_revision"`
}

// NewPayload builds the outbound payload for a transition.
func NewPayload(t duty.Transition) Payload {
	p := Payload{
		Event:          EventDutyChange,
		Timestamp:      time.Now().UTC(),
		ProviderID:     t.ProviderID,
		Person:         t.To.Person,
		ValidFrom:      t.To.ValidFrom,
		ValidUntil:     t.To.ValidUntil,
		SourceRevision: t.To.SourceRevision,
	}
	if t.From != nil {
		prev := t.From.Person
		p.Previous = &prev
	}
	return p
}

// WebhookSink posts transitions to an HTTP endpoint, optionally signed with
// HMAC-SHA256.
type WebhookSink struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(name, url, secret string) *WebhookSink {
	if name == "" {
		name = "webhook:" + url
	}
	return &WebhookSink{
		name:   name,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.name }

// Deliver implements Sink. Timeouts and 5xx responses are transient; 4xx
// responses are permanent and never retried.
func (s *WebhookSink) Deliver(ctx context.Context, t duty.Transition) error {
	body, err := json.Marshal(NewPayload(t))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dutyscdp-bot/1.0")
	req.Header.Set("X-Duty-Event", EventDutyChange)
	req.Header.Set("X-Duty-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if s.secret != "" {
		req.Header.Set("X-Duty-Signature", Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%s rejected notification: HTTP %d", s.url, resp.StatusCode))
	default:
		return fmt.Errorf("%s returned HTTP %d", s.url, resp.StatusCode)
	}
}

// Sign creates an HMAC-SHA256 signature header value.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an inbound HMAC-SHA256 signature.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
