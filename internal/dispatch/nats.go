/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
)

// NATSSink publishes transitions onto a NATS subject.
type NATSSink struct {
	name    string
	subject string
	conn    *nats.Conn
}

// NewNATSSink connects to the NATS server. Connection failure at startup is a
// configuration problem and surfaces as a fatal error.
func NewNATSSink(name, url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("dutyscdp-bot"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if name == "" {
		name = "nats:" + subject
	}
	return &NATSSink{name: name, subject: subject, conn: conn}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return s.name }

// Deliver implements Sink.
func (s *NATSSink) Deliver(ctx context.Context, t duty.Transition) error {
	body, err := json.Marshal(NewPayload(t))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
