/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reminder nags the new duty person in chat until they acknowledge
// the handover.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
	"github.com/lemanapro/dutyscdp-bot/internal/provider"
	"github.com/lemanapro/dutyscdp-bot/internal/telemetry"
)

// Poster sends chat messages; satisfied by the Loop client.
type Poster interface {
	PostMessage(ctx context.Context, channelID, message, rootID string) (postID, threadID string, err error)
}

// Config for reminder sessions.
type Config struct {
	ChannelID  string
	Interval   time.Duration
	AckKeyword string
}

type session struct {
	person   duty.Person
	threadID string
	cancel   context.CancelFunc
}

// Manager posts the duty handover message and runs one reminder session per
// provider lane. It acts as the "loop" notification sink: Deliver posts the
// initial message and starts the session. A newer transition for the same
// lane replaces the running session.
type Manager struct {
	poster Poster
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewManager creates a reminder manager.
func NewManager(poster Poster, cfg Config, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		poster:   poster,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With().Str("component", "reminder").Logger(),
		sessions: make(map[string]*session),
	}
}

// Name implements the sink contract.
func (m *Manager) Name() string { return "loop" }

// Deliver posts the initial duty message and starts the reminder session for
// the lane. Auth and malformed-request failures are permanent; the dispatcher
// retries the rest.
func (m *Manager) Deliver(ctx context.Context, t duty.Transition) error {
	message := initialMessage(t.To.Person, m.cfg.AckKeyword)
	_, threadID, err := m.poster.PostMessage(ctx, m.cfg.ChannelID, message, "")
	if err != nil {
		if errors.Is(err, provider.ErrAuth) || errors.Is(err, provider.ErrMalformed) {
			return backoff.Permanent(err)
		}
		return err
	}

	m.startSession(t.ProviderID, t.To.Person, threadID)
	return nil
}

func (m *Manager) startSession(providerID string, person duty.Person, threadID string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if old, ok := m.sessions[providerID]; ok {
		old.cancel()
	}
	m.sessions[providerID] = &session{person: person, threadID: threadID, cancel: cancel}
	m.mu.Unlock()

	m.logger.Info().
		Str("provider", providerID).
		Str("person", person.ID).
		Msg("reminder session started")

	m.wg.Add(1)
	go m.remindLoop(ctx, providerID, person, threadID)
}

func (m *Manager) remindLoop(ctx context.Context, providerID string, person duty.Person, threadID string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			postCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, _, err := m.poster.PostMessage(postCtx, m.cfg.ChannelID, reminderMessage(person, m.cfg.AckKeyword), threadID)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Str("provider", providerID).Msg("reminder post failed")
				continue
			}
			telemetry.RemindersTotal.WithLabelValues(providerID).Inc()
			m.logger.Info().Str("provider", providerID).Str("person", person.ID).Msg("no acknowledgement yet, reminder sent")
		}
	}
}

// Start consumes inbound chat events and resolves sessions on acknowledgment.
// Blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	inbound := m.bus.Subscribe(events.EventInboundMessage)
	defer m.bus.Unsubscribe(events.EventInboundMessage, inbound)

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Str("keyword", m.cfg.AckKeyword).
		Msg("reminder manager started")

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case payload := <-inbound:
			m.handleInbound(payload)
		}
	}
}

// handleInbound acknowledges a session when the duty person replies with the
// keyword, either in the session thread or as a top-level message.
func (m *Manager) handleInbound(payload events.Payload) {
	providerID, _ := payload["provider_id"].(string)
	text, _ := payload["text"].(string)
	rootID, _ := payload["root_id"].(string)
	ldap, _ := payload["ldap"].(string)
	if ldap == "" {
		ldap, _ = payload["user"].(string)
	}

	if !strings.Contains(strings.ToLower(text), strings.ToLower(m.cfg.AckKeyword)) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[providerID]
	if !ok {
		return
	}
	if ldap != sess.person.ID {
		return
	}
	if rootID != "" && rootID != sess.threadID {
		return
	}

	m.logger.Info().Str("provider", providerID).Str("person", ldap).Msg("duty acknowledged")
	sess.cancel()
	delete(m.sessions, providerID)
}

// Acknowledged reports whether a lane currently has no open session.
func (m *Manager) Acknowledged(providerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, open := m.sessions[providerID]
	return !open
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	for id, sess := range m.sessions {
		sess.cancel()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func initialMessage(person duty.Person, keyword string) string {
	return fmt.Sprintf("@%s Доброе утро. Ты сегодня дежурный, напиши %s в чат, чтобы я понял что ты увидел это сообщение", person.ID, keyword)
}

func reminderMessage(person duty.Person, keyword string) string {
	return fmt.Sprintf("@%s напомню, что сегодня твоя дежурная смена. Напиши %s в ответном треде", person.ID, keyword)
}
