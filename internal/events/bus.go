/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// EventDutyTransition fires when a provider lane's duty state changes.
	// Payload: "transition" (duty.Transition).
	EventDutyTransition EventType = "duty.transition"

	// EventProviderDegraded fires when a provider poll fails and its lane
	// goes stale. Payload: "provider_id", "error".
	EventProviderDegraded EventType = "provider.degraded"

	// EventProviderRecovered fires when a stale lane fetches successfully
	// again. Payload: "provider_id".
	EventProviderRecovered EventType = "provider.recovered"

	// EventInboundMessage carries a chat message received on the webhook
	// surface. Payload: "provider_id", "user" (sender username), "ldap"
	// (sender's resolved identity, matching duty.Person.ID), "text",
	// "root_id". All values are strings.
	EventInboundMessage EventType = "inbound.message"

	// EventSnapshotPublished fires after every reconciliation cycle.
	// Payload: "observed_at".
	EventSnapshotPublished EventType = "snapshot.published"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events rather
// than block the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
