/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reconciler polls the configured providers, merges their results into
// the authoritative duty snapshot, and detects transitions.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
	"github.com/lemanapro/dutyscdp-bot/internal/provider"
	"github.com/lemanapro/dutyscdp-bot/internal/telemetry"
)

// Notifier consumes detected transitions. Delivery is the notifier's problem;
// the reconciler hands each coalesced transition over exactly once.
type Notifier interface {
	Notify(t duty.Transition)
}

// LeaderGate restricts polling to the elected leader when set.
type LeaderGate interface {
	IsLeader() bool
}

// Lane couples a provider client with its polling cadence.
type Lane struct {
	Provider provider.Provider
	Interval time.Duration
	Timeout  time.Duration
}

// Reconciler owns the current snapshot. Providers are polled on independent
// tickers; every refresh publishes a new immutable snapshot atomically, so
// readers never observe a half-built state.
type Reconciler struct {
	lanes    []Lane
	bus      *events.Bus
	notifier Notifier
	gate     LeaderGate
	logger   zerolog.Logger

	snapshot atomic.Pointer[duty.Snapshot]
	ready    atomic.Bool

	// mu serializes merge+publish across provider goroutines. Readers stay
	// lock-free; only writers contend here.
	mu sync.Mutex

	refresh map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a reconciler. gate may be nil when leader election is disabled.
func New(lanes []Lane, notifier Notifier, bus *events.Bus, gate LeaderGate, logger zerolog.Logger) *Reconciler {
	r := &Reconciler{
		lanes:    lanes,
		bus:      bus,
		notifier: notifier,
		gate:     gate,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		refresh:  make(map[string]chan struct{}, len(lanes)),
	}
	r.snapshot.Store(duty.NewSnapshot(time.Now().UTC()))
	for _, lane := range lanes {
		r.refresh[lane.Provider.ID()] = make(chan struct{}, 1)
	}
	return r
}

// Start launches one polling goroutine per provider lane. Each lane honors
// its own interval; the first poll runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	for _, lane := range r.lanes {
		r.wg.Add(1)
		go r.runLane(ctx, lane)
	}
	r.logger.Info().Int("providers", len(r.lanes)).Msg("reconciler started")
}

// Wait blocks until all lane goroutines have exited.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) runLane(ctx context.Context, lane Lane) {
	defer r.wg.Done()

	id := lane.Provider.ID()
	ticker := time.NewTicker(lane.Interval)
	defer ticker.Stop()

	r.refreshLane(ctx, lane)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("provider", id).Msg("lane stopping")
			return
		case <-ticker.C:
			r.refreshLane(ctx, lane)
		case <-r.refresh[id]:
			r.refreshLane(ctx, lane)
		}
	}
}

// Refresh schedules an out-of-band poll for one provider, used by push-style
// inbound events. Returns false for unknown providers. Push and poll share
// the same refresh path, so merge and diff logic is identical for both.
func (r *Reconciler) Refresh(providerID string) bool {
	ch, ok := r.refresh[providerID]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
		// A refresh is already pending; the next poll covers this event.
	}
	return true
}

// FollowLeadership schedules a refresh of every lane when leadership is
// gained, so a newly promoted instance publishes a snapshot immediately
// instead of serving nothing until its tickers fire.
func (r *Reconciler) FollowLeadership(ctx context.Context, leaderCh <-chan bool) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case isLeader, ok := <-leaderCh:
				if !ok {
					return
				}
				if !isLeader {
					continue
				}
				r.logger.Info().Msg("leadership gained, refreshing all lanes")
				for id := range r.refresh {
					r.Refresh(id)
				}
			}
		}
	}()
}

// refreshLane performs one poll cycle for a single provider: fetch, merge,
// diff, publish, notify.
func (r *Reconciler) refreshLane(ctx context.Context, lane Lane) {
	if r.gate != nil && !r.gate.IsLeader() {
		return
	}

	id := lane.Provider.ID()
	fetchCtx, cancel := context.WithTimeout(ctx, lane.Timeout)
	state, err := lane.Provider.Fetch(fetchCtx)
	cancel()

	now := time.Now().UTC()

	r.mu.Lock()
	prev := r.snapshot.Load()
	next := prev.Clone(now)

	if err != nil {
		if ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		telemetry.PollsTotal.WithLabelValues(id, "error").Inc()
		old, had := prev.Get(id)
		if had {
			// Keep the last known-good state, flagged stale. Never drop a
			// lane to empty because its provider is down.
			old.Stale = true
			next.Providers[id] = old
			telemetry.ProviderStale.WithLabelValues(id).Set(1)
		}
		r.snapshot.Store(next)
		r.mu.Unlock()

		r.logger.Warn().Err(err).Str("provider", id).Msg("provider poll failed, lane degraded")
		r.bus.Publish(events.EventProviderDegraded, events.Payload{"provider_id": id, "error": err.Error()})
		return
	}

	telemetry.PollsTotal.WithLabelValues(id, "success").Inc()
	telemetry.ProviderStale.WithLabelValues(id).Set(0)

	old, had := prev.Get(id)
	state.Stale = false
	next.Providers[id] = state

	transitions := duty.Diff(prev, next)
	r.snapshot.Store(next)
	r.ready.Store(true)
	r.mu.Unlock()

	if had && old.Stale {
		r.logger.Info().Str("provider", id).Msg("provider recovered")
		r.bus.Publish(events.EventProviderRecovered, events.Payload{"provider_id": id})
	}

	r.bus.Publish(events.EventSnapshotPublished, events.Payload{"observed_at": next.ObservedAt})

	for _, t := range transitions {
		telemetry.TransitionsTotal.WithLabelValues(t.ProviderID).Inc()
		r.logger.Info().
			Str("provider", t.ProviderID).
			Str("person", t.To.Person.ID).
			Str("revision", t.To.SourceRevision).
			Msg("duty transition detected")
		if r.notifier != nil {
			r.notifier.Notify(t)
		}
		r.bus.Publish(events.EventDutyTransition, events.Payload{"transition": t})
	}
}

// Snapshot returns the last published snapshot, lock-free.
func (r *Reconciler) Snapshot() *duty.Snapshot {
	return r.snapshot.Load()
}

// Ready reports whether at least one successful reconciliation cycle has
// completed.
func (r *Reconciler) Ready() bool {
	return r.ready.Load()
}
