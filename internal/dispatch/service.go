/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatch delivers duty transitions to the configured notification
// sinks with retry and at-least-once semantics.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/models"
	"github.com/lemanapro/dutyscdp-bot/internal/telemetry"
)

// Sink delivers one transition to one notification target. Implementations
// wrap permanent failures (4xx, bad config) in backoff.Permanent so the
// dispatcher stops retrying them.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, t duty.Transition) error
}

// Target couples a sink with its retry budget.
type Target struct {
	Sink       Sink
	MaxRetries int
}

// Dispatcher fans transitions out to all targets. Per provider lane only the
// latest transition is ever delivered: intermediate values observed while a
// delivery is in flight are coalesced, never queued individually.
type Dispatcher struct {
	targets []Target
	db      *gorm.DB
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]duty.Transition
	workers map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher. db may be nil to disable the delivery log.
func New(targets []Target, db *gorm.DB, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		targets: targets,
		db:      db,
		logger:  logger.With().Str("component", "dispatch").Logger(),
		pending: make(map[string]duty.Transition),
		workers: make(map[string]chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Notify hands over a transition for delivery. Returns immediately; delivery
// happens on a per-provider worker goroutine.
func (d *Dispatcher) Notify(t duty.Transition) {
	d.mu.Lock()
	d.pending[t.ProviderID] = t
	signal, ok := d.workers[t.ProviderID]
	if !ok {
		signal = make(chan struct{}, 1)
		d.workers[t.ProviderID] = signal
		d.wg.Add(1)
		go d.runWorker(t.ProviderID, signal)
	}
	d.mu.Unlock()

	select {
	case signal <- struct{}{}:
	default:
	}
}

// runWorker drains the pending slot for one provider lane. Taking the slot
// after every delivery round is what coalesces rapid flapping into a single
// notification for the latest value.
func (d *Dispatcher) runWorker(providerID string, signal chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			// A transition accepted before shutdown still gets delivered;
			// the drain deadline bounds it through d.ctx.
			if t, ok := d.takePending(providerID); ok {
				d.deliverAll(t)
			}
			return
		case <-signal:
		}
		for {
			t, ok := d.takePending(providerID)
			if !ok {
				break
			}
			d.deliverAll(t)
		}
	}
}

func (d *Dispatcher) takePending(providerID string) (duty.Transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.pending[providerID]
	if ok {
		delete(d.pending, providerID)
	}
	return t, ok
}

// deliverAll sends one transition to every target, each with its own retry
// budget. A failing target never blocks the others.
func (d *Dispatcher) deliverAll(t duty.Transition) {
	var wg sync.WaitGroup
	for _, target := range d.targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			d.deliver(target, t)
		}(target)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(target Target, t duty.Transition) {
	attempts := 0
	operation := func() error {
		attempts++
		err := target.Sink.Deliver(d.ctx, t)
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				telemetry.DeliveriesTotal.WithLabelValues(target.Sink.Name(), "retried").Inc()
			}
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by max retries, not wall clock

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(target.MaxRetries)), d.ctx))

	outcome := models.DeliveryDelivered
	errText := ""
	switch {
	case err == nil:
		d.logger.Debug().
			Str("sink", target.Sink.Name()).
			Str("provider", t.ProviderID).
			Str("person", t.To.Person.ID).
			Int("attempts", attempts).
			Msg("notification delivered")
	default:
		errText = err.Error()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			outcome = models.DeliveryRejected
		} else {
			outcome = models.DeliveryFailed
		}
		d.logger.Error().Err(err).
			Str("sink", target.Sink.Name()).
			Str("provider", t.ProviderID).
			Int("attempts", attempts).
			Msg("notification delivery failed")
	}
	telemetry.DeliveriesTotal.WithLabelValues(target.Sink.Name(), outcome).Inc()

	if d.db != nil {
		row := models.NewDeliveryLog(target.Sink.Name(), t.ProviderID, t.To.Person.ID, t.To.SourceRevision, outcome, attempts, errText)
		if dbErr := d.db.Create(row).Error; dbErr != nil {
			d.logger.Warn().Err(dbErr).Msg("failed to record delivery log")
		}
	}
}

// Drain stops accepting new work and lets in-flight deliveries (including
// their retries) finish within the timeout; whatever remains is abandoned.
func (d *Dispatcher) Drain(timeout time.Duration) {
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn().Msg("dispatcher drain timed out, abandoning in-flight deliveries")
		d.cancel()
		<-done
	}
}
