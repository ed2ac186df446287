package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
)

// scriptedProvider returns queued results in order, repeating the last one.
type scriptedProvider struct {
	id string

	mu      sync.Mutex
	states  []duty.State
	errs    []error
	fetches int
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) Fetch(ctx context.Context) (duty.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.fetches
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	p.fetches++
	if err := p.errs[i]; err != nil {
		return duty.State{}, err
	}
	return p.states[i], nil
}

func (p *scriptedProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []duty.Transition
}

func (n *recordingNotifier) Notify(t duty.Transition) {
	n.mu.Lock()
	n.transitions = append(n.transitions, t)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []duty.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]duty.Transition(nil), n.transitions...)
}

func state(providerID, person, revision string) duty.State {
	return duty.State{
		ProviderID:     providerID,
		Person:         duty.Person{ID: person, Name: person},
		SourceRevision: revision,
		FetchedAt:      time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestReconciler(notifier Notifier, lanes ...Lane) *Reconciler {
	return New(lanes, notifier, events.NewBus(), nil, zerolog.Nop())
}

func TestFirstSuccessfulCycleMarksReady(t *testing.T) {
	p := &scriptedProvider{
		id:     "loop",
		states: []duty.State{state("loop", "alice", "r1")},
		errs:   []error{nil},
	}
	r := newTestReconciler(nil, Lane{Provider: p, Interval: time.Hour, Timeout: time.Second})

	if r.Ready() {
		t.Fatal("reconciler must not be ready before the first cycle")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, r.Ready, "reconciler never became ready")

	st, ok := r.Snapshot().Get("loop")
	if !ok || st.Person.ID != "alice" || st.Stale {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestFailedPollRetainsLastGoodStateAsStale(t *testing.T) {
	p := &scriptedProvider{
		id: "loop",
		states: []duty.State{
			state("loop", "bob", "r1"),
			{},
		},
		errs: []error{nil, errors.New("boom")},
	}
	r := newTestReconciler(nil, Lane{Provider: p, Interval: 10 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, func() bool {
		st, ok := r.Snapshot().Get("loop")
		return ok && st.Stale
	}, "lane never went stale")

	st, _ := r.Snapshot().Get("loop")
	if st.Person.ID != "bob" {
		t.Fatalf("stale lane must retain the last good person, got %q", st.Person.ID)
	}
	if !r.Ready() {
		t.Fatal("a degraded lane must not reset readiness")
	}
}

func TestTransitionsAreNotifiedOncePerChange(t *testing.T) {
	p := &scriptedProvider{
		id: "loop",
		states: []duty.State{
			state("loop", "alice", "r1"),
			state("loop", "alice", "r1"),
			state("loop", "bob", "r2"),
			state("loop", "bob", "r2"),
		},
		errs: []error{nil, nil, nil, nil},
	}
	n := &recordingNotifier{}
	r := newTestReconciler(n, Lane{Provider: p, Interval: 10 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, func() bool { return p.fetchCount() >= 4 }, "provider not polled often enough")
	cancel()
	r.Wait()

	transitions := n.all()
	if len(transitions) != 2 {
		t.Fatalf("expected exactly 2 transitions (alice, bob), got %d: %+v", len(transitions), transitions)
	}
	if transitions[0].To.Person.ID != "alice" || transitions[1].To.Person.ID != "bob" {
		t.Fatalf("unexpected transition order: %+v", transitions)
	}
}

func TestRefreshTriggersOutOfBandPoll(t *testing.T) {
	p := &scriptedProvider{
		id:     "loop",
		states: []duty.State{state("loop", "alice", "r1")},
		errs:   []error{nil},
	}
	r := newTestReconciler(nil, Lane{Provider: p, Interval: time.Hour, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, func() bool { return p.fetchCount() >= 1 }, "initial poll missing")

	if !r.Refresh("loop") {
		t.Fatal("refresh for a known provider must be accepted")
	}
	waitFor(t, func() bool { return p.fetchCount() >= 2 }, "refresh did not trigger a poll")

	if r.Refresh("unknown") {
		t.Fatal("refresh for an unknown provider must be rejected")
	}
}

func TestObservedAtIsMonotonic(t *testing.T) {
	p := &scriptedProvider{
		id:     "loop",
		states: []duty.State{state("loop", "alice", "r1")},
		errs:   []error{nil},
	}
	r := newTestReconciler(nil, Lane{Provider: p, Interval: 5 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	var last time.Time
	for i := 0; i < 20; i++ {
		snap := r.Snapshot()
		if snap.ObservedAt.Before(last) {
			t.Fatalf("observed_at went backwards: %v < %v", snap.ObservedAt, last)
		}
		last = snap.ObservedAt
		time.Sleep(5 * time.Millisecond)
	}
}

type fixedGate struct{ leader bool }

func (g fixedGate) IsLeader() bool { return g.leader }

func TestFollowerDoesNotPoll(t *testing.T) {
	p := &scriptedProvider{
		id:     "loop",
		states: []duty.State{state("loop", "alice", "r1")},
		errs:   []error{nil},
	}
	r := New([]Lane{{Provider: p, Interval: 10 * time.Millisecond, Timeout: time.Second}}, nil, events.NewBus(), fixedGate{leader: false}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	if p.fetchCount() != 0 {
		t.Fatalf("follower must not poll, got %d fetches", p.fetchCount())
	}
}

// switchGate flips leadership at runtime, like a real election.
type switchGate struct {
	mu     sync.Mutex
	leader bool
}

func (g *switchGate) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

func (g *switchGate) promote() {
	g.mu.Lock()
	g.leader = true
	g.mu.Unlock()
}

func TestLeadershipGainRefreshesAllLanes(t *testing.T) {
	p := &scriptedProvider{
		id:     "loop",
		states: []duty.State{state("loop", "alice", "r1")},
		errs:   []error{nil},
	}
	gate := &switchGate{}
	// Long interval: without the leadership signal the lane would stay
	// empty until the first tick.
	r := New([]Lane{{Provider: p, Interval: time.Hour, Timeout: time.Second}}, nil, events.NewBus(), gate, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	leaderCh := make(chan bool, 1)
	r.FollowLeadership(ctx, leaderCh)

	time.Sleep(30 * time.Millisecond)
	if r.Ready() {
		t.Fatal("follower must not have published a snapshot")
	}

	gate.promote()
	leaderCh <- true

	waitFor(t, func() bool { return r.Ready() }, "leadership gain did not trigger an immediate poll")
	if _, ok := r.Snapshot().Get("loop"); !ok {
		t.Fatal("loop lane missing after promotion")
	}
}
