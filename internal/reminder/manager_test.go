package reminder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []string // messages in order
	roots []string
}

func (p *fakePoster) PostMessage(ctx context.Context, channelID, message, rootID string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, message)
	p.roots = append(p.roots, rootID)
	if rootID == "" {
		return "post-1", "post-1", nil
	}
	return "post-n", rootID, nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

func newManager(poster Poster, bus *events.Bus, interval time.Duration) *Manager {
	return NewManager(poster, Config{
		ChannelID:  "chan-1",
		Interval:   interval,
		AckKeyword: "@take",
	}, bus, zerolog.Nop())
}

func loopTransition(person string) duty.Transition {
	return duty.Transition{
		ProviderID: "loop",
		To: duty.State{
			ProviderID:     "loop",
			Person:         duty.Person{ID: person, Name: person},
			SourceRevision: "r1",
		},
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

func TestDeliverPostsInitialMessageAndOpensSession(t *testing.T) {
	poster := &fakePoster{}
	bus := events.NewBus()
	m := newManager(poster, bus, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	if err := m.Deliver(context.Background(), loopTransition("alice")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if poster.count() != 1 {
		t.Fatalf("expected 1 initial post, got %d", poster.count())
	}
	if !strings.Contains(poster.posts[0], "@alice") {
		t.Fatalf("initial message must mention the duty person: %q", poster.posts[0])
	}
	if m.Acknowledged("loop") {
		t.Fatal("session must be open until acknowledged")
	}
}

func TestRemindersRepeatUntilAcknowledged(t *testing.T) {
	poster := &fakePoster{}
	bus := events.NewBus()
	m := newManager(poster, bus, 15*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	if err := m.Deliver(context.Background(), loopTransition("alice")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	waitFor(t, func() bool { return poster.count() >= 3 }, "reminders were not reposted")

	bus.Publish(events.EventInboundMessage, events.Payload{
		"provider_id": "loop",
		"text":        "@take понял",
		"root_id":     "post-1",
		"ldap":        "alice",
	})

	waitFor(t, func() bool { return m.Acknowledged("loop") }, "acknowledgment did not close the session")

	// No further reminders after the ack.
	settled := poster.count()
	time.Sleep(60 * time.Millisecond)
	if poster.count() != settled {
		t.Fatalf("reminders continued after acknowledgment: %d -> %d", settled, poster.count())
	}
}

func TestAckMatchesOnUsernameWhenLdapAbsent(t *testing.T) {
	poster := &fakePoster{}
	bus := events.NewBus()
	m := newManager(poster, bus, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	if err := m.Deliver(context.Background(), loopTransition("alice")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	bus.Publish(events.EventInboundMessage, events.Payload{
		"provider_id": "loop",
		"text":        "@take",
		"user":        "alice",
	})

	waitFor(t, func() bool { return m.Acknowledged("loop") }, "username fallback did not close the session")
}

func TestAckFromWrongPersonIsIgnored(t *testing.T) {
	poster := &fakePoster{}
	bus := events.NewBus()
	m := newManager(poster, bus, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	if err := m.Deliver(context.Background(), loopTransition("alice")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	bus.Publish(events.EventInboundMessage, events.Payload{
		"provider_id": "loop",
		"text":        "@take",
		"ldap":        "mallory",
	})

	time.Sleep(50 * time.Millisecond)
	if m.Acknowledged("loop") {
		t.Fatal("ack from a different user must not close the session")
	}
}

func TestNewTransitionReplacesRunningSession(t *testing.T) {
	poster := &fakePoster{}
	bus := events.NewBus()
	m := newManager(poster, bus, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	if err := m.Deliver(context.Background(), loopTransition("alice")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := m.Deliver(context.Background(), loopTransition("bob")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// Acknowledgment from the replaced person does nothing; the new person's
	// ack closes the lane.
	bus.Publish(events.EventInboundMessage, events.Payload{
		"provider_id": "loop",
		"text":        "@take",
		"ldap":        "alice",
	})
	time.Sleep(30 * time.Millisecond)
	if m.Acknowledged("loop") {
		t.Fatal("replaced person's ack must not close the new session")
	}

	bus.Publish(events.EventInboundMessage, events.Payload{
		"provider_id": "loop",
		"text":        "@take",
		"ldap":        "bob",
	})
	waitFor(t, func() bool { return m.Acknowledged("loop") }, "new person's ack did not close the session")
}
