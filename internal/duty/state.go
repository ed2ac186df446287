/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package duty

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Person identifies an on-call engineer.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is the normalized duty state for a single provider lane.
type State struct {
	ProviderID     string     `json:"provider_id"`
	Person         Person     `json:"person"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	SourceRevision string     `json:"source_revision"`
	FetchedAt      time.Time  `json:"fetched_at"`
	Stale          bool       `json:"stale"`
}

// Snapshot is the merged view across all configured providers.
// A snapshot is immutable once published; readers hold either the old or the
// new one in full, never a mix.
type Snapshot struct {
	Providers  map[string]State `json:"providers"`
	ObservedAt time.Time        `json:"observed_at"`
}

// NewSnapshot builds an empty snapshot stamped at now.
func NewSnapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Providers:  make(map[string]State),
		ObservedAt: now,
	}
}

// Clone copies the snapshot so the reconciler can build the next one without
// mutating the published view.
func (s *Snapshot) Clone(now time.Time) *Snapshot {
	next := NewSnapshot(now)
	if s == nil {
		return next
	}
	if now.Before(s.ObservedAt) {
		// Wall clock went backwards; keep ObservedAt monotonic.
		next.ObservedAt = s.ObservedAt
	}
	for id, st := range s.Providers {
		next.Providers[id] = st
	}
	return next
}

// Get returns the state for a provider lane, if any.
func (s *Snapshot) Get(providerID string) (State, bool) {
	if s == nil {
		return State{}, false
	}
	st, ok := s.Providers[providerID]
	return st, ok
}

// Transition records a detected duty change for one provider lane.
// It is consumed exactly once by the dispatcher and then discarded.
type Transition struct {
	ProviderID string    `json:"provider_id"`
	From       *State    `json:"from,omitempty"`
	To         State     `json:"to"`
	ObservedAt time.Time `json:"observed_at"`
}

// Diff compares two consecutive snapshots and returns a transition per
// provider lane whose person or source revision changed. Stale flips alone do
// not count as a change: a provider going dark keeps its last known person.
func Diff(prev, next *Snapshot) []Transition {
	if next == nil {
		return nil
	}
	var transitions []Transition
	for id, st := range next.Providers {
		old, had := prev.Get(id)
		if had && old.Person == st.Person && old.SourceRevision == st.SourceRevision {
			continue
		}
		t := Transition{ProviderID: id, To: st, ObservedAt: next.ObservedAt}
		if had {
			from := old
			t.From = &from
		}
		transitions = append(transitions, t)
	}
	return transitions
}

// Revision derives a deterministic revision hash from a normalized person
// list, for providers that expose no revision of their own.
func Revision(persons ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(persons, "\n")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
