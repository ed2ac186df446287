package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/config"
)

func oncallConfig(url string) config.OnCall {
	return config.OnCall{
		Token:    "oncall-token",
		URL:      url,
		Schedule: "Primary Rotation",
		Timeout:  config.Duration{Duration: 2 * time.Second},
	}
}

func TestOnCallFetchResolvesScheduleByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "oncall-token" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		switch r.URL.Path {
		case "/api/v1/schedules":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"id": "SBM7DV7BKFUYU", "name": "Primary Rotation"},
					{"id": "OTHER", "name": "Secondary"},
				},
			})
		case "/api/v1/schedules/SBM7DV7BKFUYU/on_call":
			json.NewEncoder(w).Encode(map[string]any{
				"on_call": []map[string]any{
					{"user": map[string]any{"username": "bob"}},
					{"user": map[string]any{"username": "carol"}},
				},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewOnCallClient(oncallConfig(srv.URL), zerolog.Nop())
	state, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state.Person.ID != "bob" {
		t.Fatalf("unexpected primary: %q", state.Person.ID)
	}
	if state.SourceRevision == "" {
		t.Fatal("expected a revision derived from the user list")
	}
}

func TestOnCallFetchFallsBackToFilteredListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/schedules":
			json.NewEncoder(w).Encode([]map[string]any{{"id": "S1", "name": "Primary Rotation"}})
		case "/api/v1/schedules/S1/on_call":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/on_call/":
			if r.URL.Query().Get("schedule") != "S1" {
				t.Errorf("missing schedule filter: %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"users": []map[string]any{{"username": "dave"}},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewOnCallClient(oncallConfig(srv.URL), zerolog.Nop())
	state, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state.Person.ID != "dave" {
		t.Fatalf("unexpected person: %q", state.Person.ID)
	}
}

func TestOnCallFetchFailsForUnknownSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"id": "S1", "name": "Another"}})
	}))
	defer srv.Close()

	client := NewOnCallClient(oncallConfig(srv.URL), zerolog.Nop())
	if _, err := client.Fetch(context.Background()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOnCallFetchCachesScheduleID(t *testing.T) {
	var listCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/schedules":
			listCalls++
			json.NewEncoder(w).Encode([]map[string]any{{"id": "S1", "name": "Primary Rotation"}})
		case "/api/v1/schedules/S1/on_call":
			json.NewEncoder(w).Encode([]map[string]any{{"username": "erin"}})
		}
	}))
	defer srv.Close()

	client := NewOnCallClient(oncallConfig(srv.URL), zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := client.Fetch(context.Background()); err != nil {
			t.Fatalf("fetch #%d: %v", i, err)
		}
	}
	if listCalls != 1 {
		t.Fatalf("schedule id should be resolved once, got %d list calls", listCalls)
	}
}

func TestExtractUsernamesDeduplicates(t *testing.T) {
	names := extractUsernames([]map[string]any{
		{"username": "alice"},
		{"user": map[string]any{"username": "alice"}},
		{"email": "bob@example.com"},
	})
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob@example.com" {
		t.Fatalf("unexpected names: %v", names)
	}
}
