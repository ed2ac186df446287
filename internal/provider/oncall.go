/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/config"
	"github.com/lemanapro/dutyscdp-bot/internal/duty"
)

// OnCallClient talks to the Grafana OnCall public API.
type OnCallClient struct {
	baseURL  string
	token    string
	schedule string
	client   *http.Client
	logger   zerolog.Logger

	// schedule name -> id, resolved once per process.
	scheduleID string
}

// NewOnCallClient builds the Grafana OnCall client from configuration.
func NewOnCallClient(cfg config.OnCall, logger zerolog.Logger) *OnCallClient {
	return &OnCallClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		schedule: cfg.Schedule,
		client:   &http.Client{Timeout: cfg.Timeout.Duration},
		logger:   logger.With().Str("component", "oncall_client").Logger(),
	}
}

// ID implements Provider.
func (c *OnCallClient) ID() string { return config.ProviderOnCall }

// Fetch resolves the schedule and returns who is currently on call.
func (c *OnCallClient) Fetch(ctx context.Context) (duty.State, error) {
	scheduleID, err := c.resolveScheduleID(ctx)
	if err != nil {
		return duty.State{}, err
	}

	users, err := c.fetchOnCallUsers(ctx, scheduleID)
	if err != nil {
		return duty.State{}, err
	}

	names := extractUsernames(users)
	if len(names) == 0 {
		return duty.State{}, fmt.Errorf("%w: schedule %s has nobody on call", ErrMalformed, c.schedule)
	}

	// First entry is the primary; the rest only contribute to the revision so
	// backup rotation changes are still detected.
	return duty.State{
		ProviderID:     config.ProviderOnCall,
		Person:         duty.Person{ID: names[0], Name: names[0]},
		SourceRevision: duty.Revision(names...),
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// resolveScheduleID maps the configured schedule name to its API id. Grafana
// OnCall has no get-by-name endpoint, so the list is scanned.
func (c *OnCallClient) resolveScheduleID(ctx context.Context) (string, error) {
	if c.scheduleID != "" {
		return c.scheduleID, nil
	}

	var payload json.RawMessage
	if err := getJSON(ctx, c.client, c.baseURL+"/api/v1/schedules", c.headers(), &payload); err != nil {
		return "", err
	}

	normalized := strings.ToLower(strings.TrimSpace(c.schedule))
	for _, item := range extractItems(payload) {
		name := firstString(item, "name", "title", "display_name")
		if strings.ToLower(strings.TrimSpace(name)) != normalized {
			continue
		}
		if id := firstString(item, "id", "pk", "uid"); id != "" {
			c.scheduleID = id
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: schedule %q not found", ErrMalformed, c.schedule)
}

// fetchOnCallUsers tries the per-schedule endpoint first and falls back to the
// filtered listing that older OnCall versions expose.
func (c *OnCallClient) fetchOnCallUsers(ctx context.Context, scheduleID string) ([]map[string]any, error) {
	var payload json.RawMessage
	err := getJSON(ctx, c.client, fmt.Sprintf("%s/api/v1/schedules/%s/on_call", c.baseURL, url.PathEscape(scheduleID)), c.headers(), &payload)
	if err == nil {
		if items := extractItems(payload); len(items) > 0 {
			return items, nil
		}
	} else if !errors.Is(err, ErrMalformed) {
		return nil, err
	}

	query := url.Values{"schedule": {scheduleID}}
	if err := getJSON(ctx, c.client, c.baseURL+"/api/v1/on_call/?"+query.Encode(), c.headers(), &payload); err != nil {
		return nil, err
	}
	return extractItems(payload), nil
}

func (c *OnCallClient) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.token)
	return h
}

// extractItems tolerates the list shapes OnCall has used across versions:
// a bare array, or an object keyed results/data/on_call/oncall/users.
func extractItems(payload json.RawMessage) []map[string]any {
	var list []map[string]any
	if err := json.Unmarshal(payload, &list); err == nil {
		return list
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return nil
	}
	for _, key := range []string{"results", "data", "on_call", "oncall", "users"} {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
	}
	return nil
}

// extractUsernames pulls a deduplicated username list out of on-call entries,
// which may nest the user under a "user" key.
func extractUsernames(items []map[string]any) []string {
	var names []string
	seen := make(map[string]bool)
	for _, item := range items {
		if nested, ok := item["user"].(map[string]any); ok {
			item = nested
		}
		name := firstString(item, "username", "user_name", "login", "name", "email")
		if name != "" && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	return names
}

func firstString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case float64:
				return fmt.Sprintf("%.0f", s)
			}
		}
	}
	return ""
}
