/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/config"
	"github.com/lemanapro/dutyscdp-bot/internal/duty"
)

// LoopClient talks to the Loop (Mattermost-compatible) API. It serves two
// roles: duty-state provider for the mandatory loop lane, and message poster
// for the loop notification sink and reminder sessions.
type LoopClient struct {
	baseURL  string
	token    string
	team     string
	schedule string
	client   *http.Client
	logger   zerolog.Logger
}

// NewLoopClient builds the Loop client from configuration.
func NewLoopClient(cfg config.Loop, logger zerolog.Logger) *LoopClient {
	return &LoopClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		team:     cfg.Team,
		schedule: cfg.Schedule,
		client:   &http.Client{Timeout: cfg.Timeout.Duration},
		logger:   logger.With().Str("component", "loop_client").Logger(),
	}
}

// ID implements Provider.
func (c *LoopClient) ID() string { return config.ProviderLoop }

// loopOnCall is the wire shape of the Loop schedule on-call endpoint.
type loopOnCall struct {
	User struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		LdapID    string `json:"ldap_id"`
		AuthData  string `json:"auth_data"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"user"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
	Revision string     `json:"revision"`
}

// Fetch returns the current duty state for the configured Loop schedule.
func (c *LoopClient) Fetch(ctx context.Context) (duty.State, error) {
	u := fmt.Sprintf("%s/api/v4/schedules/%s/oncall", c.baseURL, url.PathEscape(c.schedule))

	var payload loopOnCall
	if err := getJSON(ctx, c.client, u, c.headers(), &payload); err != nil {
		return duty.State{}, err
	}

	person := duty.Person{ID: ldapOf(payload.User.LdapID, payload.User.AuthData, payload.User.Username), Name: displayName(payload.User.FirstName, payload.User.LastName, payload.User.Username)}
	if person.ID == "" {
		return duty.State{}, fmt.Errorf("%w: schedule %s returned no on-call user", ErrMalformed, c.schedule)
	}

	revision := payload.Revision
	if revision == "" {
		revision = duty.Revision(person.ID)
	}

	return duty.State{
		ProviderID:     config.ProviderLoop,
		Person:         person,
		ValidFrom:      payload.StartsAt,
		ValidUntil:     payload.EndsAt,
		SourceRevision: revision,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// PostMessage sends a chat message to a channel, threading under rootID when
// given. Returns the created post id and its thread root.
func (c *LoopClient) PostMessage(ctx context.Context, channelID, message, rootID string) (postID, threadID string, err error) {
	payload := map[string]string{"channel_id": channelID, "message": message}
	if rootID != "" {
		payload["root_id"] = rootID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal post: %w", err)
	}

	u := c.baseURL + "/api/v4/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.headers() {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", classifyTransport(err, u)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(b)).Msg("loop post rejected")
		return "", "", classifyStatus(resp.StatusCode, u)
	}

	var post struct {
		ID     string `json:"id"`
		RootID string `json:"root_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return "", "", fmt.Errorf("%w: decode %s: %v", ErrMalformed, u, err)
	}

	threadID = post.RootID
	if threadID == "" {
		threadID = post.ID
	}
	return post.ID, threadID, nil
}

// LookupUser resolves a Loop username to its profile.
func (c *LoopClient) LookupUser(ctx context.Context, username string) (duty.Person, error) {
	u := fmt.Sprintf("%s/api/v4/users/username/%s", c.baseURL, url.PathEscape(username))

	var user struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		LdapID    string `json:"ldap_id"`
		AuthData  string `json:"auth_data"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := getJSON(ctx, c.client, u, c.headers(), &user); err != nil {
		return duty.Person{}, err
	}
	return duty.Person{
		ID:   ldapOf(user.LdapID, user.AuthData, user.Username),
		Name: displayName(user.FirstName, user.LastName, user.Username),
	}, nil
}

func (c *LoopClient) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	h.Set("X-Loop-Team", c.team)
	return h
}

// ldapOf picks the first non-empty identity attribute, the way Loop profiles
// expose LDAP accounts inconsistently across auth backends.
func ldapOf(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

func displayName(first, last, fallback string) string {
	name := strings.TrimSpace(first + " " + last)
	if name == "" {
		return fallback
	}
	return name
}
