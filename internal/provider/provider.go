/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package provider contains the clients for the external on-call APIs and the
// normalization of their responses into duty state.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lemanapro/dutyscdp-bot/internal/duty"
)

// Typed provider errors. A failing provider degrades only its own lane; the
// reconciler keeps the last known-good state with a staleness flag.
var (
	ErrAuth        = errors.New("provider: authentication rejected")
	ErrTimeout     = errors.New("provider: request timed out")
	ErrMalformed   = errors.New("provider: malformed response")
	ErrUnavailable = errors.New("provider: unavailable")
)

// Provider fetches the current duty state from one external on-call API.
type Provider interface {
	ID() string
	Fetch(ctx context.Context) (duty.State, error)
}

// classifyStatus maps an HTTP status code onto the provider error taxonomy.
func classifyStatus(status int, url string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrAuth, url, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned 404", ErrMalformed, url)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, url, status)
	default:
		return fmt.Errorf("%w: %s returned unexpected %d", ErrMalformed, url, status)
	}
}

// classifyTransport maps a transport-level error onto the taxonomy.
func classifyTransport(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, url, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
}

// getJSON performs a GET and decodes the body into out.
func getJSON(ctx context.Context, client *http.Client, url string, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformed, url, err)
	}
	return nil
}
