/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

import "fmt"

// Version is the current version of dutyscdp-bot.
// This is set at build time via ldflags:
//
//	-X github.com/lemanapro/dutyscdp-bot/internal/version.Version=X.Y.Z
var Version = "1.0.0"

// Commit is the git commit the binary was built from, set via ldflags.
var Commit = "unknown"

// String returns the full version string for logs and the version command.
func String() string {
	return fmt.Sprintf("dutyscdp-bot %s (%s)", Version, Commit)
}
