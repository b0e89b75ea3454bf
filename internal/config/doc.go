// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/buildenv/config.cue (or XDG equivalent on Linux,
// ~/Library/Application Support/buildenv/config.cue on macOS, %APPDATA%\buildenv\config.cue
// on Windows), or from the file given with --config. Values are layered as built-in
// defaults, then the file, then BUILDENV_* environment variables
// (BUILDENV_PROVISION_PULL_ATTEMPTS=5).
//
// The file is validated against an embedded CUE schema (config_schema.cue); the decoded
// Config is validated again in Go so environment overrides get the same checks.
package config
