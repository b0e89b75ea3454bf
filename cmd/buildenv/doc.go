// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for buildenv.
//
// This package implements the Cobra command hierarchy: writing and checking
// environment definitions, provisioning and extending labeled environments,
// verifying them against their lock manifest, and inspecting the run ledger
// and configuration.
package cmd
