// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by buildenv tests: a fake clock for
// run timestamps, isolation of the user's config and state directories, and
// a limit on concurrent image builds in integration tests.
package testutil
