// SPDX-License-Identifier: MPL-2.0

// Package ledger keeps a local SQLite history of provisioning runs: which
// label was built from which definition, every state the run passed through,
// and how it ended. A Store implements provision.Recorder.
package ledger
