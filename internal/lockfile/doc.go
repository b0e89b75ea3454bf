// SPDX-License-Identifier: MPL-2.0

// Package lockfile records labeled build environments in a TOML lock
// manifest (buildenv.lock.toml) kept next to the definition. The manifest
// pins what a label resolved to: the toolchain reference, the exact package
// set, the context root and the image ID. Comparing a manifest with a fresh
// run or with the current definition detects drift.
package lockfile
