// SPDX-License-Identifier: MPL-2.0

// Package envdef defines the build environment definition: the pinned
// toolchain, the system package set, the build context root, and the stage
// label that downstream build stages reference.
//
// Definitions are written in CUE (buildenv.cue) and validated against the
// embedded #Definition schema before the Go-side rules (version pinning,
// package name syntax, absolute context root) are applied:
//
//	label:        "buildenv/go-builder"
//	toolchain:    {distribution: "go", version: "1.21", os_variant: "alpine"}
//	packages:     ["git", "make", "protoc", "protobuf-dev"]
//	context_root: "/app"
package envdef
