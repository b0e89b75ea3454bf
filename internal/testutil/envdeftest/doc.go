// SPDX-License-Identifier: MPL-2.0

// Package envdeftest builds environment definitions for tests.
package envdeftest
