// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"io"
	"testing"
)

// MustClose closes c and fails the test if that fails.
func MustClose(t testing.TB, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
