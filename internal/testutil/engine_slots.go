// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"strconv"
	"sync"
	"testing"
)

// engineSlotsEnv overrides how many integration tests may build images at once.
const engineSlotsEnv = "BUILDENV_TEST_ENGINE_SLOTS"

// engineSlots bounds concurrent image builds across the test binary. A
// toolchain pull plus package installation is heavy, so one build at a time
// is the default.
var engineSlots = sync.OnceValue(func() chan struct{} {
	return make(chan struct{}, slotCount(os.Getenv(engineSlotsEnv)))
})

func slotCount(v string) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return 1
}

// AcquireEngineSlot blocks until the test may use the container engine and
// releases the slot when the test ends.
func AcquireEngineSlot(t testing.TB) {
	t.Helper()
	slots := engineSlots()
	slots <- struct{}{}
	t.Cleanup(func() { <-slots })
}
