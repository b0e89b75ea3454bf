// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

var (
	transientMarkers = []string{
		// Rootless Podman race conditions and OCI runtime errors.
		"ping_group_range",
		"OCI runtime error",
		// Network errors during image pull or package installation inside builds.
		"Temporary failure resolving",
		"Could not resolve host",
		"connection timed out",
		"connection refused",
		"connection reset by peer",
		"i/o timeout",
		"TLS handshake timeout",
		"502 Bad Gateway",
		"503 Service Unavailable",
		"toomanyrequests",
		// Storage driver errors (overlay mount races on rootless Podman).
		"error creating overlay mount",
		"error mounting layer",
	}

	notFoundMarkers = []string{
		"manifest unknown",
		"not found: manifest",
		"manifest for",
		"name unknown",
		"pull access denied",
		"repository does not exist",
		"no such image",
		"reference does not exist",
	}
)

// IsTransientError reports whether err is a transient container engine error
// that may succeed on retry: network timeouts, registry throttling, rootless
// Podman races and storage driver glitches, plus generic engine errors (exit
// code 125).
//
// Context cancellation and deadline errors are never transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// An image that does not exist will not appear on retry.
	if IsImageNotFound(err) {
		return false
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}

	return containsAny(errorText(err), transientMarkers)
}

// IsImageNotFound reports whether err says the registry has no such image,
// tag or digest.
func IsImageNotFound(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(errorText(err)), notFoundMarkers)
}

// errorText returns the error message plus any captured pull output.
func errorText(err error) string {
	text := err.Error()
	var pullErr *PullError
	if errors.As(err, &pullErr) {
		text += "\n" + pullErr.Output
	}
	return text
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
