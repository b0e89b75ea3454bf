// SPDX-License-Identifier: MPL-2.0

// Package types holds small value types shared by the CLI and the provisioner.
package types

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// ExitSuccess means the command completed.
	ExitSuccess ExitCode = 0
	// ExitFailure is the generic failure code.
	ExitFailure ExitCode = 1
	// ExitInvalidDefinition means the environment definition was rejected
	// before any provisioning side effect.
	ExitInvalidDefinition ExitCode = 2
	// ExitToolchainUnavailable means the toolchain image could not be fetched.
	ExitToolchainUnavailable ExitCode = 3
	// ExitPackageInstallFailed means a system package could not be installed.
	ExitPackageInstallFailed ExitCode = 4
	// ExitContextRootConflict means the build context root was occupied.
	ExitContextRootConflict ExitCode = 5
	// ExitVerifyMismatch means a re-provisioned artifact diverged from its lock.
	ExitVerifyMismatch ExitCode = 6
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode represents a process exit status code in the range 0-255.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside 0-255.
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range (0-255).
func (c ExitCode) Validate() error {
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess returns true if the exit code indicates success.
func (c ExitCode) IsSuccess() bool { return c == ExitSuccess }

// IsTransient reports whether a container engine exit code usually means
// an engine-side hiccup (125, 126) rather than a failure of the command itself.
func (c ExitCode) IsTransient() bool { return c == 125 || c == 126 }

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
