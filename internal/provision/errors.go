// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/buildenv/buildenv/pkg/envdef"
)

var (
	// ErrToolchainUnavailable is returned when the requested toolchain image cannot be fetched.
	ErrToolchainUnavailable = errors.New("toolchain unavailable")
	// ErrPackageInstallFailed is returned when a package of the set cannot be installed.
	ErrPackageInstallFailed = errors.New("package install failed")
	// ErrContextRootConflict is returned when the context root path holds unexpected content.
	ErrContextRootConflict = errors.New("context root conflict")
	// ErrOutOfOrder is returned when a step is invoked in the wrong state.
	ErrOutOfOrder = errors.New("provisioning step out of order")
	// ErrNotLabeled is returned when an artifact is requested from a Run that is not labeled.
	ErrNotLabeled = errors.New("environment is not labeled")
	// ErrUnsupportedPackageFamily is returned for an OS variant without a package manager implementation.
	ErrUnsupportedPackageFamily = errors.New("unsupported package manager family")
)

type (
	// ToolchainUnavailableError reports a toolchain image that could not be fetched.
	ToolchainUnavailableError struct {
		Image   string
		Version envdef.Version
		Err     error
	}

	// PackageInstallFailedError names the first package of the set that failed
	// to install. Output holds the package manager output.
	PackageInstallFailedError struct {
		Package envdef.Package
		Output  string
		Err     error
	}

	// ContextRootConflictError reports a context root path occupied by
	// unexpected content. Entries lists the directory content found, or is
	// empty when the path is occupied by a non-directory.
	ContextRootConflictError struct {
		Path    envdef.ContextRoot
		IsDir   bool
		Entries []string
	}

	// OutOfOrderError reports a step invoked in a state other than the one it requires.
	OutOfOrderError struct {
		Operation string
		Current   State
		Required  State
	}

	// ProvisionError wraps the failure of a provisioning run together with the
	// last state the run reached before failing.
	ProvisionError struct {
		Label     envdef.StageLabel
		LastState State
		Err       error
	}
)

// Error implements the error interface.
func (e *ToolchainUnavailableError) Error() string {
	msg := fmt.Sprintf("toolchain %s (version %s) is unavailable", e.Image, e.Version)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrToolchainUnavailable and the underlying fetch error.
func (e *ToolchainUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolchainUnavailable}
	}
	return []error{ErrToolchainUnavailable, e.Err}
}

// Error implements the error interface.
func (e *PackageInstallFailedError) Error() string {
	return fmt.Sprintf("failed to install package %q", e.Package)
}

// Unwrap returns ErrPackageInstallFailed and the underlying build error.
func (e *PackageInstallFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPackageInstallFailed}
	}
	return []error{ErrPackageInstallFailed, e.Err}
}

// Error implements the error interface.
func (e *ContextRootConflictError) Error() string {
	if !e.IsDir {
		return fmt.Sprintf("context root %s is occupied by a non-directory", e.Path)
	}
	shown := e.Entries
	if len(shown) > 5 {
		shown = append(shown[:5:5], fmt.Sprintf("… %d more", len(e.Entries)-5))
	}
	return fmt.Sprintf("context root %s is not empty: %s", e.Path, strings.Join(shown, ", "))
}

// Unwrap returns ErrContextRootConflict for errors.Is() compatibility.
func (e *ContextRootConflictError) Unwrap() error { return ErrContextRootConflict }

// Error implements the error interface.
func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s requires state %s, run is %s", e.Operation, e.Required, e.Current)
}

// Unwrap returns ErrOutOfOrder for errors.Is() compatibility.
func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrder }

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s failed after reaching %s: %v", e.Label, e.LastState, e.Err)
}

// Unwrap returns the cause.
func (e *ProvisionError) Unwrap() error { return e.Err }
