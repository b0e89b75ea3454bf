// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
)

const (
	// StatePending is the state of a Run before any step has executed.
	StatePending State = iota
	// StateToolchainSelected indicates the toolchain image is available as the base layer.
	StateToolchainSelected
	// StatePackagesInstalled indicates the package set is installed on top of the toolchain.
	StatePackagesInstalled
	// StateContextRootEstablished indicates the empty context root exists.
	StateContextRootEstablished
	// StateLabeled is terminal: the environment is labeled and consumable.
	StateLabeled
	// StateFailed is terminal: a step failed and intermediate layers were discarded.
	StateFailed
)

// ErrInvalidState is returned when a State value is not one of the defined pipeline states.
var ErrInvalidState = errors.New("invalid state")

type (
	// State represents the position of a Run in the provisioning pipeline.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateToolchainSelected:
		return "toolchain-selected"
	case StatePackagesInstalled:
		return "packages-installed"
	case StateContextRootEstablished:
		return "context-root-established"
	case StateLabeled:
		return "labeled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState returns the State whose String() is s.
func ParseState(s string) (State, error) {
	for st := StatePending; st <= StateFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Error implements the error interface for InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %d (valid: 0=pending, 1=toolchain-selected, 2=packages-installed, 3=context-root-established, 4=labeled, 5=failed)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil if the State is one of the defined pipeline states,
// or an error wrapping ErrInvalidState if it is not.
func (s State) Validate() error {
	switch s {
	case StatePending, StateToolchainSelected, StatePackagesInstalled, StateContextRootEstablished, StateLabeled, StateFailed:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// IsTerminal returns true if the state is a terminal state (Labeled or Failed).
func (s State) IsTerminal() bool {
	return s == StateLabeled || s == StateFailed
}

// Next returns the state that follows s on success. Terminal states have no
// successor and report false.
func (s State) Next() (State, bool) {
	if s.IsTerminal() || s.Validate() != nil {
		return s, false
	}
	return s + 1, true
}
