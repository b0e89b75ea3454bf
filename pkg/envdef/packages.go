// SPDX-License-Identifier: MPL-2.0

package envdef

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidPackage is returned when a package entry is not a valid package name.
	ErrInvalidPackage = errors.New("invalid package")
	// ErrEmptyPackageSet is returned when a package set has no entries.
	ErrEmptyPackageSet = errors.New("package set is empty")
	// ErrConflictingPackagePins is returned when one package is pinned to two versions.
	ErrConflictingPackagePins = errors.New("conflicting package pins")

	// packagePattern accepts apk and apt package names with an optional
	// "=version" pin ("git", "protobuf-dev", "git=2.43.0-r0").
	packagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+._-]*(=[A-Za-z0-9.+:~_-]+)?$`)
)

type (
	// Package is one system package name, optionally pinned as "name=version".
	Package string

	// PackageSet is the ordered set of system packages installed into the
	// environment. Order is preserved; duplicates are dropped by Normalize.
	PackageSet []Package

	// InvalidPackageError is returned when a Package is malformed.
	InvalidPackageError struct {
		Value Package
	}
)

// Error implements the error interface.
func (e *InvalidPackageError) Error() string {
	return fmt.Sprintf("invalid package %q: must match %s", e.Value, packagePattern)
}

// Unwrap returns ErrInvalidPackage for errors.Is() compatibility.
func (e *InvalidPackageError) Unwrap() error { return ErrInvalidPackage }

// Validate returns an error if the package name is malformed.
func (p Package) Validate() error {
	if !packagePattern.MatchString(string(p)) {
		return &InvalidPackageError{Value: p}
	}
	return nil
}

// Name returns the package name without its version pin.
func (p Package) Name() string {
	name, _, _ := strings.Cut(string(p), "=")
	return name
}

// Pin returns the version pin, or "" when the package is unpinned.
func (p Package) Pin() string {
	_, pin, _ := strings.Cut(string(p), "=")
	return pin
}

// String returns the package as written.
func (p Package) String() string { return string(p) }

// Normalize trims whitespace and drops repeated entries, keeping the first
// occurrence so the install order stays the author's order.
func (s PackageSet) Normalize() PackageSet {
	seen := make(map[Package]bool, len(s))
	out := make(PackageSet, 0, len(s))
	for _, p := range s {
		p = Package(strings.TrimSpace(string(p)))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Validate checks every package and rejects empty sets and packages pinned
// to more than one version.
func (s PackageSet) Validate() error {
	if len(s) == 0 {
		return ErrEmptyPackageSet
	}
	var errs []error
	pins := make(map[string]Package, len(s))
	for _, p := range s {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, ok := pins[p.Name()]; ok && prev != p {
			errs = append(errs, fmt.Errorf("%w: %q and %q", ErrConflictingPackagePins, prev, p))
			continue
		}
		pins[p.Name()] = p
	}
	return errors.Join(errs...)
}

// Names returns the packages as plain strings.
func (s PackageSet) Names() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}

// Contains reports whether the set holds a package with the given name,
// ignoring version pins.
func (s PackageSet) Contains(name string) bool {
	for _, p := range s {
		if p.Name() == name {
			return true
		}
	}
	return false
}

// Equal reports whether both sets hold the same packages in the same order.
func (s PackageSet) Equal(other PackageSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
