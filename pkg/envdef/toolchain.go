// SPDX-License-Identifier: MPL-2.0

package envdef

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DistributionGo is the Go toolchain, published as the "golang" image.
	DistributionGo Distribution = "go"

	// FamilyAPK is the Alpine package manager family.
	FamilyAPK PackageFamily = "apk"
	// FamilyAPT is the Debian package manager family.
	FamilyAPT PackageFamily = "apt"
)

var (
	// ErrUnpinnedVersion is returned when a toolchain version floats (e.g. "latest").
	ErrUnpinnedVersion = errors.New("toolchain version is not pinned")
	// ErrUnknownDistribution is returned for a distribution with no known image repository.
	ErrUnknownDistribution = errors.New("unknown toolchain distribution")
	// ErrUnsupportedOSVariant is returned for an OS variant with no known package manager.
	ErrUnsupportedOSVariant = errors.New("unsupported OS variant")
	// ErrInvalidDigest is returned when a toolchain digest is not a sha256 digest.
	ErrInvalidDigest = errors.New("invalid image digest")
	// ErrInvalidRegistry is returned when a registry mirror is malformed.
	ErrInvalidRegistry = errors.New("invalid registry")
	// ErrInvalidToolchain is the sentinel error wrapped by InvalidToolchainError.
	ErrInvalidToolchain = errors.New("invalid toolchain")

	// pinnedVersionPattern accepts "1.21", "1.21.6", "1.22rc1"; it rejects bare
	// majors and wildcards because those resolve to different images over time.
	pinnedVersionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+(\.[0-9]+)?((rc|beta)[0-9]+)?$`)
	osVariantPattern     = regexp.MustCompile(`^[a-z][a-z0-9.]*$`)
	digestPattern        = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

	distributionRepositories = map[Distribution]string{
		DistributionGo: "golang",
	}

	debianCodenames = map[string]bool{
		"buster":   true,
		"bullseye": true,
		"bookworm": true,
		"trixie":   true,
	}
)

type (
	// Distribution names a compiler distribution (only "go" today).
	Distribution string

	// Version is a toolchain version; it must be pinned.
	Version string

	// OSVariant is the base operating system flavour of the toolchain image
	// ("alpine", "alpine3.19", "bookworm").
	OSVariant string

	// PackageFamily identifies the package manager of an OS variant.
	PackageFamily string

	// Toolchain is the Toolchain Specification: distribution, pinned version
	// and OS variant, optionally fixed further by a digest and fetched from a
	// registry mirror.
	Toolchain struct {
		Distribution Distribution `json:"distribution"`
		Version      Version      `json:"version"`
		OSVariant    OSVariant    `json:"os_variant"`
		Digest       string       `json:"digest,omitempty"`
		Registry     string       `json:"registry,omitempty"`
	}

	// UnpinnedVersionError is returned when a Version is floating or malformed.
	UnpinnedVersionError struct {
		Value Version
	}

	// UnknownDistributionError is returned when a Distribution has no image repository.
	UnknownDistributionError struct {
		Value Distribution
	}

	// UnsupportedOSVariantError is returned when an OSVariant maps to no package manager.
	UnsupportedOSVariantError struct {
		Value OSVariant
	}

	// InvalidToolchainError collects the field errors of a Toolchain.
	InvalidToolchainError struct {
		FieldErrors []error
	}
)

// Error implements the error interface.
func (e *UnpinnedVersionError) Error() string {
	return fmt.Sprintf("toolchain version %q is not pinned (use an exact release such as \"1.21\" or \"1.21.6\")", e.Value)
}

// Unwrap returns ErrUnpinnedVersion for errors.Is() compatibility.
func (e *UnpinnedVersionError) Unwrap() error { return ErrUnpinnedVersion }

// Error implements the error interface.
func (e *UnknownDistributionError) Error() string {
	return fmt.Sprintf("unknown toolchain distribution %q (supported: go)", e.Value)
}

// Unwrap returns ErrUnknownDistribution for errors.Is() compatibility.
func (e *UnknownDistributionError) Unwrap() error { return ErrUnknownDistribution }

// Error implements the error interface.
func (e *UnsupportedOSVariantError) Error() string {
	return fmt.Sprintf("unsupported OS variant %q (supported: alpine[X.Y], buster, bullseye, bookworm, trixie)", e.Value)
}

// Unwrap returns ErrUnsupportedOSVariant for errors.Is() compatibility.
func (e *UnsupportedOSVariantError) Unwrap() error { return ErrUnsupportedOSVariant }

// Error implements the error interface.
func (e *InvalidToolchainError) Error() string {
	return fmt.Sprintf("invalid toolchain: %s", errors.Join(e.FieldErrors...))
}

// Unwrap returns the field errors and ErrInvalidToolchain so errors.Is
// matches both the aggregate sentinel and each field sentinel.
func (e *InvalidToolchainError) Unwrap() []error {
	return append([]error{ErrInvalidToolchain}, e.FieldErrors...)
}

// Validate returns an error if the distribution has no image repository.
func (d Distribution) Validate() error {
	if _, ok := distributionRepositories[d]; !ok {
		return &UnknownDistributionError{Value: d}
	}
	return nil
}

// Repository returns the image repository publishing this distribution.
func (d Distribution) Repository() string {
	return distributionRepositories[d]
}

// Validate returns an UnpinnedVersionError for floating or malformed versions.
func (v Version) Validate() error {
	if !v.IsPinned() {
		return &UnpinnedVersionError{Value: v}
	}
	return nil
}

// IsPinned reports whether the version names one immutable release line.
func (v Version) IsPinned() bool {
	return pinnedVersionPattern.MatchString(string(v))
}

// String returns the version string.
func (v Version) String() string { return string(v) }

// Validate returns an error if the variant has no known package manager.
func (o OSVariant) Validate() error {
	if !osVariantPattern.MatchString(string(o)) || o.Family() == "" {
		return &UnsupportedOSVariantError{Value: o}
	}
	return nil
}

// Family returns the package manager family of the variant, or "" when unknown.
func (o OSVariant) Family() PackageFamily {
	s := string(o)
	switch {
	case s == "alpine" || strings.HasPrefix(s, "alpine3."):
		return FamilyAPK
	case debianCodenames[s]:
		return FamilyAPT
	default:
		return ""
	}
}

// String returns the variant string.
func (o OSVariant) String() string { return string(o) }

// Validate checks every field of the toolchain and aggregates the failures.
func (t Toolchain) Validate() error {
	var errs []error
	if err := t.Distribution.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := t.Version.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := t.OSVariant.Validate(); err != nil {
		errs = append(errs, err)
	}
	if t.Digest != "" && !digestPattern.MatchString(t.Digest) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidDigest, t.Digest))
	}
	if t.Registry != "" && (strings.Contains(t.Registry, "://") || strings.HasSuffix(t.Registry, "/")) {
		errs = append(errs, fmt.Errorf("%w: %q must be a host[/path] without scheme or trailing slash", ErrInvalidRegistry, t.Registry))
	}
	if len(errs) > 0 {
		return &InvalidToolchainError{FieldErrors: errs}
	}
	return nil
}

// Tag returns the image tag of the toolchain, e.g. "1.21-alpine".
func (t Toolchain) Tag() string {
	return string(t.Version) + "-" + string(t.OSVariant)
}

// ImageRef returns the fully qualified toolchain image reference, e.g.
// "golang:1.21-alpine" or "mirror.local/library/golang:1.21-alpine@sha256:…".
func (t Toolchain) ImageRef() string {
	ref := t.Distribution.Repository() + ":" + t.Tag()
	if t.Registry != "" {
		ref = t.Registry + "/" + ref
	}
	if t.Digest != "" {
		ref += "@" + t.Digest
	}
	return ref
}

// String returns "<distribution> <version> (<os variant>)".
func (t Toolchain) String() string {
	return fmt.Sprintf("%s %s (%s)", t.Distribution, t.Version, t.OSVariant)
}
