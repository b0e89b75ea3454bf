// SPDX-License-Identifier: MPL-2.0

package envdef

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
)

// DefaultContextRoot is the context root used when a definition omits one.
const DefaultContextRoot ContextRoot = "/app"

var (
	// ErrInvalidContextRoot is returned when a context root is not an absolute, clean, non-root path.
	ErrInvalidContextRoot = errors.New("invalid context root")
	// ErrInvalidStageLabel is returned when a label is not a usable image reference.
	ErrInvalidStageLabel = errors.New("invalid stage label")
	// ErrInvalidExtension is returned when an extension is malformed.
	ErrInvalidExtension = errors.New("invalid extension")
	// ErrInvalidDefinition is the sentinel error wrapped by InvalidDefinitionError.
	ErrInvalidDefinition = errors.New("invalid environment definition")

	labelPattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*(:[A-Za-z0-9_][A-Za-z0-9_.-]{0,127})?$`)
	namePattern  = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
	tagPattern   = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	// contextRootPattern keeps context roots free of whitespace and shell
	// metacharacters; they end up in RUN and WORKDIR instructions.
	contextRootPattern = regexp.MustCompile(`^(/[A-Za-z0-9._-]+)+$`)
)

type (
	// ContextRoot is the canonical directory inside the environment where
	// later stages place source. It is carried explicitly on the artifact.
	ContextRoot string

	// StageLabel is the identifier downstream stages use to reference the
	// provisioned environment ("buildenv/go-builder" or "buildenv/go-builder:v3").
	StageLabel string

	// Extension is a versioned package set layered on top of a labeled
	// environment by a consuming build definition. It never mutates the base.
	Extension struct {
		Name     string     `json:"name"`
		Version  string     `json:"version"`
		Packages PackageSet `json:"packages"`
	}

	// Definition is a complete environment definition.
	Definition struct {
		Label       StageLabel  `json:"label"`
		Toolchain   Toolchain   `json:"toolchain"`
		Packages    PackageSet  `json:"packages"`
		ContextRoot ContextRoot `json:"context_root"`
		Extensions  []Extension `json:"extensions,omitempty"`

		// FilePath is where the definition was loaded from, if anywhere.
		FilePath string `json:"-"`
	}

	// InvalidDefinitionError collects every field error of a Definition.
	InvalidDefinitionError struct {
		FieldErrors []error
	}
)

// Validate returns an error unless the root is absolute, clean, not "/" and
// made of letters, digits, '.', '_', '-' and '/' only.
func (r ContextRoot) Validate() error {
	s := string(r)
	switch {
	case !strings.HasPrefix(s, "/"):
		return fmt.Errorf("%w: %q must be absolute", ErrInvalidContextRoot, s)
	case s == "/":
		return fmt.Errorf("%w: %q would place source over the image root", ErrInvalidContextRoot, s)
	case path.Clean(s) != s:
		return fmt.Errorf("%w: %q is not clean (want %q)", ErrInvalidContextRoot, s, path.Clean(s))
	case !contextRootPattern.MatchString(s):
		return fmt.Errorf("%w: %q may only contain letters, digits, '.', '_', '-' and '/'", ErrInvalidContextRoot, s)
	}
	return nil
}

// String returns the path.
func (r ContextRoot) String() string { return string(r) }

// Validate returns an error unless the label is a valid image reference
// without a floating "latest" tag.
func (l StageLabel) Validate() error {
	if !labelPattern.MatchString(string(l)) {
		return fmt.Errorf("%w: %q must be a lowercase image name with an optional tag", ErrInvalidStageLabel, l)
	}
	if l.Tag() == "latest" {
		return fmt.Errorf("%w: %q uses the floating tag \"latest\"", ErrInvalidStageLabel, l)
	}
	return nil
}

// Name returns the label without its tag.
func (l StageLabel) Name() string {
	s := string(l)
	// The tag separator is the last colon after the last slash.
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		return s[:i]
	}
	return s
}

// Tag returns the label's tag, or "" when the label has none.
func (l StageLabel) Tag() string {
	s := string(l)
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		return s[i+1:]
	}
	return ""
}

// String returns the label as written.
func (l StageLabel) String() string { return string(l) }

// Validate returns an error if the extension name, version, or packages are malformed.
func (e Extension) Validate() error {
	var errs []error
	if !namePattern.MatchString(e.Name) {
		errs = append(errs, fmt.Errorf("%w: name %q must be lowercase alphanumerics with . _ -", ErrInvalidExtension, e.Name))
	}
	if !tagPattern.MatchString(e.Version) || e.Version == "latest" {
		errs = append(errs, fmt.Errorf("%w: %q version %q must be an explicit tag", ErrInvalidExtension, e.Name, e.Version))
	}
	if err := e.Packages.Normalize().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q packages: %w", ErrInvalidExtension, e.Name, err))
	}
	return errors.Join(errs...)
}

// Label returns the stage label of the artifact produced by applying the
// extension on top of base: "<base name>-<ext name>:<ext version>".
func (e Extension) Label(base StageLabel) StageLabel {
	return StageLabel(base.Name() + "-" + e.Name + ":" + e.Version)
}

// Error implements the error interface.
func (e *InvalidDefinitionError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid environment definition: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidDefinition and each field error for errors.Is().
func (e *InvalidDefinitionError) Unwrap() []error {
	return append([]error{ErrInvalidDefinition}, e.FieldErrors...)
}

// Normalize fills defaults and deduplicates package sets in place.
func (d *Definition) Normalize() {
	if d.Toolchain.Distribution == "" {
		d.Toolchain.Distribution = DistributionGo
	}
	if d.ContextRoot == "" {
		d.ContextRoot = DefaultContextRoot
	}
	d.Packages = d.Packages.Normalize()
	d.Extensions = slices.Clone(d.Extensions)
	for i := range d.Extensions {
		d.Extensions[i].Packages = d.Extensions[i].Packages.Normalize()
	}
}

// Validate checks the whole definition and aggregates every field error.
func (d *Definition) Validate() error {
	var errs []error
	if err := d.Label.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := d.Toolchain.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := d.Packages.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := d.ContextRoot.Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(d.Extensions))
	for _, ext := range d.Extensions {
		if err := ext.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[ext.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate extension name %q", ErrInvalidExtension, ext.Name))
		}
		seen[ext.Name] = true
	}
	if len(errs) > 0 {
		return &InvalidDefinitionError{FieldErrors: errs}
	}
	return nil
}

// ImageTag returns the tag applied to the labeled image. An untagged label
// is tagged with the toolchain tag, e.g. "buildenv/go-builder:1.21-alpine".
func (d *Definition) ImageTag() string {
	if d.Label.Tag() != "" {
		return string(d.Label)
	}
	return string(d.Label) + ":" + d.Toolchain.Tag()
}

// Extension returns the extension with the given name.
func (d *Definition) Extension(name string) (Extension, bool) {
	for _, ext := range d.Extensions {
		if ext.Name == name {
			return ext, true
		}
	}
	return Extension{}, false
}

// Hash returns a stable SHA-256 over everything that determines the base
// artifact: label, toolchain image, packages in order, and context root.
// Extensions are excluded; they produce artifacts of their own.
func (d *Definition) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "label:%s\n", d.ImageTag())
	fmt.Fprintf(h, "toolchain:%s\n", d.Toolchain.ImageRef())
	for _, p := range d.Packages.Normalize() {
		fmt.Fprintf(h, "package:%s\n", p)
	}
	fmt.Fprintf(h, "root:%s\n", d.ContextRoot)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns a stable SHA-256 of the extension applied on top of a base
// artifact identified by baseHash.
func (e Extension) Hash(baseHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "base:%s\n", baseHash)
	fmt.Fprintf(h, "extension:%s:%s\n", e.Name, e.Version)
	for _, p := range e.Packages.Normalize() {
		fmt.Fprintf(h, "package:%s\n", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
