// SPDX-License-Identifier: MPL-2.0

package envdeftest

import (
	"github.com/buildenv/buildenv/pkg/envdef"
)

// DefinitionOption configures a test definition.
type DefinitionOption func(*envdef.Definition)

// NewTestDefinition creates a valid definition with the given label. By
// default it has:
//   - Go 1.21 on alpine
//   - the single package "git"
//   - the default context root
//   - no extensions
//
// Usage:
//
//	def := envdeftest.NewTestDefinition("team/builder")
//	def := envdeftest.NewTestDefinition("team/builder",
//	    envdeftest.WithToolchain("1.22.3", "bookworm"),
//	    envdeftest.WithPackages("git", "build-essential"),
//	)
func NewTestDefinition(label string, opts ...DefinitionOption) *envdef.Definition {
	def := &envdef.Definition{
		Label: envdef.StageLabel(label),
		Toolchain: envdef.Toolchain{
			Distribution: envdef.DistributionGo,
			Version:      "1.21",
			OSVariant:    "alpine",
		},
		Packages:    envdef.PackageSet{"git"},
		ContextRoot: envdef.DefaultContextRoot,
	}
	for _, opt := range opts {
		opt(def)
	}
	return def
}

// WithToolchain sets the toolchain version and OS variant.
func WithToolchain(version, osVariant string) DefinitionOption {
	return func(d *envdef.Definition) {
		d.Toolchain.Version = envdef.Version(version)
		d.Toolchain.OSVariant = envdef.OSVariant(osVariant)
	}
}

// WithRegistry sets the registry mirror the toolchain is fetched from.
func WithRegistry(registry string) DefinitionOption {
	return func(d *envdef.Definition) {
		d.Toolchain.Registry = registry
	}
}

// WithPackages replaces the package set.
func WithPackages(pkgs ...string) DefinitionOption {
	return func(d *envdef.Definition) {
		d.Packages = make(envdef.PackageSet, len(pkgs))
		for i, p := range pkgs {
			d.Packages[i] = envdef.Package(p)
		}
	}
}

// WithContextRoot sets the context root.
func WithContextRoot(root string) DefinitionOption {
	return func(d *envdef.Definition) {
		d.ContextRoot = envdef.ContextRoot(root)
	}
}

// WithExtension appends an extension with the given packages.
func WithExtension(name, version string, pkgs ...string) DefinitionOption {
	return func(d *envdef.Definition) {
		ext := envdef.Extension{Name: name, Version: version}
		for _, p := range pkgs {
			ext.Packages = append(ext.Packages, envdef.Package(p))
		}
		d.Extensions = append(d.Extensions, ext)
	}
}
