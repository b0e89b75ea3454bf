// SPDX-License-Identifier: MPL-2.0

package envdeftest

import (
	"testing"

	"github.com/buildenv/buildenv/pkg/envdef"
)

func TestNewTestDefinition_Defaults(t *testing.T) {
	t.Parallel()

	def := NewTestDefinition("team/builder")

	if err := def.Validate(); err != nil {
		t.Fatalf("default test definition is invalid: %v", err)
	}
	if def.ImageTag() != "team/builder:1.21-alpine" {
		t.Errorf("ImageTag() = %q", def.ImageTag())
	}
	if !def.Packages.Equal(envdef.PackageSet{"git"}) {
		t.Errorf("Packages = %v", def.Packages)
	}
	if def.ContextRoot != envdef.DefaultContextRoot {
		t.Errorf("ContextRoot = %q", def.ContextRoot)
	}
}

func TestNewTestDefinition_Options(t *testing.T) {
	t.Parallel()

	def := NewTestDefinition("team/builder",
		WithToolchain("1.22.3", "bookworm"),
		WithRegistry("mirror.example.com"),
		WithPackages("git", "build-essential"),
		WithContextRoot("/src"),
		WithExtension("lint", "2", "curl"),
	)

	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := def.Toolchain.ImageRef(); got != "mirror.example.com/golang:1.22.3-bookworm" {
		t.Errorf("ImageRef() = %q", got)
	}
	if def.ContextRoot != "/src" || len(def.Packages) != 2 {
		t.Errorf("definition = %+v", def)
	}
	if ext, ok := def.Extension("lint"); !ok || ext.Version != "2" {
		t.Errorf("Extension(lint) = %+v, %v", ext, ok)
	}
}
