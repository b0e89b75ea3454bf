// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"strings"
	"testing"

	"github.com/buildenv/buildenv/pkg/envdef"
)

func TestRenderDockerfile_Default(t *testing.T) {
	t.Parallel()

	def := envdef.Default()
	got, err := RenderDockerfile(def)
	if err != nil {
		t.Fatalf("RenderDockerfile() error = %v", err)
	}

	for _, want := range []string{
		"# syntax=docker/dockerfile:1\n",
		"FROM golang:1.21-alpine AS go-builder\n",
		"RUN apk add --no-cache git make protoc protobuf-dev\n",
		"RUN mkdir -p /app\nWORKDIR /app\n",
		`org.buildenv.context-root="/app"`,
		`org.buildenv.definition-hash="` + def.Hash() + `"`,
		`org.buildenv.packages="git,make,protoc,protobuf-dev"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered Dockerfile missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, LabelOCICreated) {
		t.Error("a rendered Dockerfile must not depend on the render time")
	}

	again, err := RenderDockerfile(def)
	if err != nil || again != got {
		t.Error("rendering must be deterministic")
	}
}

func TestRenderDockerfile_Debian(t *testing.T) {
	t.Parallel()

	def := envdef.Default()
	def.Toolchain.OSVariant = "bookworm"
	def.Packages = envdef.PackageSet{"git", "git", "make"}

	got, err := RenderDockerfile(def)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "FROM golang:1.21-bookworm AS go-builder\n") {
		t.Errorf("missing Debian toolchain stage:\n%s", got)
	}
	if !strings.Contains(got, "apt-get install -y --no-install-recommends git make &&") {
		t.Errorf("packages not deduplicated:\n%s", got)
	}
}

func TestRenderDockerfile_Invalid(t *testing.T) {
	t.Parallel()

	def := envdef.Default()
	def.Toolchain.Version = "latest"
	if _, err := RenderDockerfile(def); !errors.Is(err, envdef.ErrUnpinnedVersion) {
		t.Errorf("RenderDockerfile() error = %v, want ErrUnpinnedVersion", err)
	}
}

func TestRenderExtensionDockerfile(t *testing.T) {
	t.Parallel()

	base := &Artifact{
		Label:       "buildenv/go-builder",
		Image:       "buildenv/go-builder:1.21-alpine",
		Toolchain:   envdef.Default().Toolchain,
		ContextRoot: "/app",
	}
	ext := envdef.Extension{Name: "lint", Version: "1", Packages: envdef.PackageSet{"curl"}}

	got, err := RenderExtensionDockerfile(base, ext)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"FROM buildenv/go-builder:1.21-alpine AS go-builder-lint\n",
		"RUN apk add --no-cache curl\n",
		"WORKDIR /app\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("extension Dockerfile missing %q:\n%s", want, got)
		}
	}
}

func TestStageName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label envdef.StageLabel
		want  string
	}{
		{"buildenv/go-builder:v3", "go-builder"},
		{"go-builder", "go-builder"},
		{"registry.example.com:5000/team/builder", "builder"},
	}
	for _, tt := range tests {
		if got := StageName(tt.label); got != tt.want {
			t.Errorf("StageName(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func TestContextRootDockerfile(t *testing.T) {
	t.Parallel()

	got, err := contextRootDockerfile("base:1", "/go/src/app")
	if err != nil {
		t.Fatalf("contextRootDockerfile() error = %v", err)
	}
	if want := "FROM base:1\nRUN mkdir -p /go/src/app\nWORKDIR /go/src/app\n"; got != want {
		t.Errorf("contextRootDockerfile() = %q, want %q", got, want)
	}

	for _, root := range []envdef.ContextRoot{"/src/my app", "/a;touch /pwned", "/app$(id)", "relative"} {
		if got, err := contextRootDockerfile("base:1", root); !errors.Is(err, envdef.ErrInvalidContextRoot) {
			t.Errorf("contextRootDockerfile(%q) = %q, %v; want ErrInvalidContextRoot", root, got, err)
		}
	}
}

func TestRenderDockerfile_UnsafeContextRoot(t *testing.T) {
	t.Parallel()

	def := envdef.Default()
	def.ContextRoot = "/src/my app"
	if got, err := RenderDockerfile(def); !errors.Is(err, envdef.ErrInvalidContextRoot) {
		t.Errorf("RenderDockerfile() = %q, %v; want ErrInvalidContextRoot", got, err)
	}
}

func TestLabelDockerfile(t *testing.T) {
	t.Parallel()

	got := labelDockerfile("img:1", map[string]string{"b": "2", "a": `say "hi"`})
	want := "FROM img:1\nLABEL a=\"say \\\"hi\\\"\" \\\n     b=\"2\"\n"
	if got != want {
		t.Errorf("labelDockerfile() = %q, want %q", got, want)
	}
}
