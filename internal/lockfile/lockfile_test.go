// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/internal/testutil/envdeftest"
	"github.com/buildenv/buildenv/pkg/envdef"
)

func testArtifact(def *envdef.Definition) *provision.Artifact {
	return &provision.Artifact{
		Label:          def.Label,
		Image:          def.ImageTag(),
		Digest:         "sha256:1111",
		Toolchain:      def.Toolchain,
		Packages:       def.Packages.Normalize(),
		ContextRoot:    def.ContextRoot,
		DefinitionHash: def.Hash(),
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	def := envdef.Default()
	m := FromArtifact(testArtifact(def))
	ext := envdef.Extension{Name: "lint", Version: "1", Packages: envdef.PackageSet{"curl"}}
	m.SetExtension(ext, &provision.Artifact{Image: "buildenv/go-builder-lint:1", Digest: "sha256:2222", DefinitionHash: "abc"})

	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := Write(path, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Generated by buildenv", "buildenv/go-builder", "[toolchain]", "[[extensions]]"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("lock file missing %q:\n%s", want, data)
		}
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if diffs := m.Diff(got); len(diffs) != 0 {
		t.Errorf("round trip differs: %v", diffs)
	}
	if got.Digest != "sha256:1111" || got.Toolchain.Image != "golang:1.21-alpine" {
		t.Errorf("Read() = %+v", got)
	}
}

func TestWrite_FailedWriteKeepsPreviousLock(t *testing.T) {
	// Not parallel: replaces the package-level createTemp.
	orig := createTemp
	t.Cleanup(func() { createTemp = orig })

	// The temp file is reopened read-only: every write fails, Close succeeds.
	createTemp = func(dir, pattern string) (*os.File, error) {
		f, err := orig(dir, pattern)
		if err != nil {
			return nil, err
		}
		name := f.Name()
		if err := f.Close(); err != nil {
			return nil, err
		}
		return os.Open(name)
	}

	path := filepath.Join(t.TempDir(), DefaultFileName)
	previous := "# previous\nschema = 1\nlabel = 'team/builder'\n"
	if err := os.WriteFile(path, []byte(previous), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Write(path, FromDefinition(envdef.Default())); err == nil {
		t.Fatal("Write() error = nil, want the write failure")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != previous {
		t.Errorf("lock file replaced after a failed write:\n%s", data)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}

func TestRead_Missing(t *testing.T) {
	t.Parallel()

	_, err := Read(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, ErrNoLockFile) {
		t.Errorf("Read() error = %v, want ErrNoLockFile", err)
	}
}

func TestRead_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"syntax", "label = \n", nil},
		{"unknown field", "schema = 1\nlabel = 'x'\nsurprise = true\n", nil},
		{"newer schema", "schema = 99\nlabel = 'x'\n", ErrUnsupportedSchema},
		{"empty file", "", ErrUnsupportedSchema},
		{"missing schema", "label = 'x'\n", ErrUnsupportedSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(dir, tt.name+".toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Read(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromDefinition_MatchesArtifact(t *testing.T) {
	t.Parallel()

	def := envdeftest.NewTestDefinition("team/builder", envdeftest.WithPackages("git", "make", "git"))
	locked := FromArtifact(testArtifact(def))

	if diffs := locked.Diff(FromDefinition(def)); len(diffs) != 0 {
		t.Errorf("definition manifest differs from its artifact: %v", diffs)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	base := envdeftest.NewTestDefinition("team/builder", envdeftest.WithExtension("lint", "1", "curl"))
	locked := FromDefinition(base)
	locked.Digest = "sha256:1111"

	tests := []struct {
		name   string
		mutate func(m *Manifest)
		fields []string
	}{
		{"identical", func(*Manifest) {}, nil},
		{"digest missing on one side", func(m *Manifest) { m.Digest = "" }, nil},
		{"digest changed", func(m *Manifest) { m.Digest = "sha256:2222" }, []string{"digest"}},
		{"package added", func(m *Manifest) { m.Packages = append(m.Packages, "make") }, []string{"packages"}},
		{"version bumped", func(m *Manifest) { m.Toolchain.Version = "1.22" }, []string{"toolchain.version"}},
		{"extension removed", func(m *Manifest) { m.Extensions = nil }, []string{"extensions.lint"}},
		{"extension added", func(m *Manifest) {
			m.Extensions = append(m.Extensions, Extension{Name: "release", Version: "2"})
		}, []string{"extensions.release"}},
		{"extension packages", func(m *Manifest) { m.Extensions[0].Packages = []string{"curl", "jq"} }, []string{"extensions.lint.packages"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := FromDefinition(base)
			current.Digest = "sha256:1111"
			tt.mutate(current)

			diffs := locked.Diff(current)
			if len(diffs) != len(tt.fields) {
				t.Fatalf("Diff() = %v, want fields %v", diffs, tt.fields)
			}
			for i, d := range diffs {
				if d.Field != tt.fields[i] {
					t.Errorf("diff[%d].Field = %q, want %q", i, d.Field, tt.fields[i])
				}
			}
			if locked.Equal(current) != (len(tt.fields) == 0) {
				t.Error("Equal() disagrees with Diff()")
			}
		})
	}
}

func TestSetExtension_Replaces(t *testing.T) {
	t.Parallel()

	m := &Manifest{}
	m.SetExtension(envdef.Extension{Name: "zeta", Version: "1"}, &provision.Artifact{Image: "a-zeta:1"})
	m.SetExtension(envdef.Extension{Name: "lint", Version: "1"}, &provision.Artifact{Image: "a-lint:1"})
	m.SetExtension(envdef.Extension{Name: "lint", Version: "2"}, &provision.Artifact{Image: "a-lint:2"})

	if len(m.Extensions) != 2 || m.Extensions[0].Name != "lint" || m.Extensions[0].Version != "2" {
		t.Errorf("Extensions = %+v", m.Extensions)
	}
}

func TestPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		def, name, want string
	}{
		{"/repo/buildenv.cue", "", "/repo/buildenv.lock.toml"},
		{"buildenv.cue", "custom.toml", "custom.toml"},
		{"/repo/envs/go.cue", "/tmp/lock.toml", "/tmp/lock.toml"},
	}
	for _, tt := range tests {
		if got := Path(tt.def, tt.name); got != tt.want {
			t.Errorf("Path(%q, %q) = %q, want %q", tt.def, tt.name, got, tt.want)
		}
	}
}

func TestDifference_String(t *testing.T) {
	t.Parallel()

	d := Difference{Field: "extensions.lint", Locked: "1"}
	if got := d.String(); got != `extensions.lint: locked "1", current (none)` {
		t.Errorf("String() = %q", got)
	}
}
