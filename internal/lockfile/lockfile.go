// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/pkg/envdef"
)

const (
	// DefaultFileName is the lock manifest name written next to the definition.
	DefaultFileName = "buildenv.lock.toml"

	// SchemaVersion is the manifest format version written by this package.
	SchemaVersion = 1

	header = "# Generated by buildenv provision. Do not edit by hand.\n" +
		"# Regenerate with: buildenv provision --force\n\n"
)

var (
	// ErrNoLockFile is returned by Read when the manifest does not exist.
	ErrNoLockFile = errors.New("lock file not found")
	// ErrUnsupportedSchema is returned for manifests written by a newer format.
	ErrUnsupportedSchema = errors.New("unsupported lock file schema")
)

type (
	// Manifest is the locked description of a labeled environment and its
	// extensions.
	Manifest struct {
		Schema         int         `toml:"schema"`
		Label          string      `toml:"label"`
		Image          string      `toml:"image"`
		Digest         string      `toml:"digest,omitempty"`
		DefinitionHash string      `toml:"definition_hash"`
		ContextRoot    string      `toml:"context_root"`
		Packages       []string    `toml:"packages"`
		Toolchain      Toolchain   `toml:"toolchain"`
		Extensions     []Extension `toml:"extensions,omitempty"`
	}

	// Toolchain is the locked toolchain reference.
	Toolchain struct {
		Distribution string `toml:"distribution"`
		Version      string `toml:"version"`
		OSVariant    string `toml:"os_variant"`
		Image        string `toml:"image"`
	}

	// Extension is a locked extension applied on top of the base environment.
	Extension struct {
		Name           string   `toml:"name"`
		Version        string   `toml:"version"`
		Image          string   `toml:"image"`
		Digest         string   `toml:"digest,omitempty"`
		DefinitionHash string   `toml:"definition_hash"`
		Packages       []string `toml:"packages"`
	}

	// Difference is one field that differs between a locked and a current manifest.
	Difference struct {
		Field   string
		Locked  string
		Current string
	}
)

// FromArtifact returns the manifest of a labeled base environment.
func FromArtifact(a *provision.Artifact) *Manifest {
	return &Manifest{
		Schema:         SchemaVersion,
		Label:          string(a.Label),
		Image:          a.Image,
		Digest:         a.Digest,
		DefinitionHash: a.DefinitionHash,
		ContextRoot:    string(a.ContextRoot),
		Packages:       a.Packages.Names(),
		Toolchain:      toolchainOf(a.Toolchain),
	}
}

// FromDefinition returns the manifest a definition is expected to produce.
// It carries no digests: those are only known once the images exist.
func FromDefinition(def *envdef.Definition) *Manifest {
	d := *def
	d.Normalize()

	m := &Manifest{
		Schema:         SchemaVersion,
		Label:          string(d.Label),
		Image:          d.ImageTag(),
		DefinitionHash: d.Hash(),
		ContextRoot:    string(d.ContextRoot),
		Packages:       d.Packages.Names(),
		Toolchain:      toolchainOf(d.Toolchain),
	}
	for _, ext := range d.Extensions {
		m.Extensions = append(m.Extensions, Extension{
			Name:           ext.Name,
			Version:        ext.Version,
			Image:          string(ext.Label(d.Label)),
			DefinitionHash: ext.Hash(m.DefinitionHash),
			Packages:       ext.Packages.Normalize().Names(),
		})
	}
	return m
}

func toolchainOf(tc envdef.Toolchain) Toolchain {
	return Toolchain{
		Distribution: string(tc.Distribution),
		Version:      string(tc.Version),
		OSVariant:    string(tc.OSVariant),
		Image:        tc.ImageRef(),
	}
}

// SetExtension records the artifact produced by applying ext, replacing any
// previous entry with the same name. Entries stay sorted by name.
func (m *Manifest) SetExtension(ext envdef.Extension, a *provision.Artifact) {
	entry := Extension{
		Name:           ext.Name,
		Version:        ext.Version,
		Image:          a.Image,
		Digest:         a.Digest,
		DefinitionHash: a.DefinitionHash,
		Packages:       ext.Packages.Normalize().Names(),
	}
	m.Extensions = slices.DeleteFunc(m.Extensions, func(e Extension) bool { return e.Name == ext.Name })
	m.Extensions = append(m.Extensions, entry)
	slices.SortFunc(m.Extensions, func(a, b Extension) int { return strings.Compare(a.Name, b.Name) })
}

// Extension returns the locked extension named name.
func (m *Manifest) Extension(name string) (Extension, bool) {
	i := slices.IndexFunc(m.Extensions, func(e Extension) bool { return e.Name == name })
	if i < 0 {
		return Extension{}, false
	}
	return m.Extensions[i], true
}

// Path returns the lock manifest path for a definition file: name resolved
// against the definition's directory unless it is absolute.
func Path(definitionFile, name string) string {
	if name == "" {
		name = DefaultFileName
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(definitionFile), name)
}

// createTemp is replaced in tests to simulate failing writes.
var createTemp = os.CreateTemp

// Write stores the manifest at path, replacing any previous file atomically.
func Write(path string, m *Manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding lock file: %w", err)
	}

	tmp, err := createTemp(filepath.Dir(path), ".buildenv-lock-*")
	if err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err = tmp.WriteString(header); err == nil {
		_, err = tmp.Write(data)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// Read loads the manifest at path. A missing file yields ErrNoLockFile.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoLockFile, path)
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("parsing lock file %s:%d:%d: %w", path, row, col, err)
		}
		return nil, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	if m.Schema < 1 {
		return nil, fmt.Errorf("%w: %s has no schema version", ErrUnsupportedSchema, path)
	}
	if m.Schema > SchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema %d, this version reads up to %d", ErrUnsupportedSchema, path, m.Schema, SchemaVersion)
	}
	return &m, nil
}

// Equal reports whether the manifests describe the same environments.
func (m *Manifest) Equal(other *Manifest) bool {
	return len(m.Diff(other)) == 0
}

// Diff lists the fields in which current differs from the locked manifest m.
// Digests are only compared when both sides carry one.
func (m *Manifest) Diff(current *Manifest) []Difference {
	var diffs []Difference
	add := func(field, locked, cur string) {
		if locked != cur {
			diffs = append(diffs, Difference{Field: field, Locked: locked, Current: cur})
		}
	}
	addDigest := func(field, locked, cur string) {
		if locked != "" && cur != "" {
			add(field, locked, cur)
		}
	}

	add("label", m.Label, current.Label)
	add("image", m.Image, current.Image)
	addDigest("digest", m.Digest, current.Digest)
	add("definition_hash", m.DefinitionHash, current.DefinitionHash)
	add("context_root", m.ContextRoot, current.ContextRoot)
	add("packages", strings.Join(m.Packages, " "), strings.Join(current.Packages, " "))
	add("toolchain.distribution", m.Toolchain.Distribution, current.Toolchain.Distribution)
	add("toolchain.version", m.Toolchain.Version, current.Toolchain.Version)
	add("toolchain.os_variant", m.Toolchain.OSVariant, current.Toolchain.OSVariant)
	add("toolchain.image", m.Toolchain.Image, current.Toolchain.Image)

	for _, locked := range m.Extensions {
		prefix := "extensions." + locked.Name
		cur, ok := current.Extension(locked.Name)
		if !ok {
			add(prefix, locked.Version, "")
			continue
		}
		add(prefix+".version", locked.Version, cur.Version)
		add(prefix+".image", locked.Image, cur.Image)
		addDigest(prefix+".digest", locked.Digest, cur.Digest)
		add(prefix+".definition_hash", locked.DefinitionHash, cur.DefinitionHash)
		add(prefix+".packages", strings.Join(locked.Packages, " "), strings.Join(cur.Packages, " "))
	}
	for _, cur := range current.Extensions {
		if _, ok := m.Extension(cur.Name); !ok {
			add("extensions."+cur.Name, "", cur.Version)
		}
	}
	return diffs
}

// String returns "field: locked X, current Y".
func (d Difference) String() string {
	return fmt.Sprintf("%s: locked %s, current %s", d.Field, orNone(d.Locked), orNone(d.Current))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return fmt.Sprintf("%q", s)
}
