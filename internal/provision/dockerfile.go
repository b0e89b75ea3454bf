// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/buildenv/buildenv/pkg/envdef"
)

var stageNameInvalidChars = regexp.MustCompile(`[^a-z0-9_.-]`)

// installDockerfile returns the Dockerfile of the package installation step.
func installDockerfile(from, script string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", from)
	fmt.Fprintf(&sb, "RUN %s\n", script)
	return sb.String()
}

// contextRootDockerfile returns the Dockerfile creating the context root and
// making it the working directory.
func contextRootDockerfile(from string, root envdef.ContextRoot) (string, error) {
	script, err := mkdirScript(root)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", from)
	fmt.Fprintf(&sb, "RUN %s\n", script)
	fmt.Fprintf(&sb, "WORKDIR %s\n", root)
	return sb.String(), nil
}

// mkdirScript returns the shell command creating root. root must be a valid
// context root; WORKDIR takes it unquoted.
func mkdirScript(root envdef.ContextRoot) (string, error) {
	if err := root.Validate(); err != nil {
		return "", err
	}
	quoted, err := syntax.Quote(string(root), syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("cannot quote context root %s: %w", root, err)
	}
	return checkScript("mkdir -p " + quoted)
}

// labelDockerfile returns the Dockerfile of the labeling step: metadata only.
func labelDockerfile(from string, labels map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", from)
	writeLabels(&sb, labels)
	return sb.String()
}

func writeLabels(sb *strings.Builder, labels map[string]string) {
	keys := slices.Sorted(maps.Keys(labels))
	if len(keys) == 0 {
		return
	}
	sb.WriteString("LABEL")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" \\\n     ")
		} else {
			sb.WriteString(" ")
		}
		fmt.Fprintf(sb, "%s=%s", k, strconv.Quote(labels[k]))
	}
	sb.WriteString("\n")
}

// RenderDockerfile renders the whole base-environment pipeline of def as a
// single Dockerfile: toolchain stage, package installation, context root and
// labels. The result builds the same environment Provision does and serves
// as the static descriptor of the definition.
func RenderDockerfile(def *envdef.Definition) (string, error) {
	d := *def
	d.Normalize()
	if err := d.Validate(); err != nil {
		return "", err
	}

	mgr, err := PackageManagerFor(d.Toolchain.OSVariant.Family())
	if err != nil {
		return "", err
	}
	script, err := mgr.InstallScript(d.Packages)
	if err != nil {
		return "", err
	}
	mkdir, err := mkdirScript(d.ContextRoot)
	if err != nil {
		return "", err
	}

	artifact := PlannedArtifact(&d)

	var sb strings.Builder
	sb.WriteString("# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&sb, "# Build environment %s, tag as %s\n\n", d.Label, d.ImageTag())
	fmt.Fprintf(&sb, "FROM %s AS %s\n\n", d.Toolchain.ImageRef(), StageName(d.Label))
	sb.WriteString("# System build tools\n")
	fmt.Fprintf(&sb, "RUN %s\n\n", script)
	sb.WriteString("# Empty context root for downstream stages\n")
	fmt.Fprintf(&sb, "RUN %s\n", mkdir)
	fmt.Fprintf(&sb, "WORKDIR %s\n\n", d.ContextRoot)
	writeLabels(&sb, artifact.Labels())
	return sb.String(), nil
}

// RenderExtensionDockerfile renders an extension applied on top of base as
// a Dockerfile whose only base is the labeled environment.
func RenderExtensionDockerfile(base *Artifact, ext envdef.Extension) (string, error) {
	if err := ext.Validate(); err != nil {
		return "", err
	}
	mgr, err := PackageManagerFor(base.Toolchain.OSVariant.Family())
	if err != nil {
		return "", err
	}
	script, err := mgr.InstallScript(ext.Packages.Normalize())
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&sb, "# Extension %s %s of %s\n\n", ext.Name, ext.Version, base.Label)
	fmt.Fprintf(&sb, "FROM %s AS %s\n\n", base.Image, StageName(ext.Label(base.Label)))
	fmt.Fprintf(&sb, "RUN %s\n", script)
	fmt.Fprintf(&sb, "WORKDIR %s\n", base.ContextRoot)
	return sb.String(), nil
}

// StageName derives a Dockerfile stage name from a label: the last path
// segment of the image name ("buildenv/go-builder:v3" -> "go-builder").
func StageName(label envdef.StageLabel) string {
	name := stageNameInvalidChars.ReplaceAllString(path.Base(label.Name()), "-")
	if name == "" || name == "." {
		return "buildenv"
	}
	return name
}
