// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildenv/buildenv/pkg/envdef"
)

// Image labels written on every labeled environment. They make an image
// self-describing: Lookup and verification rebuild the Artifact from them.
const (
	LabelStage          = "org.buildenv.label"
	LabelContextRoot    = "org.buildenv.context-root"
	LabelDefinitionHash = "org.buildenv.definition-hash"
	LabelPackages       = "org.buildenv.packages"
	LabelDistribution   = "org.buildenv.toolchain.distribution"
	LabelVersion        = "org.buildenv.toolchain.version"
	LabelOSVariant      = "org.buildenv.toolchain.os-variant"
	LabelToolchainRef   = "org.buildenv.toolchain.ref"
	LabelBase           = "org.buildenv.base"
	LabelOCIBaseName    = "org.opencontainers.image.base.name"
	LabelOCICreated     = "org.opencontainers.image.created"
)

// Artifact is a labeled, immutable build environment. Downstream stages
// reference it by Image and place their source under ContextRoot.
type Artifact struct {
	// Label is the stage label the environment was provisioned under.
	Label envdef.StageLabel
	// Image is the tagged image reference of the environment.
	Image string
	// Digest is the content-addressed image ID.
	Digest string
	// Toolchain is the toolchain the environment was built from.
	Toolchain envdef.Toolchain
	// Packages is every package installed, base packages first.
	Packages envdef.PackageSet
	// ContextRoot is the empty directory downstream stages build in.
	ContextRoot envdef.ContextRoot
	// DefinitionHash identifies the definition (or extension) the image was built from.
	DefinitionHash string
	// Base is the image of the artifact this one extends; empty for base environments.
	Base string
	// CreatedAt is when the environment was labeled.
	CreatedAt time.Time
	// Reused reports that an existing image with the same definition hash was returned.
	Reused bool
}

// PlannedArtifact returns the artifact def is expected to produce. It has
// no digest or creation time; those exist only once the image is labeled.
func PlannedArtifact(def *envdef.Definition) *Artifact {
	d := *def
	d.Normalize()
	return &Artifact{
		Label:          d.Label,
		Image:          d.ImageTag(),
		Toolchain:      d.Toolchain,
		Packages:       d.Packages,
		ContextRoot:    d.ContextRoot,
		DefinitionHash: d.Hash(),
	}
}

// Handoff returns the Dockerfile fragment a downstream definition starts
// with: the environment as its base stage and the context root as working
// directory.
func (a *Artifact) Handoff(stage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s", a.Image)
	if stage != "" {
		fmt.Fprintf(&sb, " AS %s", stage)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "WORKDIR %s\n", a.ContextRoot)
	return sb.String()
}

// String returns a one-line description of the artifact.
func (a *Artifact) String() string {
	return fmt.Sprintf("%s (%s, root %s)", a.Image, a.Toolchain, a.ContextRoot)
}

// Labels returns the image labels describing the artifact.
func (a *Artifact) Labels() map[string]string {
	labels := map[string]string{
		LabelStage:          string(a.Label),
		LabelContextRoot:    string(a.ContextRoot),
		LabelDefinitionHash: a.DefinitionHash,
		LabelPackages:       strings.Join(a.Packages.Names(), ","),
		LabelDistribution:   string(a.Toolchain.Distribution),
		LabelVersion:        string(a.Toolchain.Version),
		LabelOSVariant:      string(a.Toolchain.OSVariant),
		LabelToolchainRef:   a.Toolchain.ImageRef(),
		LabelOCIBaseName:    a.Toolchain.ImageRef(),
	}
	if a.Base != "" {
		labels[LabelBase] = a.Base
		labels[LabelOCIBaseName] = a.Base
	}
	if !a.CreatedAt.IsZero() {
		labels[LabelOCICreated] = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	return labels
}

// ArtifactFromLabels rebuilds an Artifact from the labels of an existing
// image. It fails when the image was not produced by a provisioning run.
func ArtifactFromLabels(image, digest string, labels map[string]string) (*Artifact, error) {
	for _, key := range []string{LabelStage, LabelContextRoot, LabelDefinitionHash, LabelVersion, LabelOSVariant} {
		if labels[key] == "" {
			return nil, fmt.Errorf("image %s is not a provisioned environment: missing label %s", image, key)
		}
	}

	a := &Artifact{
		Label:          envdef.StageLabel(labels[LabelStage]),
		Image:          image,
		Digest:         digest,
		ContextRoot:    envdef.ContextRoot(labels[LabelContextRoot]),
		DefinitionHash: labels[LabelDefinitionHash],
		Base:           labels[LabelBase],
		Toolchain: envdef.Toolchain{
			Distribution: envdef.Distribution(labels[LabelDistribution]),
			Version:      envdef.Version(labels[LabelVersion]),
			OSVariant:    envdef.OSVariant(labels[LabelOSVariant]),
		},
	}
	if a.Toolchain.Distribution == "" {
		a.Toolchain.Distribution = envdef.DistributionGo
	}
	// Registry and digest are recovered from the full reference.
	a.Toolchain.Registry, a.Toolchain.Digest = splitToolchainRef(labels[LabelToolchainRef], a.Toolchain)
	if pkgs := labels[LabelPackages]; pkgs != "" {
		for _, p := range strings.Split(pkgs, ",") {
			a.Packages = append(a.Packages, envdef.Package(p))
		}
	}
	if created := labels[LabelOCICreated]; created != "" {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			a.CreatedAt = t
		}
	}
	return a, nil
}

// splitToolchainRef extracts the registry prefix and digest from a reference
// produced by envdef.Toolchain.ImageRef.
func splitToolchainRef(ref string, tc envdef.Toolchain) (registry, digest string) {
	if ref == "" {
		return "", ""
	}
	if before, after, ok := strings.Cut(ref, "@"); ok {
		ref, digest = before, after
	}
	suffix := tc.Distribution.Repository() + ":" + tc.Tag()
	if strings.HasSuffix(ref, "/"+suffix) {
		registry = strings.TrimSuffix(ref, "/"+suffix)
	}
	return registry, digest
}
