// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/buildenv/buildenv/pkg/envdef"
)

// Run is one pass through the provisioning pipeline. Its steps must be
// invoked in order; each successful step advances State by one. A Run is
// used by a single goroutine.
type Run struct {
	backend          Backend
	logger           *log.Logger
	clock            Clock
	keepIntermediate bool
	onState          func(State)

	state     State
	lastState State

	definitionHash string
	base           string
	toolchain      envdef.Toolchain
	manager        PackageManager
	packages       envdef.PackageSet
	root           envdef.ContextRoot
	current        Layer
	layers         []Layer
	artifact       *Artifact
}

// State returns the current state of the run.
func (r *Run) State() State { return r.state }

// LastState returns the last state the run reached before failing, or the
// current state when the run has not failed.
func (r *Run) LastState() State {
	if r.state == StateFailed {
		return r.lastState
	}
	return r.state
}

// Artifact returns the labeled environment, or ErrNotLabeled before Label succeeds.
func (r *Run) Artifact() (*Artifact, error) {
	if r.state != StateLabeled {
		return nil, fmt.Errorf("%w: run is %s", ErrNotLabeled, r.state)
	}
	return r.artifact, nil
}

// SelectToolchain fetches the toolchain image and makes it the base layer.
// An unpinned version is rejected before anything is fetched.
func (r *Run) SelectToolchain(ctx context.Context, tc envdef.Toolchain) error {
	if err := r.require("select toolchain", StatePending); err != nil {
		return err
	}
	if err := tc.Validate(); err != nil {
		return r.fail(ctx, err)
	}
	manager, err := PackageManagerFor(tc.OSVariant.Family())
	if err != nil {
		return r.fail(ctx, err)
	}

	r.logger.Info("selecting toolchain", "image", tc.ImageRef())
	layer, err := r.backend.FetchToolchain(ctx, tc)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.toolchain = tc
	r.manager = manager
	r.use(layer)
	r.advance(StateToolchainSelected)
	return nil
}

// adopt starts the run from an existing labeled environment instead of a
// toolchain image. The run continues at StateToolchainSelected.
func (r *Run) adopt(base *Artifact) error {
	if err := r.require("adopt base environment", StatePending); err != nil {
		return err
	}
	manager, err := PackageManagerFor(base.Toolchain.OSVariant.Family())
	if err != nil {
		return r.fail(context.Background(), err)
	}
	r.base = base.Image
	r.toolchain = base.Toolchain
	r.manager = manager
	r.packages = base.Packages
	r.use(Layer{Ref: base.Image})
	r.advance(StateToolchainSelected)
	return nil
}

// InstallPackages installs the package set on the toolchain layer. Repeated
// names are installed once. Installation is all-or-nothing: on failure no
// layer with a partial set survives.
func (r *Run) InstallPackages(ctx context.Context, pkgs envdef.PackageSet) error {
	if err := r.require("install packages", StateToolchainSelected); err != nil {
		return err
	}
	pkgs = pkgs.Normalize()
	if err := pkgs.Validate(); err != nil {
		return r.fail(ctx, err)
	}

	r.logger.Info("installing packages", "packages", pkgs.Names())
	layer, err := r.backend.InstallPackages(ctx, r.current, r.manager, pkgs)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.packages = append(append(envdef.PackageSet{}, r.packages...), pkgs...).Normalize()
	r.use(layer)
	r.advance(StatePackagesInstalled)
	return nil
}

// EstablishContextRoot creates root as an empty directory. A path that
// already holds a file or a non-empty directory is a conflict; an existing
// empty directory is accepted.
func (r *Run) EstablishContextRoot(ctx context.Context, root envdef.ContextRoot) error {
	if err := r.require("establish context root", StatePackagesInstalled); err != nil {
		return err
	}
	if err := root.Validate(); err != nil {
		return r.fail(ctx, err)
	}

	info, err := r.backend.InspectPath(ctx, r.current, root)
	if err != nil {
		return r.fail(ctx, err)
	}
	if info.Exists && (!info.IsDir || len(info.Entries) > 0) {
		return r.fail(ctx, &ContextRootConflictError{Path: root, IsDir: info.IsDir, Entries: info.Entries})
	}

	r.logger.Info("establishing context root", "path", root)
	layer, err := r.backend.EstablishContextRoot(ctx, r.current, root)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.root = root
	r.use(layer)
	r.advance(StateContextRootEstablished)
	return nil
}

// Label tags the environment as label and returns the immutable artifact.
// A label without a tag is tagged with the toolchain tag.
func (r *Run) Label(ctx context.Context, label envdef.StageLabel) (*Artifact, error) {
	if err := r.require("label", StateContextRootEstablished); err != nil {
		return nil, err
	}
	if err := label.Validate(); err != nil {
		return nil, r.fail(ctx, err)
	}

	image := string(label)
	if label.Tag() == "" {
		image += ":" + r.toolchain.Tag()
	}

	artifact := &Artifact{
		Label:          label,
		Image:          image,
		Toolchain:      r.toolchain,
		Packages:       r.packages,
		ContextRoot:    r.root,
		DefinitionHash: r.definitionHash,
		Base:           r.base,
		CreatedAt:      r.clock.Now(),
	}

	r.logger.Info("labeling environment", "image", image)
	digest, err := r.backend.Commit(ctx, r.current, image, artifact.Labels())
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	artifact.Digest = digest

	r.artifact = artifact
	r.advance(StateLabeled)

	if !r.keepIntermediate {
		if err := r.backend.Discard(ctx, r.layers); err != nil {
			r.logger.Warn("failed to remove intermediate images", "err", err)
		}
	}
	return artifact, nil
}

func (r *Run) require(operation string, required State) error {
	if r.state != required {
		return &OutOfOrderError{Operation: operation, Current: r.state, Required: required}
	}
	return nil
}

func (r *Run) use(layer Layer) {
	r.current = layer
	if layer.Intermediate {
		r.layers = append(r.layers, layer)
	}
}

func (r *Run) advance(to State) {
	r.logger.Debug("state transition", "from", r.state, "state", to)
	r.state = to
	if r.onState != nil {
		r.onState(to)
	}
}

// fail moves the run to StateFailed, discards every intermediate layer and
// returns cause.
func (r *Run) fail(ctx context.Context, cause error) error {
	r.lastState = r.state
	r.state = StateFailed
	r.logger.Error("provisioning step failed", "last_state", r.lastState, "err", cause)

	if err := r.backend.Discard(ctx, r.layers); err != nil {
		r.logger.Warn("failed to remove intermediate images", "err", err)
	}
	r.layers = nil
	r.current = Layer{}

	if r.onState != nil {
		r.onState(StateFailed)
	}
	return cause
}
