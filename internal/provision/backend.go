// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"

	"github.com/buildenv/buildenv/pkg/envdef"
)

type (
	// Layer is an image produced or fetched by a pipeline step. Intermediate
	// layers belong to a single run and are discarded when the run ends.
	Layer struct {
		Ref          string
		Intermediate bool
	}

	// PathInfo describes a path inside a layer's filesystem.
	PathInfo struct {
		Exists  bool
		IsDir   bool
		Entries []string
	}

	// ImageInfo describes an existing labeled image.
	ImageInfo struct {
		Digest string
		Labels map[string]string
	}

	// Backend realizes the pipeline steps against an image store. Every
	// method that produces a layer leaves its input layer untouched.
	Backend interface {
		// FetchToolchain makes the toolchain image available locally.
		// A toolchain that cannot be fetched yields a *ToolchainUnavailableError.
		FetchToolchain(ctx context.Context, tc envdef.Toolchain) (Layer, error)
		// InstallPackages installs pkgs, in order, on top of base. A failure
		// yields a *PackageInstallFailedError naming the first failing package.
		InstallPackages(ctx context.Context, base Layer, mgr PackageManager, pkgs envdef.PackageSet) (Layer, error)
		// InspectPath reports what occupies p in the layer's filesystem.
		InspectPath(ctx context.Context, layer Layer, p envdef.ContextRoot) (PathInfo, error)
		// EstablishContextRoot creates root as an empty directory and makes it
		// the working directory.
		EstablishContextRoot(ctx context.Context, base Layer, root envdef.ContextRoot) (Layer, error)
		// Commit tags layer as image with the given labels and returns its digest.
		Commit(ctx context.Context, layer Layer, image string, labels map[string]string) (string, error)
		// Lookup returns the labels and digest of an existing image.
		Lookup(ctx context.Context, image string) (ImageInfo, bool, error)
		// Discard removes intermediate layers. Non-intermediate layers are ignored.
		Discard(ctx context.Context, layers []Layer) error
	}
)
