// SPDX-License-Identifier: MPL-2.0

// Package provision builds the base build environment: a pinned toolchain
// image with a system package set installed and an empty context root,
// labeled so downstream build stages can start from it.
//
// Construction is a strict four-step pipeline driven through a Run:
//
//	SelectToolchain -> InstallPackages -> EstablishContextRoot -> Label
//
// Each step moves the Run one state forward (see State). A step invoked out
// of order fails with ErrOutOfOrder; a failing step moves the Run to
// StateFailed and discards every intermediate layer, so no partially built
// environment is ever labeled.
//
// The steps are realized by a Backend. ImageBackend builds one intermediate
// image per step through a container.Engine:
//
//	backend := provision.NewImageBackend(engine)
//	artifact, err := provision.New(backend).Provision(ctx, def)
//	// artifact.Image is the labeled image, artifact.ContextRoot its context root
package provision
