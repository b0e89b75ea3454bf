// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/lockfile"
	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/internal/watch"
	"github.com/buildenv/buildenv/pkg/envdef"
)

type provisionOptions struct {
	force  bool
	noLock bool
	watch  bool
	stage  string
}

func newProvisionCommand(app *App, flags *rootFlags) *cobra.Command {
	opts := &provisionOptions{}

	provisionCmd := &cobra.Command{
		Use:   "provision [file]",
		Short: "Build or reuse the labeled environment",
		Long: `Provision the environment described by a definition.

The toolchain image is fetched, the system packages are installed, the
empty build context root is created and the result is labeled. When an
image with the same label and definition already exists it is reused
unless --force is given. On success the lock manifest next to the
definition is updated.

With --watch, the definition is provisioned again every time it changes
until the command is interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.newSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			path := s.definitionPath(args)
			if _, err := loadDefinition(path); err != nil {
				return err
			}

			p, cleanup, err := app.newProvisioner(cmd.Context(), s, opts.force)
			if err != nil {
				return err
			}
			defer cleanup()

			provisionOnce := func(ctx context.Context) error {
				def, err := loadDefinition(path)
				if err != nil {
					return err
				}
				artifact, err := p.Provision(ctx, def)
				if err != nil {
					return err
				}
				printArtifact(app, artifact, opts.stage)

				if !s.cfg.Lock.Enabled || opts.noLock {
					return nil
				}
				return writeBaseLock(app, s.cfg.LockPath(def.FilePath), artifact)
			}

			if !opts.watch {
				return provisionOnce(cmd.Context())
			}
			return watchDefinition(cmd.Context(), app, s, path, provisionOnce)
		},
	}

	provisionCmd.Flags().BoolVar(&opts.force, "force", false, "rebuild even when a matching image exists")
	provisionCmd.Flags().BoolVar(&opts.noLock, "no-lock", false, "do not write the lock manifest")
	provisionCmd.Flags().StringVar(&opts.stage, "stage", "build", "stage name used in the printed handoff")
	provisionCmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "provision again whenever the definition changes")

	return provisionCmd
}

func newExtendCommand(app *App, flags *rootFlags) *cobra.Command {
	opts := &provisionOptions{}
	var name string

	extendCmd := &cobra.Command{
		Use:   "extend [file] --name <extension>",
		Short: "Layer an extension on top of the labeled environment",
		Long: `Install the packages of a named extension on top of the labeled
environment and label the result <label>-<name>:<version>.

The base environment is provisioned (or reused) first and is never
modified. The extension is recorded in the lock manifest.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.newSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			def, err := loadDefinition(s.definitionPath(args))
			if err != nil {
				return err
			}
			ext, ok := def.Extension(name)
			if !ok {
				return unknownExtensionError(def.FilePath, name)
			}

			p, cleanup, err := app.newProvisioner(cmd.Context(), s, false)
			if err != nil {
				return err
			}
			defer cleanup()

			base, err := p.Provision(cmd.Context(), def)
			if err != nil {
				return err
			}
			artifact, err := p.Extend(cmd.Context(), base, ext)
			if err != nil {
				return err
			}
			printArtifact(app, artifact, opts.stage)

			if !s.cfg.Lock.Enabled || opts.noLock {
				return nil
			}
			return writeExtensionLock(app, s.cfg.LockPath(def.FilePath), base, ext, artifact)
		},
	}

	extendCmd.Flags().StringVar(&name, "name", "", "name of the extension to apply")
	extendCmd.Flags().BoolVar(&opts.noLock, "no-lock", false, "do not write the lock manifest")
	extendCmd.Flags().StringVar(&opts.stage, "stage", "build", "stage name used in the printed handoff")
	_ = extendCmd.MarkFlagRequired("name")

	return extendCmd
}

// watchDefinition runs provisionOnce now and again after every change of the
// definition at path, until ctx is cancelled. Failures are reported and the
// watch continues.
func watchDefinition(ctx context.Context, app *App, s *session, path string, provisionOnce func(context.Context) error) error {
	report := func(err error) {
		if err != nil {
			renderError(app.stderr, err, classifyError(err), s.cfg.UI.Verbose, app.issueStyle())
		}
	}

	w, err := watch.New(watch.Config{
		Files:  []string{path},
		Logger: s.logger,
		OnChange: func(ctx context.Context, _ []string) error {
			s.logger.Info("definition changed, provisioning again", "file", path)
			report(provisionOnce(ctx))
			return nil
		},
	})
	if err != nil {
		return err
	}

	report(provisionOnce(ctx))
	fmt.Fprintf(app.stdout, "\n%s\n", SubtitleStyle.Render("Watching "+absPath(path)+" for changes. Press Ctrl+C to stop."))
	return w.Run(ctx)
}

// printArtifact prints the labeled environment and its downstream handoff.
func printArtifact(app *App, a *provision.Artifact, stage string) {
	w := app.stdout
	verb := "Labeled"
	if a.Reused {
		verb = "Reused"
	}
	fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render("✓"), verb, CmdStyle.Render(a.Image))
	if a.Digest != "" {
		fmt.Fprintf(w, "  %s %s\n", SubtitleStyle.Render("digest:      "), a.Digest)
	}
	fmt.Fprintf(w, "  %s %s\n", SubtitleStyle.Render("toolchain:   "), a.Toolchain.ImageRef())
	fmt.Fprintf(w, "  %s %s\n", SubtitleStyle.Render("packages:    "), strings.Join(a.Packages.Names(), " "))
	fmt.Fprintf(w, "  %s %s\n", SubtitleStyle.Render("context root:"), a.ContextRoot)
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Start downstream Dockerfiles with:"))
	fmt.Fprintln(w, handoffStyle.Render(strings.TrimRight(a.Handoff(stage), "\n")))
}

// writeBaseLock writes the manifest of a base environment. Extensions locked
// for the same definition are carried over.
func writeBaseLock(app *App, path string, a *provision.Artifact) error {
	m := lockfile.FromArtifact(a)
	if prev, err := lockfile.Read(path); err == nil && prev.DefinitionHash == a.DefinitionHash {
		m.Extensions = prev.Extensions
	} else if err != nil && !errors.Is(err, lockfile.ErrNoLockFile) {
		return err
	}
	return writeLock(app, path, m)
}

// writeExtensionLock records ext in the manifest of base.
func writeExtensionLock(app *App, path string, base *provision.Artifact, ext envdef.Extension, a *provision.Artifact) error {
	m := lockfile.FromArtifact(base)
	if prev, err := lockfile.Read(path); err == nil && prev.DefinitionHash == base.DefinitionHash {
		m.Extensions = prev.Extensions
	} else if err != nil && !errors.Is(err, lockfile.ErrNoLockFile) {
		return err
	}
	m.SetExtension(ext, a)
	return writeLock(app, path, m)
}

func writeLock(app *App, path string, m *lockfile.Manifest) error {
	if err := lockfile.Write(path, m); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "\n%s Wrote %s\n", SuccessStyle.Render("✓"), absPath(path))
	return nil
}
