// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/lockfile"
	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/pkg/envdef"
	"github.com/buildenv/buildenv/pkg/types"
)

const notPresent = "(not present)"

func newVerifyCommand(app *App, flags *rootFlags) *cobra.Command {
	var offline bool

	verifyCmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check that the definition still matches its lock manifest",
		Long: `Compare a definition with the lock manifest written by the last
successful provisioning.

The labels, toolchain, packages and definition hashes must match. Unless
--offline is given, the labeled images are looked up in the container
engine and their digests compared with the locked ones. Only extensions
recorded in the lock are checked.`,
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

			lockPath := s.cfg.LockPath(def.FilePath)
			locked, err := lockfile.Read(lockPath)
			if err != nil {
				if errors.Is(err, lockfile.ErrNoLockFile) {
					return issue.NewErrorContext().
						WithOperation("read lock manifest").
						WithResource(lockPath).
						WithIssue(issue.LockMismatchId).
						WithSuggestion("Run 'buildenv provision' to create the lock manifest").
						Wrap(err).
						BuildError()
				}
				return err
			}

			current := expectedManifest(def, locked)
			var diffs []lockfile.Difference
			if !offline {
				p, cleanup, err := app.newProvisioner(cmd.Context(), s, false)
				if err != nil {
					return err
				}
				defer cleanup()
				diffs, err = resolveDigests(cmd.Context(), p, locked, current)
				if err != nil {
					return err
				}
			}
			diffs = append(diffs, locked.Diff(current)...)

			if len(diffs) == 0 {
				fmt.Fprintf(app.stdout, "%s %s matches %s\n",
					SuccessStyle.Render("✓"), absPath(def.FilePath), absPath(lockPath))
				return nil
			}

			fmt.Fprintf(app.stdout, "%s %s does not match %s\n\n",
				ErrorStyle.Render("✗"), absPath(def.FilePath), absPath(lockPath))
			for _, d := range diffs {
				fmt.Fprintf(app.stdout, "  %s\n", d)
			}
			return &ExitError{
				Code: types.ExitVerifyMismatch,
				Err: issue.NewErrorContext().
					WithOperation("verify lock manifest").
					WithResource(lockPath).
					WithIssue(issue.LockMismatchId).
					WithSuggestion("Run 'buildenv provision --force' to rebuild and relock the environment").
					Wrap(fmt.Errorf("%d difference(s) from the lock manifest", len(diffs))).
					BuildError(),
			}
		},
	}

	verifyCmd.Flags().BoolVar(&offline, "offline", false, "compare the definition only, without looking up images")

	return verifyCmd
}

// expectedManifest is the manifest def would produce, restricted to the
// extensions recorded in locked.
func expectedManifest(def *envdef.Definition, locked *lockfile.Manifest) *lockfile.Manifest {
	current := lockfile.FromDefinition(def)
	kept := current.Extensions[:0]
	for _, ext := range current.Extensions {
		if _, ok := locked.Extension(ext.Name); ok {
			kept = append(kept, ext)
		}
	}
	current.Extensions = kept
	return current
}

// resolveDigests fills current with the digests of the labeled images. Images
// that are missing are reported as differences.
func resolveDigests(ctx context.Context, p *provision.Provisioner, locked, current *lockfile.Manifest) ([]lockfile.Difference, error) {
	var diffs []lockfile.Difference

	digest, found, err := liveDigest(ctx, p, current.Image)
	if err != nil {
		return nil, err
	}
	if found {
		current.Digest = digest
	} else {
		diffs = append(diffs, lockfile.Difference{Field: "image", Locked: locked.Image, Current: notPresent})
	}

	for i := range current.Extensions {
		ext := &current.Extensions[i]
		digest, found, err := liveDigest(ctx, p, ext.Image)
		if err != nil {
			return nil, err
		}
		if found {
			ext.Digest = digest
			continue
		}
		lockedExt, _ := locked.Extension(ext.Name)
		diffs = append(diffs, lockfile.Difference{
			Field:   "extensions." + ext.Name + ".image",
			Locked:  lockedExt.Image,
			Current: notPresent,
		})
	}
	return diffs, nil
}

func liveDigest(ctx context.Context, p *provision.Provisioner, image string) (string, bool, error) {
	artifact, found, err := p.Lookup(ctx, image)
	if err != nil || !found {
		return "", false, err
	}
	return artifact.Digest, true, nil
}
