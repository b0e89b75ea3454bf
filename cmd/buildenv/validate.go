// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/pkg/envdef"
)

func newValidateCommand(app *App, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check an environment definition without building it",
		Long: `Parse and validate an environment definition.

Validation covers the schema, version pinning, package names and the
context root. Nothing is fetched or built.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.newSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			path := s.definitionPath(args)
			def, err := loadDefinition(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s is valid\n\n", SuccessStyle.Render("✓"), absPath(path))
			return printDefinition(app.stdout, def)
		},
	}
}

// printDefinition writes a summary of what def provisions.
func printDefinition(w io.Writer, def *envdef.Definition) error {
	mgr, err := provision.PackageManagerFor(def.Toolchain.OSVariant.Family())
	if err != nil {
		return err
	}

	keyStyle := CmdStyle.Width(14)
	row := func(key, value string) {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render(key), value)
	}
	row("label", def.Label.String())
	row("image", def.ImageTag())
	row("toolchain", def.Toolchain.ImageRef())
	row("packages", fmt.Sprintf("%s (%s)", strings.Join(def.Packages.Names(), " "), mgr.Family()))
	row("context root", def.ContextRoot.String())
	row("hash", VerboseStyle.Render(def.Hash()))

	if len(def.Extensions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, TitleStyle.Render("Extensions"))
		for _, ext := range def.Extensions {
			fmt.Fprintf(w, "  %s %s -> %s (%s)\n",
				ext.Name, ext.Version, CmdStyle.Render(ext.Label(def.Label).String()),
				strings.Join(ext.Packages.Names(), " "))
		}
	}
	return nil
}
