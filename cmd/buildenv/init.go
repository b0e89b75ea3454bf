// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/config"
	"github.com/buildenv/buildenv/pkg/envdef"
)

type initOptions struct {
	force bool
	label string
}

func newInitCommand(app *App) *cobra.Command {
	opts := &initOptions{}

	initCmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Create the default environment definition",
		Long: `Create an environment definition in the current directory.

The default definition provisions Go 1.21 on Alpine with git, make, protoc
and the protobuf headers installed, and an empty build context root at /app.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := config.DefaultDefinitionFile
			if len(args) > 0 {
				filename = args[0]
			}
			return runInit(app, filename, opts)
		},
	}

	initCmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing definition")
	initCmd.Flags().StringVar(&opts.label, "label", "", "stage label of the environment (default buildenv/go-builder)")

	return initCmd
}

func runInit(app *App, filename string, opts *initOptions) error {
	if _, err := os.Stat(filename); err == nil && !opts.force {
		return fmt.Errorf("file '%s' already exists. Use --force to overwrite", filename)
	}

	def := envdef.Default()
	if opts.label != "" {
		def.Label = envdef.StageLabel(opts.label)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	if err := os.WriteFile(filename, []byte(envdef.GenerateCUE(def)), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	w := app.stdout
	fmt.Fprintf(w, "%s Created %s\n", SuccessStyle.Render("✓"), absPath(filename))
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Next steps:"))
	fmt.Fprintln(w, "  1. Adjust the toolchain version and packages")
	fmt.Fprintln(w, "  2. Run 'buildenv validate' to check the definition")
	fmt.Fprintln(w, "  3. Run 'buildenv provision' to build the labeled environment")

	return nil
}
