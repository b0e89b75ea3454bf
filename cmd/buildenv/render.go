// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/provision"
)

func newRenderCommand(app *App, flags *rootFlags) *cobra.Command {
	var extension string

	renderCmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Print the environment as a single Dockerfile",
		Long: `Render the provisioning pipeline of a definition as one Dockerfile.

The output builds the same environment 'buildenv provision' does and can be
committed or used by CI systems that build Dockerfiles directly. With
--extension, the Dockerfile of that extension on top of the labeled
environment is printed instead.`,
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

			var dockerfile string
			if extension == "" {
				dockerfile, err = provision.RenderDockerfile(def)
			} else {
				ext, ok := def.Extension(extension)
				if !ok {
					return unknownExtensionError(def.FilePath, extension)
				}
				dockerfile, err = provision.RenderExtensionDockerfile(provision.PlannedArtifact(def), ext)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, dockerfile)
			return nil
		},
	}

	renderCmd.Flags().StringVar(&extension, "extension", "", "render the named extension instead of the base environment")

	return renderCmd
}

func unknownExtensionError(definitionFile, name string) error {
	return issue.NewErrorContext().
		WithOperation("select extension").
		WithResource(definitionFile).
		WithSuggestion("Run 'buildenv validate' to list the extensions of the definition").
		Wrap(fmt.Errorf("extension %q is not defined", name)).
		BuildError()
}
