// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the buildenv command tree on app.
func NewRootCommand(app *App) *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "buildenv",
		Short: "Provision reproducible, labeled build environments",
		Long: TitleStyle.Render("buildenv") + SubtitleStyle.Render(" - reproducible base build environments") + `

buildenv turns a small CUE definition into a labeled container image:
a pinned toolchain, a set of system packages and an empty build context
root that later build stages reference by label.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Create buildenv.cue with 'buildenv init'
  2. Provision the environment with 'buildenv provision'
  3. Start downstream Dockerfiles with the printed FROM/WORKDIR lines

` + SubtitleStyle.Render("Examples:") + `
  buildenv provision              Build (or reuse) the labeled environment
  buildenv extend --name lint     Layer the 'lint' extension on top of it
  buildenv verify                 Check the environment against its lock file
  buildenv render > Dockerfile    Emit the pipeline as one Dockerfile
  buildenv history                List recent provisioning runs`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/buildenv/config.cue)")
	rootCmd.PersistentFlags().StringVar(&flags.engine, "engine", "", "container engine to use (docker or podman)")

	rootCmd.AddCommand(
		newInitCommand(app),
		newValidateCommand(app, flags),
		newRenderCommand(app, flags),
		newProvisionCommand(app, flags),
		newExtendCommand(app, flags),
		newVerifyCommand(app, flags),
		newHistoryCommand(app, flags),
		newConfigCommand(app, flags),
	)

	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits with the code mapped from the returned error.
// This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	os.Exit(int(run(context.Background(), app, os.Args[1:])))
}

// run executes the command tree with args and returns the process exit code.
func run(ctx context.Context, app *App, args []string) (code int) {
	rootCmd := NewRootCommand(app)
	rootCmd.SetArgs(args)

	// fang overrides rootCmd.Version, so the version is passed as an option.
	err := fang.Execute(
		ctx,
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			verbose := app.ui.Verbose || verboseRequested(rootCmd)
			renderError(w, err, classifyError(err), verbose, app.issueStyle())
		}),
	)
	if err != nil {
		return int(classifyError(err).code)
	}
	return 0
}

func verboseRequested(cmd *cobra.Command) bool {
	v, err := cmd.PersistentFlags().GetBool("verbose")
	return err == nil && v
}
