// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/config"
)

func newConfigCommand(app *App, flags *rootFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage buildenv configuration",
		Long: `Inspect and initialize the buildenv configuration.

Configuration is read from a CUE file in the user config directory.
Environment variables prefixed with BUILDENV_ override file values,
for example BUILDENV_CONTAINER_ENGINE=podman.`,
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := app.newSession(cmd.Context(), flags)
				if err != nil {
					return err
				}
				return printConfig(app.stdout, s.cfg)
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path := flags.configPath
				if path == "" {
					var err error
					if path, err = config.DefaultPath(config.LoadOptions{}); err != nil {
						return err
					}
				}
				fmt.Fprintln(app.stdout, path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "dump",
			Short: "Print the effective configuration as CUE",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := app.newSession(cmd.Context(), flags)
				if err != nil {
					return err
				}
				fmt.Fprint(app.stdout, config.GenerateCUE(s.cfg))
				return nil
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration file if none exists",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := config.CreateDefaultConfig(config.LoadOptions{})
				if err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
				return nil
			},
		},
	)

	return configCmd
}

func printConfig(w io.Writer, cfg *config.Config) error {
	source := cfg.Source
	if source == "" {
		source = "(defaults)"
	}
	ledgerPath, err := cfg.LedgerPath()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, TitleStyle.Render("Configuration"))
	fmt.Fprintf(w, "  %s\n\n", SubtitleStyle.Render(source))

	keyStyle := CmdStyle.Width(28)
	row := func(key string, value any) {
		fmt.Fprintf(w, "%s %v\n", keyStyle.Render(key), value)
	}
	row("container_engine", cfg.ContainerEngine)
	row("definition_file", cfg.DefinitionFile)
	row("provision.pull_attempts", cfg.Provision.PullAttempts)
	row("provision.pull_backoff", cfg.Provision.PullBackoff)
	row("provision.keep_intermediate", cfg.Provision.KeepIntermediate)
	row("ledger.enabled", cfg.Ledger.Enabled)
	row("ledger.path", ledgerPath)
	row("lock.enabled", cfg.Lock.Enabled)
	row("lock.file", cfg.Lock.File)
	row("ui.color_scheme", cfg.UI.ColorScheme)
	row("ui.verbose", cfg.UI.Verbose)
	return nil
}
