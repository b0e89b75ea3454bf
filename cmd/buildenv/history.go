// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/ledger"
)

const historyTimeLayout = "2006-01-02 15:04:05"

var errLedgerDisabled = errors.New("the run ledger is disabled")

type historyOptions struct {
	limit int
	label string
}

func newHistoryCommand(app *App, flags *rootFlags) *cobra.Command {
	opts := &historyOptions{}

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded provisioning runs",
		Long: `List the provisioning runs recorded in the run ledger, most recent first.

With a run ID (or a unique prefix of one), the run is shown in detail with
every state it passed through.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.newSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if !s.cfg.Ledger.Enabled {
				return issue.NewErrorContext().
					WithOperation("open run ledger").
					WithSuggestion("Set ledger.enabled: true in the configuration").
					Wrap(errLedgerDisabled).
					BuildError()
			}
			path, err := s.cfg.LedgerPath()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cmd.Context(), path)
			if err != nil {
				return issue.NewErrorContext().
					WithOperation("open run ledger").
					WithResource(path).
					Wrap(err).
					BuildError()
			}
			defer func() { _ = store.Close() }()

			if len(args) > 0 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(app.stdout, run)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), ledger.ListOptions{Limit: opts.limit, Label: opts.label})
			if err != nil {
				return err
			}
			printRuns(app.stdout, runs)
			return nil
		},
	}

	historyCmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	historyCmd.Flags().StringVar(&opts.label, "label", "", "only list runs of this stage label")

	return historyCmd
}

func printRuns(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No provisioning runs recorded."))
		return
	}

	fmt.Fprintf(w, "%-8s  %-19s  %-10s  %-8s  %s\n",
		"ID", "STARTED", "STATE", "DURATION", "LABEL")
	fmt.Fprintln(w, historyHeaderStyle.Render("────────  ───────────────────  ──────────  ────────  ─────"))
	for i := range runs {
		run := &runs[i]
		state := fmt.Sprintf("%-10s", run.State)
		if run.Succeeded() {
			state = SuccessStyle.Render(state)
		} else if run.FinishedAt != nil {
			state = ErrorStyle.Render(state)
		}
		fmt.Fprintf(w, "%-8s  %-19s  %s  %-8s  %s\n",
			run.ShortID(), run.StartedAt.Local().Format(historyTimeLayout), state,
			formatDuration(run.Duration()), run.Label)
	}
}

func printRun(w io.Writer, run *ledger.Run) {
	keyStyle := CmdStyle.Width(12)
	row := func(key, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", keyStyle.Render(key), value)
		}
	}
	row("run", run.ID)
	row("label", run.Label)
	row("state", run.State.String())
	if run.LastState != run.State {
		row("last state", run.LastState.String())
	}
	row("image", run.Image)
	row("digest", run.Digest)
	row("definition", VerboseStyle.Render(run.DefinitionHash))
	row("started", run.StartedAt.Local().Format(historyTimeLayout))
	if run.FinishedAt != nil {
		row("finished", run.FinishedAt.Local().Format(historyTimeLayout))
		row("duration", formatDuration(run.Duration()))
	}
	if run.Error != "" {
		row("error", ErrorStyle.Render(run.Error))
	}

	if len(run.Transitions) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Transitions"))
	for _, tr := range run.Transitions {
		fmt.Fprintf(w, "  %s  %s\n", tr.At.Local().Format(historyTimeLayout), tr.State)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(100 * time.Millisecond).String()
}
