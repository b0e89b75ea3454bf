// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/buildenv/buildenv/internal/config"
	"github.com/buildenv/buildenv/internal/container"
	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/lockfile"
	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/pkg/envdef"
	"github.com/buildenv/buildenv/pkg/types"
)

// packageOutputLines is how much package manager output a failed install shows.
const packageOutputLines = 20

// errorClass is the issue guide and exit code an error maps to.
type errorClass struct {
	issue issue.Id
	code  types.ExitCode
}

// classifyError maps a command error to its issue guide and exit code.
// Errors without a guide get issue id 0.
func classifyError(err error) errorClass {
	var exitErr *ExitError
	code := types.ExitFailure
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}

	tagged := issue.IssueOf(err)
	switch {
	case errors.Is(err, envdef.ErrUnpinnedVersion):
		return errorClass{issue.UnpinnedToolchainId, types.ExitInvalidDefinition}
	case tagged == issue.DefinitionNotFoundId:
		return errorClass{issue.DefinitionNotFoundId, types.ExitInvalidDefinition}
	case errors.Is(err, envdef.ErrInvalidDefinition), tagged == issue.DefinitionParseErrorId:
		return errorClass{issue.DefinitionParseErrorId, types.ExitInvalidDefinition}
	case errors.Is(err, provision.ErrToolchainUnavailable):
		return errorClass{issue.ToolchainUnavailableId, types.ExitToolchainUnavailable}
	case errors.Is(err, provision.ErrPackageInstallFailed):
		return errorClass{issue.PackageInstallFailedId, types.ExitPackageInstallFailed}
	case errors.Is(err, provision.ErrContextRootConflict):
		return errorClass{issue.ContextRootConflictId, types.ExitContextRootConflict}
	case errors.Is(err, container.ErrNoEngineAvailable), tagged == issue.ContainerEngineNotFoundId:
		return errorClass{issue.ContainerEngineNotFoundId, code}
	case errors.Is(err, config.ErrInvalidConfig), tagged == issue.ConfigLoadFailedId:
		return errorClass{issue.ConfigLoadFailedId, code}
	case errors.Is(err, lockfile.ErrNoLockFile), code == types.ExitVerifyMismatch, tagged == issue.LockMismatchId:
		return errorClass{issue.LockMismatchId, code}
	case errors.Is(err, os.ErrPermission):
		return errorClass{issue.PermissionDeniedId, code}
	}
	return errorClass{tagged, code}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// renderError prints err and, in verbose mode, the matching issue guide.
func renderError(w io.Writer, err error, class errorClass, verbose bool, style string) {
	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))

	var pkgErr *provision.PackageInstallFailedError
	if verbose && errors.As(err, &pkgErr) && pkgErr.Output != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, SubtitleStyle.Render("Package manager output:"))
		fmt.Fprintln(w, VerboseStyle.Render(outputTail(pkgErr.Output, packageOutputLines)))
	}

	if class.issue == 0 {
		return
	}
	if !verbose {
		fmt.Fprintln(w, SubtitleStyle.Render("Run with --verbose for a troubleshooting guide."))
		return
	}
	guide := issue.Get(class.issue)
	if guide == nil {
		return
	}
	rendered, renderErr := guide.Render(style)
	if renderErr != nil {
		fmt.Fprintln(w, WarningStyle.Render("Warning: ")+"failed to render help: "+renderErr.Error())
		return
	}
	fmt.Fprint(w, rendered)
}

// outputTail returns the last n lines of output.
func outputTail(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
