// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/buildenv/buildenv/internal/config"
	"github.com/buildenv/buildenv/internal/container"
	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/ledger"
	"github.com/buildenv/buildenv/internal/provision"
	"github.com/buildenv/buildenv/pkg/envdef"
)

type (
	// App wires CLI services and shared dependencies. It is the composition root for
	// the CLI layer: every Cobra command handler receives an App reference.
	App struct {
		Config  ConfigProvider
		Engines EngineFactory
		stdout  io.Writer
		stderr  io.Writer

		// ui is the UI configuration of the last session, used to render errors.
		ui config.UIConfig
	}

	// Dependencies defines the injection points for building an App. Nil fields are
	// replaced with production defaults by NewApp.
	Dependencies struct {
		Config  ConfigProvider
		Engines EngineFactory
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// EngineFactory returns a container engine, preferring the given type.
	EngineFactory func(preferred container.EngineType) (container.Engine, error)

	// rootFlags holds the persistent flags shared by all commands.
	rootFlags struct {
		verbose    bool
		configPath string
		engine     string
	}

	// session is the per-invocation state derived from configuration and flags.
	session struct {
		cfg    *config.Config
		logger *log.Logger
	}
)

// NewApp creates an App, filling nil dependencies with production defaults.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:  deps.Config,
		Engines: deps.Engines,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.Engines == nil {
		app.Engines = func(preferred container.EngineType) (container.Engine, error) {
			return container.NewEngine(preferred)
		}
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// newSession loads configuration and applies the persistent flag overrides.
func (a *App) newSession(ctx context.Context, flags *rootFlags) (*session, error) {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		return nil, err
	}

	if flags.verbose {
		cfg.UI.Verbose = true
	}
	if flags.engine != "" {
		engine := config.ContainerEngine(flags.engine)
		if err := engine.Validate(); err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("select container engine").
				WithResource(flags.engine).
				WithSuggestion("Use --engine docker or --engine podman").
				Wrap(err).
				BuildError()
		}
		cfg.ContainerEngine = engine
	}

	a.ui = cfg.UI
	return &session{cfg: cfg, logger: a.newLogger(cfg.UI.Verbose)}, nil
}

// issueStyle returns the glamour style for issue guides.
func (a *App) issueStyle() string {
	if a.ui.ColorScheme == "" {
		return config.ColorSchemeAuto.String()
	}
	return a.ui.ColorScheme.String()
}

func (a *App) newLogger(verbose bool) *log.Logger {
	logger := log.NewWithOptions(a.stderr, log.Options{
		Prefix:          "buildenv",
		ReportTimestamp: true,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// definitionPath returns the definition named on the command line, or the configured default.
func (s *session) definitionPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return s.cfg.DefinitionFile
}

// loadDefinition parses and validates the definition at path.
func loadDefinition(path string) (*envdef.Definition, error) {
	def, err := envdef.ParseFile(path)
	if err == nil {
		return def, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, issue.NewErrorContext().
			WithOperation("load environment definition").
			WithResource(path).
			WithIssue(issue.DefinitionNotFoundId).
			WithSuggestions(
				"Run 'buildenv init' to create the default definition",
				"Pass the definition path as an argument",
			).
			Wrap(err).
			BuildError()
	}
	return nil, issue.NewErrorContext().
		WithOperation("load environment definition").
		WithResource(path).
		WithIssue(issue.DefinitionParseErrorId).
		WithSuggestion("Run 'buildenv validate' to list every problem in the definition").
		Wrap(err).
		BuildError()
}

// newProvisioner wires the container engine, image backend and run ledger.
// The returned cleanup closes the ledger.
func (a *App) newProvisioner(ctx context.Context, s *session, force bool) (*provision.Provisioner, func(), error) {
	engine, err := a.Engines(s.cfg.ContainerEngine.EngineType())
	if err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("select container engine").
			WithResource(s.cfg.ContainerEngine.String()).
			WithIssue(issue.ContainerEngineNotFoundId).
			WithSuggestions(
				"Install Docker or Podman and make sure it is on your PATH",
				"Use --engine to select the other engine",
			).
			Wrap(err).
			BuildError()
	}
	s.logger.Debug("using container engine", "engine", engine.Name())

	var buildOutput io.Writer
	if s.cfg.UI.Verbose {
		buildOutput = a.stderr
	}
	backend := provision.NewImageBackend(engine,
		provision.WithPullRetry(s.cfg.Provision.PullAttempts, s.cfg.Provision.PullBackoff),
		provision.WithBuildOutput(buildOutput),
		provision.WithBackendLogger(s.logger),
	)

	opts := []provision.Option{
		provision.WithLogger(s.logger),
		provision.WithKeepIntermediate(s.cfg.Provision.KeepIntermediate),
		provision.WithForce(force),
	}

	cleanup := func() {}
	if store := a.openLedger(ctx, s); store != nil {
		opts = append(opts, provision.WithRecorder(store))
		cleanup = func() {
			if err := store.Close(); err != nil {
				s.logger.Warn("closing run ledger", "err", err)
			}
		}
	}

	return provision.New(backend, opts...), cleanup, nil
}

// openLedger opens the run ledger when enabled. A ledger that cannot be
// opened is reported and skipped; it never blocks provisioning.
func (a *App) openLedger(ctx context.Context, s *session) *ledger.Store {
	if !s.cfg.Ledger.Enabled {
		return nil
	}
	path, err := s.cfg.LedgerPath()
	if err != nil {
		s.logger.Warn("run ledger disabled", "err", err)
		return nil
	}
	store, err := ledger.Open(ctx, path)
	if err != nil {
		s.logger.Warn("run ledger disabled", "path", path, "err", err)
		return nil
	}
	return store
}

// absPath returns path made absolute for display, or path itself.
func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
