// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildenv/buildenv/pkg/envdef"
)

type (
	// Clock supplies the labeling time of artifacts.
	Clock interface {
		Now() time.Time
	}

	// Outcome is the result of a run reported to a Recorder.
	Outcome struct {
		Image     string
		Digest    string
		LastState State
		Err       error
	}

	// Recorder observes provisioning runs, e.g. to keep a history of them.
	// Recorder failures are logged and never fail a run.
	Recorder interface {
		StartRun(ctx context.Context, label, definitionHash string) (string, error)
		RecordState(ctx context.Context, runID string, state State) error
		FinishRun(ctx context.Context, runID string, outcome Outcome) error
	}

	// Provisioner drives Runs through the pipeline for whole definitions.
	Provisioner struct {
		backend          Backend
		logger           *log.Logger
		recorder         Recorder
		clock            Clock
		keepIntermediate bool
		force            bool
	}

	// Option configures a Provisioner.
	Option func(*Provisioner)

	realClock struct{}
)

func (realClock) Now() time.Time { return time.Now() }

// WithLogger sets the logger receiving step and state transition logs.
func WithLogger(logger *log.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder sets a Recorder notified of every run and state transition.
func WithRecorder(r Recorder) Option {
	return func(p *Provisioner) {
		p.recorder = r
	}
}

// WithClock sets the clock used for artifact creation times.
func WithClock(c Clock) Option {
	return func(p *Provisioner) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithKeepIntermediate keeps intermediate images after a successful run.
func WithKeepIntermediate(keep bool) Option {
	return func(p *Provisioner) {
		p.keepIntermediate = keep
	}
}

// WithForce rebuilds even when an image with the same definition hash exists.
func WithForce(force bool) Option {
	return func(p *Provisioner) {
		p.force = force
	}
}

// New creates a Provisioner on backend.
func New(backend Backend, opts ...Option) *Provisioner {
	p := &Provisioner{
		backend: backend,
		logger:  log.New(io.Discard),
		clock:   realClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewRun returns a pending Run for def. Most callers use Provision, which
// drives the run through every step.
func (p *Provisioner) NewRun(def *envdef.Definition) *Run {
	return p.newRun(def.Hash(), def.Label)
}

func (p *Provisioner) newRun(definitionHash string, label envdef.StageLabel) *Run {
	return &Run{
		backend:          p.backend,
		logger:           p.logger.With("label", label),
		clock:            p.clock,
		keepIntermediate: p.keepIntermediate,
		definitionHash:   definitionHash,
	}
}

// Provision builds the environment described by def and returns the labeled
// artifact. The definition is validated before anything is fetched. When an
// image labeled with the same definition hash already exists it is returned
// as is, unless the provisioner was created WithForce.
//
// A failing step yields a *ProvisionError carrying the last state reached;
// its cause is one of *ToolchainUnavailableError, *PackageInstallFailedError,
// *ContextRootConflictError, or a transport error.
func (p *Provisioner) Provision(ctx context.Context, def *envdef.Definition) (*Artifact, error) {
	d := *def
	d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	hash := d.Hash()
	if artifact, ok := p.reuse(ctx, d.ImageTag(), hash); ok {
		return artifact, nil
	}

	run := p.newRun(hash, d.Label)
	return p.execute(ctx, run, d.Label, func() (*Artifact, error) {
		if err := run.SelectToolchain(ctx, d.Toolchain); err != nil {
			return nil, err
		}
		if err := run.InstallPackages(ctx, d.Packages); err != nil {
			return nil, err
		}
		if err := run.EstablishContextRoot(ctx, d.ContextRoot); err != nil {
			return nil, err
		}
		return run.Label(ctx, d.Label)
	})
}

// Extend applies ext on top of the labeled environment base and labels the
// result "<base name>-<ext name>:<ext version>". The base image is never
// modified; the extension goes through the same install, context root and
// label steps as a base environment.
func (p *Provisioner) Extend(ctx context.Context, base *Artifact, ext envdef.Extension) (*Artifact, error) {
	if base == nil || base.Image == "" {
		return nil, ErrNotLabeled
	}
	ext.Packages = ext.Packages.Normalize()
	if err := ext.Validate(); err != nil {
		return nil, err
	}

	label := ext.Label(base.Label)
	hash := ext.Hash(base.DefinitionHash)
	if artifact, ok := p.reuse(ctx, string(label), hash); ok {
		return artifact, nil
	}

	run := p.newRun(hash, label)
	return p.execute(ctx, run, label, func() (*Artifact, error) {
		if err := run.adopt(base); err != nil {
			return nil, err
		}
		if err := run.InstallPackages(ctx, ext.Packages); err != nil {
			return nil, err
		}
		if err := run.EstablishContextRoot(ctx, base.ContextRoot); err != nil {
			return nil, err
		}
		return run.Label(ctx, label)
	})
}

// Lookup returns the artifact labeled image, rebuilt from its image labels.
func (p *Provisioner) Lookup(ctx context.Context, image string) (*Artifact, bool, error) {
	info, found, err := p.backend.Lookup(ctx, image)
	if err != nil || !found {
		return nil, false, err
	}
	artifact, err := ArtifactFromLabels(image, info.Digest, info.Labels)
	if err != nil {
		return nil, false, err
	}
	return artifact, true, nil
}

func (p *Provisioner) reuse(ctx context.Context, image, hash string) (*Artifact, bool) {
	if p.force {
		return nil, false
	}
	artifact, found, err := p.Lookup(ctx, image)
	if err != nil {
		p.logger.Debug("existing image not reusable", "image", image, "err", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	if artifact.DefinitionHash != hash {
		p.logger.Info("image exists with a different definition, rebuilding", "image", image)
		return nil, false
	}
	p.logger.Info("reusing existing environment", "image", image, "digest", artifact.Digest)
	artifact.Reused = true
	return artifact, true
}

// execute runs steps with recording, and wraps any failure in a ProvisionError.
func (p *Provisioner) execute(ctx context.Context, run *Run, label envdef.StageLabel, steps func() (*Artifact, error)) (*Artifact, error) {
	runID := p.startRecord(ctx, label, run.definitionHash)
	if runID != "" {
		run.onState = func(s State) {
			if err := p.recorder.RecordState(context.WithoutCancel(ctx), runID, s); err != nil {
				p.logger.Warn("failed to record state", "run", runID, "state", s, "err", err)
			}
		}
	}

	artifact, err := steps()

	outcome := Outcome{LastState: run.LastState(), Err: err}
	if artifact != nil {
		outcome.Image, outcome.Digest = artifact.Image, artifact.Digest
	}
	p.finishRecord(ctx, runID, outcome)

	if err != nil {
		return nil, &ProvisionError{Label: label, LastState: run.LastState(), Err: err}
	}
	return artifact, nil
}

func (p *Provisioner) startRecord(ctx context.Context, label envdef.StageLabel, hash string) string {
	if p.recorder == nil {
		return ""
	}
	id, err := p.recorder.StartRun(ctx, string(label), hash)
	if err != nil {
		p.logger.Warn("failed to record run start", "err", err)
		return ""
	}
	return id
}

func (p *Provisioner) finishRecord(ctx context.Context, runID string, outcome Outcome) {
	if runID == "" {
		return
	}
	if err := p.recorder.FinishRun(context.WithoutCancel(ctx), runID, outcome); err != nil {
		p.logger.Warn("failed to record run result", "run", runID, "err", err)
	}
}
