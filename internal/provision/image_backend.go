// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"mvdan.cc/sh/v3/syntax"

	"github.com/buildenv/buildenv/internal/container"
	"github.com/buildenv/buildenv/pkg/envdef"
)

const (
	// DefaultPullAttempts is the number of toolchain fetch attempts.
	DefaultPullAttempts = 3
	// DefaultPullBackoff is the base backoff between toolchain fetch attempts.
	DefaultPullBackoff = 2 * time.Second

	intermediateRepository = "buildenv-intermediate"
)

// Compile-time interface check
var _ Backend = (*ImageBackend)(nil)

type (
	// ImageBackend realizes the pipeline with a container engine. Every step
	// is an image build from a generated Dockerfile; intermediate images are
	// tagged under buildenv-intermediate and removed by Discard.
	ImageBackend struct {
		engine       container.Engine
		logger       *log.Logger
		output       io.Writer
		workDir      string
		pullAttempts int
		pullBackoff  time.Duration
	}

	// ImageBackendOption configures an ImageBackend.
	ImageBackendOption func(*ImageBackend)
)

// WithPullRetry sets the number of toolchain fetch attempts and the base
// backoff between them.
func WithPullRetry(attempts int, backoff time.Duration) ImageBackendOption {
	return func(b *ImageBackend) {
		if attempts > 0 {
			b.pullAttempts = attempts
		}
		if backoff > 0 {
			b.pullBackoff = backoff
		}
	}
}

// WithBuildOutput streams engine pull and build output to w.
func WithBuildOutput(w io.Writer) ImageBackendOption {
	return func(b *ImageBackend) {
		if w != nil {
			b.output = w
		}
	}
}

// WithWorkDir sets the parent directory of temporary build contexts.
func WithWorkDir(dir string) ImageBackendOption {
	return func(b *ImageBackend) {
		b.workDir = dir
	}
}

// WithBackendLogger sets the logger used for retries and fallbacks.
func WithBackendLogger(logger *log.Logger) ImageBackendOption {
	return func(b *ImageBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewImageBackend creates an ImageBackend on engine.
func NewImageBackend(engine container.Engine, opts ...ImageBackendOption) *ImageBackend {
	b := &ImageBackend{
		engine:       engine,
		logger:       log.New(io.Discard),
		output:       io.Discard,
		pullAttempts: DefaultPullAttempts,
		pullBackoff:  DefaultPullBackoff,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchToolchain pulls the toolchain image, retrying transient transport
// failures. When the registry cannot be reached but the exact reference is
// already present locally, the local image is used.
func (b *ImageBackend) FetchToolchain(ctx context.Context, tc envdef.Toolchain) (Layer, error) {
	ref := container.ImageRef(tc.ImageRef())

	err := container.RetryWithBackoff(ctx, b.pullAttempts, b.pullBackoff, func(attempt int) (bool, error) {
		if attempt > 0 {
			b.logger.Warn("retrying toolchain fetch", "image", ref, "attempt", attempt+1)
		}
		pullErr := b.engine.Pull(ctx, ref, b.output)
		return container.IsTransientError(pullErr), pullErr
	})
	if err == nil {
		return Layer{Ref: string(ref)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Layer{}, ctxErr
	}

	if !container.IsImageNotFound(err) {
		if exists, _ := b.engine.ImageExists(ctx, ref); exists { //nolint:errcheck // treated as not found
			b.logger.Warn("toolchain fetch failed, using local image", "image", ref, "err", err)
			return Layer{Ref: string(ref)}, nil
		}
	}

	return Layer{}, &ToolchainUnavailableError{Image: string(ref), Version: tc.Version, Err: err}
}

// InstallPackages builds an image installing pkgs on top of base. On failure
// the package manager output is searched for the failing package; when it
// names none, each package is probed in order against base.
func (b *ImageBackend) InstallPackages(ctx context.Context, base Layer, mgr PackageManager, pkgs envdef.PackageSet) (Layer, error) {
	script, err := mgr.InstallScript(pkgs)
	if err != nil {
		return Layer{}, err
	}

	layer, output, err := b.build(ctx, "packages", installDockerfile(base.Ref, script))
	if err == nil {
		return layer, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Layer{}, ctxErr
	}

	pkg, ok := mgr.FailingPackage(output, pkgs)
	if !ok {
		pkg, ok = b.probe(ctx, base, mgr, pkgs)
	}
	if !ok {
		pkg = pkgs[0]
	}
	return Layer{}, &PackageInstallFailedError{Package: pkg, Output: output, Err: err}
}

// probe tries each package alone and returns the first one that fails.
func (b *ImageBackend) probe(ctx context.Context, base Layer, mgr PackageManager, pkgs envdef.PackageSet) (envdef.Package, bool) {
	for _, p := range pkgs {
		script, err := mgr.ProbeScript(p)
		if err != nil {
			return p, true
		}
		var out bytes.Buffer
		res, err := b.engine.Run(ctx, container.RunOptions{
			Image:      container.ImageRef(base.Ref),
			Entrypoint: "/bin/sh",
			Command:    []string{"-c", script},
			Remove:     true,
			Stdout:     &out,
			Stderr:     &out,
		})
		if err != nil || res.Error != nil {
			return "", false
		}
		if res.ExitCode != 0 {
			b.logger.Debug("package probe failed", "package", p, "exit_code", res.ExitCode)
			return p, true
		}
	}
	return "", false
}

// InspectPath runs a throwaway container on layer and reports what occupies p.
func (b *ImageBackend) InspectPath(ctx context.Context, layer Layer, p envdef.ContextRoot) (PathInfo, error) {
	quoted, err := syntax.Quote(string(p), syntax.LangPOSIX)
	if err != nil {
		return PathInfo{}, fmt.Errorf("cannot quote path %s: %w", p, err)
	}
	script, err := checkScript("p=" + quoted + `
if [ -d "$p" ]; then echo dir; ls -A1 "$p"
elif [ -e "$p" ] || [ -L "$p" ]; then echo other
else echo absent
fi`)
	if err != nil {
		return PathInfo{}, err
	}

	var stdout, stderr bytes.Buffer
	res, err := b.engine.Run(ctx, container.RunOptions{
		Image:      container.ImageRef(layer.Ref),
		Entrypoint: "/bin/sh",
		Command:    []string{"-c", script},
		WorkDir:    "/",
		Remove:     true,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	if err != nil {
		return PathInfo{}, err
	}
	if res.Error != nil {
		return PathInfo{}, res.Error
	}
	if res.ExitCode != 0 {
		return PathInfo{}, fmt.Errorf("inspect %s in %s: exit code %d: %s", p, layer.Ref, res.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return parsePathInfo(stdout.String())
}

func parsePathInfo(out string) (PathInfo, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	switch lines[0] {
	case "absent":
		return PathInfo{}, nil
	case "other":
		return PathInfo{Exists: true}, nil
	case "dir":
		info := PathInfo{Exists: true, IsDir: true}
		for _, l := range lines[1:] {
			if l = strings.TrimSpace(l); l != "" {
				info.Entries = append(info.Entries, l)
			}
		}
		return info, nil
	default:
		return PathInfo{}, fmt.Errorf("unexpected path probe output %q", out)
	}
}

// EstablishContextRoot builds an image creating root and setting it as WORKDIR.
func (b *ImageBackend) EstablishContextRoot(ctx context.Context, base Layer, root envdef.ContextRoot) (Layer, error) {
	dockerfile, err := contextRootDockerfile(base.Ref, root)
	if err != nil {
		return Layer{}, err
	}
	layer, _, err := b.build(ctx, "context-root", dockerfile)
	return layer, err
}

// Commit builds the metadata-only label step tagged as image and returns its ID.
func (b *ImageBackend) Commit(ctx context.Context, layer Layer, image string, labels map[string]string) (string, error) {
	if _, _, err := b.buildTagged(ctx, container.ImageRef(image), labelDockerfile(layer.Ref, labels)); err != nil {
		return "", err
	}
	return b.engine.ImageID(ctx, container.ImageRef(image))
}

// Lookup returns the labels and ID of image when it exists locally.
func (b *ImageBackend) Lookup(ctx context.Context, image string) (ImageInfo, bool, error) {
	ref := container.ImageRef(image)
	exists, err := b.engine.ImageExists(ctx, ref)
	if err != nil || !exists {
		return ImageInfo{}, false, err
	}
	labels, err := b.engine.ImageLabels(ctx, ref)
	if err != nil {
		return ImageInfo{}, false, err
	}
	digest, err := b.engine.ImageID(ctx, ref)
	if err != nil {
		return ImageInfo{}, false, err
	}
	return ImageInfo{Digest: digest, Labels: labels}, true, nil
}

// Discard removes every intermediate layer and reports all removal failures.
func (b *ImageBackend) Discard(ctx context.Context, layers []Layer) error {
	var errs []error
	for _, l := range layers {
		if !l.Intermediate {
			continue
		}
		// Removal must happen even when the run was cancelled.
		if err := b.engine.RemoveImage(context.WithoutCancel(ctx), container.ImageRef(l.Ref), true); err != nil {
			errs = append(errs, fmt.Errorf("remove intermediate image %s: %w", l.Ref, err))
		}
	}
	return errors.Join(errs...)
}

// build builds dockerfile as a new intermediate layer named after step.
func (b *ImageBackend) build(ctx context.Context, step, dockerfile string) (Layer, string, error) {
	tag := container.ImageRef(fmt.Sprintf("%s:%s-%s", intermediateRepository, step, uuid.New().String()[:12]))
	_, output, err := b.buildTagged(ctx, tag, dockerfile)
	if err != nil {
		return Layer{}, output, err
	}
	return Layer{Ref: string(tag), Intermediate: true}, output, nil
}

func (b *ImageBackend) buildTagged(ctx context.Context, tag container.ImageRef, dockerfile string) (container.ImageRef, string, error) {
	dir, cleanup, err := b.prepareBuildContext(dockerfile)
	if err != nil {
		return "", "", err
	}
	defer cleanup()

	var out bytes.Buffer
	w := io.MultiWriter(&out, b.output)
	err = b.engine.Build(ctx, container.BuildOptions{
		ContextDir: dir,
		Dockerfile: "Dockerfile",
		Tag:        tag,
		Stdout:     w,
		Stderr:     w,
	})
	return tag, out.String(), err
}

// prepareBuildContext creates a temporary directory holding only the Dockerfile.
//
// Docker installed via Snap cannot read /tmp or hidden directories in $HOME,
// so the default location is a visible directory in the user's home.
func (b *ImageBackend) prepareBuildContext(dockerfile string) (dir string, cleanup func(), err error) {
	parent := b.workDir
	if parent == "" {
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			if _, statErr := os.Stat(home); statErr == nil {
				parent = filepath.Join(home, "buildenv-build")
			}
		}
	}
	if parent == "" {
		parent = filepath.Join(os.TempDir(), "buildenv-build")
	}

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}
	dir, err = os.MkdirTemp(parent, "ctx-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create build context: %w", err)
	}
	cleanup = func() {
		_ = os.RemoveAll(dir) // Cleanup temp dir; error non-critical
	}

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return dir, cleanup, nil
}
