// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/buildenv/buildenv/internal/config"
	"github.com/buildenv/buildenv/internal/container"
	"github.com/buildenv/buildenv/internal/issue"
	"github.com/buildenv/buildenv/internal/lockfile"
	"github.com/buildenv/buildenv/internal/testutil"
	"github.com/buildenv/buildenv/internal/testutil/envdeftest"
	"github.com/buildenv/buildenv/pkg/envdef"
	"github.com/buildenv/buildenv/pkg/types"
)

type (
	// staticConfig is a ConfigProvider returning a copy of a fixed configuration.
	staticConfig struct {
		cfg *config.Config
		err error
	}

	// scriptedEngine implements container.Engine in memory. Built images keep
	// the labels written by the Dockerfile, and every container run reports an
	// absent context root.
	scriptedEngine struct {
		mu      sync.Mutex
		pullErr error
		builds  int
		labels  map[container.ImageRef]map[string]string
	}

	testEnv struct {
		app    *App
		cfg    *config.Config
		engine *scriptedEngine
		stdout *bytes.Buffer
		stderr *bytes.Buffer
		dir    string
	}
)

func (p staticConfig) Load(context.Context, config.LoadOptions) (*config.Config, error) {
	if p.err != nil {
		return nil, p.err
	}
	cfg := *p.cfg
	return &cfg, nil
}

func (e *scriptedEngine) Name() string                             { return "scripted" }
func (e *scriptedEngine) Available() bool                          { return true }
func (e *scriptedEngine) Version(context.Context) (string, error) { return "1.0", nil }

func (e *scriptedEngine) Pull(context.Context, container.ImageRef, io.Writer) error {
	return e.pullErr
}

func (e *scriptedEngine) Build(_ context.Context, opts container.BuildOptions) error {
	data, err := os.ReadFile(filepath.Join(opts.ContextDir, opts.Dockerfile))
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builds++
	if e.labels == nil {
		e.labels = map[container.ImageRef]map[string]string{}
	}
	e.labels[opts.Tag] = dockerfileLabels(string(data))
	return nil
}

func (e *scriptedEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	fmt.Fprintln(opts.Stdout, "absent")
	return &container.RunResult{}, nil
}

func (e *scriptedEngine) ImageExists(_ context.Context, ref container.ImageRef) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.labels[ref]
	return ok, nil
}

func (e *scriptedEngine) ImageID(_ context.Context, ref container.ImageRef) (string, error) {
	return "sha256:" + strings.NewReplacer("/", "-", ":", "-").Replace(string(ref)), nil
}

func (e *scriptedEngine) ImageLabels(_ context.Context, ref container.ImageRef) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels[ref], nil
}

func (e *scriptedEngine) RemoveImage(_ context.Context, ref container.ImageRef, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.labels, ref)
	return nil
}

func (e *scriptedEngine) buildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builds
}

// dockerfileLabels extracts the key="value" pairs of a LABEL instruction.
func dockerfileLabels(dockerfile string) map[string]string {
	labels := map[string]string{}
	_, body, ok := strings.Cut(dockerfile, "LABEL ")
	if !ok {
		return labels
	}
	for _, line := range strings.Split(body, "\\\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if unquoted, err := strconv.Unquote(v); err == nil {
			v = unquoted
		}
		labels[k] = v
	}
	return labels
}

// newTestEnv builds an App on a scripted engine with the ledger and lock
// manifest stored in a temporary directory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DefinitionFile = filepath.Join(dir, config.DefaultDefinitionFile)
	cfg.Ledger.Path = filepath.Join(dir, "state", config.LedgerFileName)
	cfg.Provision.PullBackoff = 0

	env := &testEnv{
		cfg:    cfg,
		engine: &scriptedEngine{},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		dir:    dir,
	}
	env.app = NewApp(Dependencies{
		Config: staticConfig{cfg: cfg},
		Engines: func(container.EngineType) (container.Engine, error) {
			return env.engine, nil
		},
		Stdout: env.stdout,
		Stderr: env.stderr,
	})
	return env
}

// execute runs the command tree without fang and returns the command error.
func (e *testEnv) execute(t *testing.T, args ...string) error {
	t.Helper()
	e.stdout.Reset()
	e.stderr.Reset()
	root := NewRootCommand(e.app)
	root.SetArgs(args)
	return root.ExecuteContext(t.Context())
}

// writeDefinition writes def to the configured definition file.
func (e *testEnv) writeDefinition(t *testing.T, def *envdef.Definition) {
	t.Helper()
	if err := os.WriteFile(e.cfg.DefinitionFile, []byte(envdef.GenerateCUE(def)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func (e *testEnv) lockPath() string {
	return e.cfg.LockPath(e.cfg.DefinitionFile)
}

func TestInitCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	path := filepath.Join(env.dir, "env.cue")

	if err := env.execute(t, "init", path, "--label", "team/builder"); err != nil {
		t.Fatalf("init error = %v", err)
	}
	if !strings.Contains(env.stdout.String(), "Created") {
		t.Errorf("stdout = %q, want a Created line", env.stdout.String())
	}

	def, err := envdef.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if def.Label != "team/builder" {
		t.Errorf("Label = %q, want %q", def.Label, "team/builder")
	}
	if !def.Packages.Equal(envdef.Default().Packages) {
		t.Errorf("Packages = %v, want the default set", def.Packages)
	}

	if err := env.execute(t, "init", path); err == nil {
		t.Error("init over an existing file should fail without --force")
	}
	if err := env.execute(t, "init", path, "--force"); err != nil {
		t.Errorf("init --force error = %v", err)
	}
}

func TestInitCommand_InvalidLabel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	path := filepath.Join(env.dir, "env.cue")

	err := env.execute(t, "init", path, "--label", "Not A Label")
	if !errors.Is(err, envdef.ErrInvalidDefinition) {
		t.Fatalf("init error = %v, want ErrInvalidDefinition", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("no file should be written for an invalid label")
	}
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	def := envdeftest.NewTestDefinition("team/builder",
		envdeftest.WithPackages("git", "make"),
		envdeftest.WithExtension("lint", "1.0", "shellcheck"),
	)
	env.writeDefinition(t, def)

	if err := env.execute(t, "validate"); err != nil {
		t.Fatalf("validate error = %v", err)
	}
	out := env.stdout.String()
	for _, want := range []string{"is valid", def.ImageTag(), "git make", "apk", "team/builder-lint:1.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantIssue issue.Id
	}{
		{
			name:      "missing file",
			wantIssue: issue.DefinitionNotFoundId,
		},
		{
			name: "unpinned toolchain",
			content: `label: "team/builder"
toolchain: {distribution: "go", version: "latest", os_variant: "alpine"}
packages: ["git"]
context_root: "/app"
`,
			wantIssue: issue.UnpinnedToolchainId,
		},
		{
			name:      "syntax error",
			content:   "label: \"team/builder\"\ntoolchain: {\n",
			wantIssue: issue.DefinitionParseErrorId,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			if tt.content != "" {
				if err := os.WriteFile(env.cfg.DefinitionFile, []byte(tt.content), 0o644); err != nil {
					t.Fatalf("WriteFile() error = %v", err)
				}
			}

			err := env.execute(t, "validate")
			if err == nil {
				t.Fatal("validate should fail")
			}
			class := classifyError(err)
			if class.issue != tt.wantIssue {
				t.Errorf("issue = %d, want %d (err: %v)", class.issue, tt.wantIssue, err)
			}
			if class.code != types.ExitInvalidDefinition {
				t.Errorf("exit code = %d, want %d", class.code, types.ExitInvalidDefinition)
			}
		})
	}
}

func TestRenderCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	def := envdeftest.NewTestDefinition("team/builder", envdeftest.WithExtension("lint", "1.0", "shellcheck"))
	env.writeDefinition(t, def)

	if err := env.execute(t, "render"); err != nil {
		t.Fatalf("render error = %v", err)
	}
	base := env.stdout.String()
	if !strings.Contains(base, "FROM "+def.Toolchain.ImageRef()) {
		t.Errorf("rendered Dockerfile does not start from the toolchain:\n%s", base)
	}
	if !strings.Contains(base, "WORKDIR /app") {
		t.Errorf("rendered Dockerfile does not set the context root:\n%s", base)
	}

	if err := env.execute(t, "render", "--extension", "lint"); err != nil {
		t.Fatalf("render --extension error = %v", err)
	}
	ext := env.stdout.String()
	if !strings.Contains(ext, "FROM "+def.ImageTag()) || !strings.Contains(ext, "shellcheck") {
		t.Errorf("extension Dockerfile not layered on the labeled image:\n%s", ext)
	}

	err := env.execute(t, "render", "--extension", "nope")
	if err == nil || !strings.Contains(err.Error(), `extension "nope" is not defined`) {
		t.Errorf("render unknown extension error = %v", err)
	}
}

func TestProvisionCommand(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	def := envdeftest.NewTestDefinition("team/builder", envdeftest.WithPackages("git", "make"))
	env.writeDefinition(t, def)

	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("provision error = %v", err)
	}
	out := env.stdout.String()
	for _, want := range []string{"Labeled", def.ImageTag(), "FROM " + def.ImageTag(), "WORKDIR /app", "Wrote"} {
		if !strings.Contains(out, want) {
			t.Errorf("provision output missing %q:\n%s", want, out)
		}
	}

	m, err := lockfile.Read(env.lockPath())
	if err != nil {
		t.Fatalf("lockfile.Read() error = %v", err)
	}
	if m.Image != def.ImageTag() || m.Digest == "" {
		t.Errorf("lock = %+v, want image %s with a digest", m, def.ImageTag())
	}
	if m.DefinitionHash != def.Hash() {
		t.Errorf("lock definition hash = %s, want %s", m.DefinitionHash, def.Hash())
	}

	builds := env.engine.buildCount()
	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("second provision error = %v", err)
	}
	if !strings.Contains(env.stdout.String(), "Reused") {
		t.Errorf("second provision should reuse the image:\n%s", env.stdout.String())
	}
	if got := env.engine.buildCount(); got != builds {
		t.Errorf("second provision built %d images, want none", got-builds)
	}

	if err := env.execute(t, "provision", "--force", "--no-lock"); err != nil {
		t.Fatalf("provision --force error = %v", err)
	}
	if env.engine.buildCount() == builds {
		t.Error("provision --force should rebuild")
	}
	if strings.Contains(env.stdout.String(), "Wrote") {
		t.Error("provision --no-lock should not write the lock manifest")
	}
}

func TestProvisionCommand_ToolchainUnavailable(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	env.cfg.Provision.PullAttempts = 1
	env.engine.pullErr = errors.New("manifest for golang:1.21-alpine not found: manifest unknown")
	env.writeDefinition(t, envdeftest.NewTestDefinition("team/builder"))

	err := env.execute(t, "provision")
	if err == nil {
		t.Fatal("provision should fail")
	}
	class := classifyError(err)
	if class.issue != issue.ToolchainUnavailableId || class.code != types.ExitToolchainUnavailable {
		t.Errorf("classifyError() = %+v, want toolchain unavailable (err: %v)", class, err)
	}
	if _, statErr := os.Stat(env.lockPath()); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("a failed provisioning must not write the lock manifest")
	}
}

func TestExtendCommand(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	def := envdeftest.NewTestDefinition("team/builder", envdeftest.WithExtension("lint", "1.0", "shellcheck"))
	env.writeDefinition(t, def)

	if err := env.execute(t, "extend", "--name", "lint"); err != nil {
		t.Fatalf("extend error = %v", err)
	}
	if !strings.Contains(env.stdout.String(), "team/builder-lint:1.0") {
		t.Errorf("extend output missing the extension label:\n%s", env.stdout.String())
	}

	m, err := lockfile.Read(env.lockPath())
	if err != nil {
		t.Fatalf("lockfile.Read() error = %v", err)
	}
	ext, ok := m.Extension("lint")
	if !ok {
		t.Fatalf("lock has no lint extension: %+v", m)
	}
	if ext.Image != "team/builder-lint:1.0" || ext.Digest == "" {
		t.Errorf("locked extension = %+v", ext)
	}

	// Re-provisioning the base keeps the locked extension.
	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("provision error = %v", err)
	}
	m, err = lockfile.Read(env.lockPath())
	if err != nil {
		t.Fatalf("lockfile.Read() error = %v", err)
	}
	if _, ok := m.Extension("lint"); !ok {
		t.Error("provision dropped the locked extension")
	}

	err = env.execute(t, "extend", "--name", "nope")
	if err == nil || !strings.Contains(err.Error(), `extension "nope" is not defined`) {
		t.Errorf("extend unknown extension error = %v", err)
	}
}

func TestVerifyCommand(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	def := envdeftest.NewTestDefinition("team/builder")
	env.writeDefinition(t, def)

	err := env.execute(t, "verify")
	if !errors.Is(err, lockfile.ErrNoLockFile) {
		t.Fatalf("verify without lock error = %v, want ErrNoLockFile", err)
	}

	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("provision error = %v", err)
	}
	if err := env.execute(t, "verify"); err != nil {
		t.Fatalf("verify error = %v\n%s", err, env.stdout.String())
	}
	if !strings.Contains(env.stdout.String(), "matches") {
		t.Errorf("verify output = %q", env.stdout.String())
	}

	// Changing the package set breaks the lock.
	env.writeDefinition(t, envdeftest.NewTestDefinition("team/builder", envdeftest.WithPackages("git", "make")))
	err = env.execute(t, "verify", "--offline")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != types.ExitVerifyMismatch {
		t.Fatalf("verify error = %v, want ExitVerifyMismatch", err)
	}
	out := env.stdout.String()
	if !strings.Contains(out, "packages") || !strings.Contains(out, "definition_hash") {
		t.Errorf("verify output should list the differences:\n%s", out)
	}
	if class := classifyError(err); class.issue != issue.LockMismatchId {
		t.Errorf("issue = %d, want LockMismatchId", class.issue)
	}
}

func TestVerifyCommand_MissingImage(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	def := envdeftest.NewTestDefinition("team/builder")
	env.writeDefinition(t, def)

	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("provision error = %v", err)
	}
	_ = env.engine.RemoveImage(t.Context(), container.ImageRef(def.ImageTag()), true)

	err := env.execute(t, "verify")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != types.ExitVerifyMismatch {
		t.Fatalf("verify error = %v, want ExitVerifyMismatch", err)
	}
	if !strings.Contains(env.stdout.String(), notPresent) {
		t.Errorf("verify output should report the missing image:\n%s", env.stdout.String())
	}

	if err := env.execute(t, "verify", "--offline"); err != nil {
		t.Errorf("verify --offline error = %v", err)
	}
}

func TestHistoryCommand(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)

	if err := env.execute(t, "history"); err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(env.stdout.String(), "No provisioning runs recorded") {
		t.Errorf("empty history output = %q", env.stdout.String())
	}

	env.writeDefinition(t, envdeftest.NewTestDefinition("team/builder"))
	if err := env.execute(t, "provision"); err != nil {
		t.Fatalf("provision error = %v", err)
	}

	if err := env.execute(t, "history", "--label", "team/builder"); err != nil {
		t.Fatalf("history error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(env.stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("history output has %d lines, want header, rule and one run:\n%s", len(lines), env.stdout.String())
	}
	if !strings.Contains(lines[2], "labeled") || !strings.Contains(lines[2], "team/builder") {
		t.Errorf("history row = %q", lines[2])
	}

	id := strings.Fields(lines[2])[0]
	if err := env.execute(t, "history", id); err != nil {
		t.Fatalf("history %s error = %v", id, err)
	}
	detail := env.stdout.String()
	for _, want := range []string{"Transitions", "toolchain-selected", "packages-installed", "context-root-established"} {
		if !strings.Contains(detail, want) {
			t.Errorf("run detail missing %q:\n%s", want, detail)
		}
	}
}

func TestHistoryCommand_LedgerDisabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.Ledger.Enabled = false

	err := env.execute(t, "history")
	if !errors.Is(err, errLedgerDisabled) {
		t.Errorf("history error = %v, want errLedgerDisabled", err)
	}
}

func TestConfigCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	if err := env.execute(t, "config", "show", "--engine", "podman"); err != nil {
		t.Fatalf("config show error = %v", err)
	}
	out := env.stdout.String()
	for _, want := range []string{"(defaults)", "podman", env.cfg.Ledger.Path, "lock.file"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}

	if err := env.execute(t, "config", "dump"); err != nil {
		t.Fatalf("config dump error = %v", err)
	}
	if !strings.Contains(env.stdout.String(), `container_engine: "docker"`) {
		t.Errorf("config dump = %q", env.stdout.String())
	}

	explicit := filepath.Join(env.dir, "custom.cue")
	if err := env.execute(t, "config", "path", "--config", explicit); err != nil {
		t.Fatalf("config path error = %v", err)
	}
	if got := strings.TrimSpace(env.stdout.String()); got != explicit {
		t.Errorf("config path = %q, want %q", got, explicit)
	}
}

func TestSession_InvalidEngineFlag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	err := env.execute(t, "config", "show", "--engine", "containerd")
	if !errors.Is(err, config.ErrInvalidContainerEngine) {
		t.Errorf("error = %v, want ErrInvalidContainerEngine", err)
	}
}

func TestSession_EngineUnavailable(t *testing.T) {
	env := newTestEnv(t)
	testutil.IsolateUserDirs(t, env.dir)
	env.app.Engines = func(container.EngineType) (container.Engine, error) {
		return nil, container.ErrNoEngineAvailable
	}
	env.writeDefinition(t, envdeftest.NewTestDefinition("team/builder"))

	err := env.execute(t, "provision")
	if class := classifyError(err); class.issue != issue.ContainerEngineNotFoundId {
		t.Errorf("issue = %d, want ContainerEngineNotFoundId (err: %v)", class.issue, err)
	}
}
