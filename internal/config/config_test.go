// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/buildenv/buildenv/internal/issue"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := DefaultConfig()
	if cfg.ContainerEngine != want.ContainerEngine {
		t.Errorf("ContainerEngine = %q, want %q", cfg.ContainerEngine, want.ContainerEngine)
	}
	if cfg.Provision != want.Provision {
		t.Errorf("Provision = %+v, want %+v", cfg.Provision, want.Provision)
	}
	if cfg.Lock != want.Lock {
		t.Errorf("Lock = %+v, want %+v", cfg.Lock, want.Lock)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty", cfg.Source)
	}
}

func TestLoad_FromConfigDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
container_engine: "podman"
provision: {
	pull_attempts: 5
	pull_backoff:  "500ms"
}
ui: color_scheme: "dark"
`)

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ContainerEngine != ContainerEnginePodman {
		t.Errorf("ContainerEngine = %q, want podman", cfg.ContainerEngine)
	}
	if cfg.Provision.PullAttempts != 5 {
		t.Errorf("PullAttempts = %d, want 5", cfg.Provision.PullAttempts)
	}
	if cfg.Provision.PullBackoff != 500*time.Millisecond {
		t.Errorf("PullBackoff = %s, want 500ms", cfg.Provision.PullBackoff)
	}
	if cfg.UI.ColorScheme != ColorSchemeDark {
		t.Errorf("ColorScheme = %q, want dark", cfg.UI.ColorScheme)
	}
	// Untouched keys keep their defaults.
	if cfg.DefinitionFile != DefaultDefinitionFile {
		t.Errorf("DefinitionFile = %q, want %q", cfg.DefinitionFile, DefaultDefinitionFile)
	}
	if !cfg.Lock.Enabled {
		t.Error("Lock.Enabled should default to true")
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ci.cue")
	if err := os.WriteFile(path, []byte(`lock: {enabled: false}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Lock.Enabled {
		t.Error("Lock.Enabled = true, want false")
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.cue")
	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: missing})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *issue.ActionableError, got %T", err)
	}
	if ae.Resource != missing {
		t.Errorf("Resource = %q, want %q", ae.Resource, missing)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"unknown engine", `container_engine: "lxc"`},
		{"unknown field", `runtime: "native"`},
		{"attempts out of range", `provision: pull_attempts: 0`},
		{"bad duration", `provision: pull_backoff: "soon"`},
		{"bad color scheme", `ui: color_scheme: "blue"`},
		{"empty lock file", `lock: file: ""`},
		{"syntax error", `container_engine: "docker`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeConfig(t, dir, tt.content)

			_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
			if err == nil {
				t.Fatal("expected error")
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *issue.ActionableError, got %T: %v", err, err)
			}
			if ae.Operation != "load configuration" {
				t.Errorf("Operation = %q, want %q", ae.Operation, "load configuration")
			}
		})
	}
}

func TestLoad_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProvider().Load(ctx, LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `container_engine: "podman"`)

	t.Setenv("BUILDENV_CONTAINER_ENGINE", "docker")
	t.Setenv("BUILDENV_PROVISION_PULL_BACKOFF", "5s")
	t.Setenv("BUILDENV_UI_VERBOSE", "true")

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ContainerEngine != ContainerEngineDocker {
		t.Errorf("ContainerEngine = %q, want docker (env beats file)", cfg.ContainerEngine)
	}
	if cfg.Provision.PullBackoff != 5*time.Second {
		t.Errorf("PullBackoff = %s, want 5s", cfg.Provision.PullBackoff)
	}
	if !cfg.UI.Verbose {
		t.Error("UI.Verbose = false, want true")
	}
}

func TestLoad_InvalidEnvironmentOverride(t *testing.T) {
	t.Setenv("BUILDENV_CONTAINER_ENGINE", "lxc")

	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	var cfgErr *InvalidConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *InvalidConfigError, got %T", err)
	}
	if len(cfgErr.FieldErrors) != 1 || !errors.Is(cfgErr.FieldErrors[0], ErrInvalidContainerEngine) {
		t.Errorf("FieldErrors = %v, want one ErrInvalidContainerEngine", cfgErr.FieldErrors)
	}
}

func TestGenerateCUE_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ContainerEngine = ContainerEnginePodman
	cfg.Provision.PullBackoff = 1500 * time.Millisecond
	cfg.Provision.KeepIntermediate = true
	cfg.Ledger.Path = "/var/lib/buildenv/ledger.db"
	cfg.UI.Verbose = true

	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	loaded.Source = ""
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", *loaded, *cfg)
	}
}

func TestGenerateCUE_OmitsEmptyLedgerPath(t *testing.T) {
	t.Parallel()

	out := GenerateCUE(DefaultConfig())
	if strings.Contains(out, "path:") {
		t.Errorf("default config should not pin a ledger path:\n%s", out)
	}
	if !strings.Contains(out, `pull_backoff:      "2s"`) {
		t.Errorf("expected pull_backoff as a duration string:\n%s", out)
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := LoadOptions{ConfigDirPath: filepath.Join(dir, "nested")}

	path, err := CreateDefaultConfig(opts)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	if path != filepath.Join(dir, "nested", "config.cue") {
		t.Errorf("path = %q", path)
	}

	// A second call leaves an edited file alone.
	if err := os.WriteFile(path, []byte(`ui: verbose: true`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateDefaultConfig(opts); err != nil {
		t.Fatalf("CreateDefaultConfig() second call error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `ui: verbose: true` {
		t.Errorf("existing config was overwritten: %q", data)
	}
}

func TestConfigDir_XDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG lookup only applies on Linux")
	}

	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")

	got, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join("/tmp/xdg-config", AppName) {
		t.Errorf("ConfigDir() = %q", got)
	}

	state, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if state != filepath.Join("/tmp/xdg-state", AppName) {
		t.Errorf("StateDir() = %q", state)
	}
}

func TestDirOverrides(t *testing.T) {
	t.Cleanup(Reset)

	SetConfigDirOverride("/override/config")
	SetStateDirOverride("/override/state")

	if got, _ := ConfigDir(); got != "/override/config" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got, _ := StateDir(); got != "/override/state" {
		t.Errorf("StateDir() = %q", got)
	}

	ledger, err := DefaultConfig().LedgerPath()
	if err != nil {
		t.Fatal(err)
	}
	if ledger != filepath.Join("/override/state", LedgerFileName) {
		t.Errorf("LedgerPath() = %q", ledger)
	}

	Reset()
	if configDirOverride != "" || stateDirOverride != "" {
		t.Error("Reset() should clear overrides")
	}
}
