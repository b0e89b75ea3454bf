// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildenv/buildenv/internal/container"
	"github.com/buildenv/buildenv/internal/lockfile"
)

const (
	// ContainerEnginePodman uses Podman as the container runtime.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker as the container runtime.
	ContainerEngineDocker ContainerEngine = "docker"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"

	// DefaultDefinitionFile is the definition looked up when no path is given.
	DefaultDefinitionFile = "buildenv.cue"
	// LedgerFileName is the ledger database name inside StateDir.
	LedgerFileName = "ledger.db"

	maxPullAttempts = 10
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidProvisionConfig is the sentinel error wrapped by InvalidProvisionConfigError.
	ErrInvalidProvisionConfig = errors.New("invalid provision config")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine specifies which container runtime to use.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	// It wraps ErrInvalidContainerEngine for errors.Is() compatibility.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// InvalidColorSchemeError is returned when a ColorScheme value is not recognized.
	// It wraps ErrInvalidColorScheme for errors.Is() compatibility.
	InvalidColorSchemeError struct {
		Value ColorScheme
	}

	// InvalidProvisionConfigError is returned when a ProvisionConfig has invalid fields.
	InvalidProvisionConfigError struct {
		FieldErrors []error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors from all sections.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine specifies whether to use "podman" or "docker".
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// DefinitionFile is the environment definition used when no path argument is given.
		DefinitionFile string `json:"definition_file" mapstructure:"definition_file"`
		// Provision tunes the provisioner.
		Provision ProvisionConfig `json:"provision" mapstructure:"provision"`
		// Ledger configures the run ledger database.
		Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`
		// Lock configures the lock manifest written after provisioning.
		Lock LockConfig `json:"lock" mapstructure:"lock"`
		// UI configures the user interface.
		UI UIConfig `json:"ui" mapstructure:"ui"`

		// Source is the file the configuration was read from ("" for defaults only).
		Source string `json:"-" mapstructure:"-"`
	}

	// ProvisionConfig tunes toolchain fetching and intermediate image handling.
	ProvisionConfig struct {
		// PullAttempts is the number of toolchain fetch attempts.
		PullAttempts int `json:"pull_attempts" mapstructure:"pull_attempts"`
		// PullBackoff is the base delay between fetch attempts; it doubles each retry.
		PullBackoff time.Duration `json:"pull_backoff" mapstructure:"pull_backoff"`
		// KeepIntermediate keeps per-step images after a successful run.
		KeepIntermediate bool `json:"keep_intermediate" mapstructure:"keep_intermediate"`
	}

	// LedgerConfig configures the run ledger.
	LedgerConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled"`
		// Path overrides the database location (default: StateDir()/ledger.db).
		Path string `json:"path" mapstructure:"path"`
	}

	// LockConfig configures the lock manifest.
	LockConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled"`
		// File is resolved relative to the definition file's directory.
		File string `json:"file" mapstructure:"file"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		// ColorScheme selects the glamour style used for issue guides.
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
		// Verbose enables debug logging.
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}
)

// Error implements the error interface for InvalidContainerEngineError.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: podman, docker)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidContainerEngineError) Unwrap() error {
	return ErrInvalidContainerEngine
}

// String returns the string representation of the ContainerEngine.
func (ce ContainerEngine) String() string { return string(ce) }

// Validate returns an *InvalidContainerEngineError unless the engine is podman or docker.
func (ce ContainerEngine) Validate() error {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker:
		return nil
	default:
		return &InvalidContainerEngineError{Value: ce}
	}
}

// EngineType converts the configured engine to the transport's engine type.
func (ce ContainerEngine) EngineType() container.EngineType {
	return container.EngineType(ce)
}

// Error implements the error interface for InvalidColorSchemeError.
func (e *InvalidColorSchemeError) Error() string {
	return fmt.Sprintf("invalid color scheme %q (valid: auto, dark, light)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidColorSchemeError) Unwrap() error {
	return ErrInvalidColorScheme
}

// String returns the string representation of the ColorScheme.
func (cs ColorScheme) String() string { return string(cs) }

// Validate returns an *InvalidColorSchemeError for unknown schemes.
func (cs ColorScheme) Validate() error {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return nil
	default:
		return &InvalidColorSchemeError{Value: cs}
	}
}

// Validate checks retry bounds.
func (c ProvisionConfig) Validate() error {
	var errs []error
	if c.PullAttempts < 1 || c.PullAttempts > maxPullAttempts {
		errs = append(errs, fmt.Errorf("pull_attempts must be between 1 and %d, got %d", maxPullAttempts, c.PullAttempts))
	}
	if c.PullBackoff < 0 {
		errs = append(errs, fmt.Errorf("pull_backoff must not be negative, got %s", c.PullBackoff))
	}
	if len(errs) > 0 {
		return &InvalidProvisionConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface for InvalidProvisionConfigError.
func (e *InvalidProvisionConfigError) Error() string {
	return fmt.Sprintf("invalid provision config: %s", errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidProvisionConfig for errors.Is() compatibility.
func (e *InvalidProvisionConfigError) Unwrap() error { return ErrInvalidProvisionConfig }

// Validate aggregates field errors from every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.ContainerEngine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.DefinitionFile) == "" {
		errs = append(errs, errors.New("definition_file must not be empty"))
	}
	if err := c.Provision.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Lock.Enabled && strings.TrimSpace(c.Lock.File) == "" {
		errs = append(errs, errors.New("lock.file must not be empty when the lock manifest is enabled"))
	}
	if err := c.UI.ColorScheme.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %d field error(s): %s", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// LedgerPath returns the ledger database location, falling back to StateDir.
func (c Config) LedgerPath() (string, error) {
	if c.Ledger.Path != "" {
		return c.Ledger.Path, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LedgerFileName), nil
}

// LockPath returns the lock manifest location for the given definition file.
func (c Config) LockPath(definitionFile string) string {
	return lockfile.Path(definitionFile, c.Lock.File)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		DefinitionFile:  DefaultDefinitionFile,
		Provision: ProvisionConfig{
			PullAttempts:     3,
			PullBackoff:      2 * time.Second,
			KeepIntermediate: false,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Path:    "", // StateDir()/ledger.db
		},
		Lock: LockConfig{
			Enabled: true,
			File:    lockfile.DefaultFileName,
		},
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
			Verbose:     false,
		},
	}
}
