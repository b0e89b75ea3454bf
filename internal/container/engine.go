// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// EngineTypePodman selects the Podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker selects the Docker CLI.
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrNoEngineAvailable is the sentinel error wrapped by EngineNotAvailableError.
	ErrNoEngineAvailable = errors.New("no container engine available")
	// ErrInvalidEngineType is the sentinel error wrapped by InvalidEngineTypeError.
	ErrInvalidEngineType = errors.New("invalid container engine type")
	// ErrInvalidImageRef is the sentinel error wrapped by InvalidImageRefError.
	ErrInvalidImageRef = errors.New("invalid image reference")
	// ErrInvalidBuildOptions is returned when BuildOptions are incomplete.
	ErrInvalidBuildOptions = errors.New("invalid build options")
)

type (
	// Engine defines the interface for container image operations.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available checks if the engine is available on the system.
		Available() bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)

		// Pull fetches an image from its registry. Engine output is written to out if non-nil.
		Pull(ctx context.Context, image ImageRef, out io.Writer) error
		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs a command in a new container.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists checks if an image is present locally.
		ImageExists(ctx context.Context, image ImageRef) (bool, error)
		// ImageID returns the content-addressed ID of a local image ("sha256:…").
		ImageID(ctx context.Context, image ImageRef) (string, error)
		// ImageLabels returns the labels recorded on a local image.
		ImageLabels(ctx context.Context, image ImageRef) (map[string]string, error)
		// RemoveImage removes a local image.
		RemoveImage(ctx context.Context, image ImageRef, force bool) error
	}

	// EngineType identifies the container engine type.
	EngineType string

	// ImageRef is an image reference: "name[:tag][@digest]" optionally
	// prefixed by a registry host.
	ImageRef string

	// ContainerID identifies a container by name or ID.
	ContainerID string

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the path to the Dockerfile (relative to ContextDir).
		Dockerfile string
		// Tag is the image tag.
		Tag ImageRef
		// Labels are applied to the built image with --label.
		Labels map[string]string
		// NoCache disables the build cache.
		NoCache bool
		// Stdout is where to write build output.
		Stdout io.Writer
		// Stderr is where to write build errors.
		Stderr io.Writer
	}

	// RunOptions contains options for running a container.
	RunOptions struct {
		// Image is the image to run.
		Image ImageRef
		// Entrypoint overrides the image entrypoint when set.
		Entrypoint string
		// Command is the command to run.
		Command []string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// Env contains environment variables.
		Env map[string]string
		// Remove automatically removes the container after exit.
		Remove bool
		// Name is the container name.
		Name ContainerID
		// Stdin is the standard input.
		Stdin io.Reader
		// Stdout is where to write standard output.
		Stdout io.Writer
		// Stderr is where to write standard error.
		Stderr io.Writer
	}

	// RunResult contains the result of running a container.
	RunResult struct {
		// ContainerID is the container ID, when known.
		ContainerID ContainerID
		// ExitCode is the exit code of the container command.
		ExitCode int
		// Error holds infrastructure failures (binary not found, etc.).
		Error error
	}

	// EngineNotAvailableError is returned when no usable container engine is found.
	EngineNotAvailableError struct {
		Engine EngineType
		Reason string
	}

	// InvalidEngineTypeError is returned when an EngineType is not recognized.
	InvalidEngineTypeError struct {
		Value EngineType
	}

	// InvalidImageRefError is returned when an ImageRef is empty or contains whitespace.
	InvalidImageRefError struct {
		Value ImageRef
	}
)

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrNoEngineAvailable for errors.Is() compatibility.
func (e *EngineNotAvailableError) Unwrap() error { return ErrNoEngineAvailable }

// Error implements the error interface.
func (e *InvalidEngineTypeError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman)", e.Value)
}

// Unwrap returns ErrInvalidEngineType for errors.Is() compatibility.
func (e *InvalidEngineTypeError) Unwrap() error { return ErrInvalidEngineType }

// Error implements the error interface.
func (e *InvalidImageRefError) Error() string {
	return fmt.Sprintf("invalid image reference %q: must be non-empty and contain no whitespace", e.Value)
}

// Unwrap returns ErrInvalidImageRef for errors.Is() compatibility.
func (e *InvalidImageRefError) Unwrap() error { return ErrInvalidImageRef }

// Validate returns an error if the engine type is not docker or podman.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeDocker, EngineTypePodman:
		return nil
	default:
		return &InvalidEngineTypeError{Value: t}
	}
}

// String returns the engine type name.
func (t EngineType) String() string { return string(t) }

// Validate returns an error if the reference is empty or contains whitespace.
func (r ImageRef) Validate() error {
	if r == "" || strings.ContainsAny(string(r), " \t\r\n") {
		return &InvalidImageRefError{Value: r}
	}
	return nil
}

// String returns the reference.
func (r ImageRef) String() string { return string(r) }

// Validate checks that the build has a context directory and a valid tag.
func (o BuildOptions) Validate() error {
	if o.ContextDir == "" {
		return fmt.Errorf("%w: context directory is required", ErrInvalidBuildOptions)
	}
	if o.Tag != "" {
		if err := o.Tag.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the run names a valid image.
func (o RunOptions) Validate() error {
	return o.Image.Validate()
}

// NewEngine creates a container engine based on preference, falling back to
// the other engine when the preferred one is unavailable.
func NewEngine(preferredType EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		engine := NewPodmanEngine(opts...)
		if engine.Available() {
			return engine, nil
		}
		dockerEngine := NewDockerEngine(opts...)
		if dockerEngine.Available() {
			return dockerEngine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: EngineTypePodman,
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		engine := NewDockerEngine(opts...)
		if engine.Available() {
			return engine, nil
		}
		podmanEngine := NewPodmanEngine(opts...)
		if podmanEngine.Available() {
			return podmanEngine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: EngineTypeDocker,
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	default:
		return nil, &InvalidEngineTypeError{Value: preferredType}
	}
}

// AutoDetectEngine tries to find an available container engine.
func AutoDetectEngine(opts ...BaseCLIEngineOption) (Engine, error) {
	if docker := NewDockerEngine(opts...); docker.Available() {
		return docker, nil
	}
	if podman := NewPodmanEngine(opts...); podman.Available() {
		return podman, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (docker or podman) is available on this system",
	}
}
