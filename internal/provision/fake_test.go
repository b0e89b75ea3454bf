// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/buildenv/buildenv/pkg/envdef"
)

// fakeBackend implements Backend in memory.
type fakeBackend struct {
	mu sync.Mutex

	fetchErr    error
	failPackage envdef.Package
	pathInfo    PathInfo
	commitErr   error

	fetches   int
	installed []envdef.PackageSet
	roots     []envdef.ContextRoot
	created   []Layer
	discarded []Layer
	images    map[string]ImageInfo
	seq       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{images: map[string]ImageInfo{}}
}

func (f *fakeBackend) layer(step string) Layer {
	f.seq++
	l := Layer{Ref: fmt.Sprintf("fake-intermediate:%s-%d", step, f.seq), Intermediate: true}
	f.created = append(f.created, l)
	return l
}

func (f *fakeBackend) FetchToolchain(_ context.Context, tc envdef.Toolchain) (Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return Layer{}, f.fetchErr
	}
	return Layer{Ref: tc.ImageRef()}, nil
}

func (f *fakeBackend) InstallPackages(_ context.Context, _ Layer, _ PackageManager, pkgs envdef.PackageSet) (Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, slices.Clone(pkgs))
	if f.failPackage != "" && pkgs.Contains(f.failPackage.Name()) {
		return Layer{}, &PackageInstallFailedError{Package: f.failPackage, Output: "ERROR: unable to select packages"}
	}
	return f.layer("packages"), nil
}

func (f *fakeBackend) InspectPath(context.Context, Layer, envdef.ContextRoot) (PathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pathInfo, nil
}

func (f *fakeBackend) EstablishContextRoot(_ context.Context, _ Layer, root envdef.ContextRoot) (Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, root)
	return f.layer("context-root"), nil
}

func (f *fakeBackend) Commit(_ context.Context, _ Layer, image string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	h := sha256.New()
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		if k == LabelOCICreated {
			continue
		}
		fmt.Fprintf(h, "%s=%s\n", k, labels[k])
	}
	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	f.images[image] = ImageInfo{Digest: digest, Labels: maps.Clone(labels)}
	return digest, nil
}

func (f *fakeBackend) Lookup(_ context.Context, image string) (ImageInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.images[image]
	return info, ok, nil
}

func (f *fakeBackend) Discard(_ context.Context, layers []Layer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range layers {
		if l.Intermediate {
			f.discarded = append(f.discarded, l)
		}
	}
	return nil
}

// fakeRecorder implements Recorder in memory.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	states   []State
	outcomes []Outcome
}

func (r *fakeRecorder) StartRun(_ context.Context, label, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, label)
	return fmt.Sprintf("run-%d", len(r.started)), nil
}

func (r *fakeRecorder) RecordState(_ context.Context, _ string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *fakeRecorder) FinishRun(_ context.Context, _ string, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	return nil
}
