// SPDX-License-Identifier: MPL-2.0

package envdef

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/buildenv/buildenv/pkg/cueutil"
)

// DefaultFileName is the conventional name of a definition file.
const DefaultFileName = "buildenv.cue"

//go:embed envdef_schema.cue
var definitionSchema []byte

// ParseFile reads, parses and validates the definition at path.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment definition at %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes CUE definition content, fills defaults, deduplicates the
// package sets and validates the result. filename is used in error messages.
func Parse(data []byte, filename string) (*Definition, error) {
	result, err := cueutil.ParseAndDecode[Definition](
		definitionSchema,
		data,
		"#Definition",
		cueutil.WithFilename(filename),
	)
	if err != nil {
		return nil, err
	}

	def := result.Value
	def.FilePath = filename
	def.Normalize()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Default returns the stock Go build environment: Go 1.21 on Alpine with
// git, make, protoc and the protobuf headers, rooted at /app.
func Default() *Definition {
	return &Definition{
		Label: "buildenv/go-builder",
		Toolchain: Toolchain{
			Distribution: DistributionGo,
			Version:      "1.21",
			OSVariant:    "alpine",
		},
		Packages:    PackageSet{"git", "make", "protoc", "protobuf-dev"},
		ContextRoot: DefaultContextRoot,
	}
}
