// SPDX-License-Identifier: MPL-2.0

package envdef

import (
	"fmt"
	"strings"
)

// GenerateCUE renders a definition as CUE source accepted by Parse.
func GenerateCUE(def *Definition) string {
	var sb strings.Builder

	sb.WriteString("// Build environment definition for buildenv.\n")
	sb.WriteString("// Extensions are layered on top of the labeled environment by consuming builds.\n\n")

	fmt.Fprintf(&sb, "label: %q\n\n", def.Label)

	sb.WriteString("toolchain: {\n")
	fmt.Fprintf(&sb, "\tdistribution: %q\n", def.Toolchain.Distribution)
	fmt.Fprintf(&sb, "\tversion:      %q\n", def.Toolchain.Version)
	fmt.Fprintf(&sb, "\tos_variant:   %q\n", def.Toolchain.OSVariant)
	if def.Toolchain.Digest != "" {
		fmt.Fprintf(&sb, "\tdigest:       %q\n", def.Toolchain.Digest)
	}
	if def.Toolchain.Registry != "" {
		fmt.Fprintf(&sb, "\tregistry:     %q\n", def.Toolchain.Registry)
	}
	sb.WriteString("}\n\n")

	fmt.Fprintf(&sb, "packages: %s\n\n", cueList(def.Packages))
	fmt.Fprintf(&sb, "context_root: %q\n", def.ContextRoot)

	if len(def.Extensions) > 0 {
		sb.WriteString("\nextensions: [\n")
		for _, ext := range def.Extensions {
			sb.WriteString("\t{\n")
			fmt.Fprintf(&sb, "\t\tname:     %q\n", ext.Name)
			fmt.Fprintf(&sb, "\t\tversion:  %q\n", ext.Version)
			fmt.Fprintf(&sb, "\t\tpackages: %s\n", cueList(ext.Packages))
			sb.WriteString("\t},\n")
		}
		sb.WriteString("]\n")
	}

	return sb.String()
}

func cueList(set PackageSet) string {
	quoted := make([]string, len(set))
	for i, p := range set {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
