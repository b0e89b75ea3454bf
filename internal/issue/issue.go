// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type Id int

const (
	DefinitionNotFoundId Id = iota + 1
	DefinitionParseErrorId
	UnpinnedToolchainId
	ToolchainUnavailableId
	PackageInstallFailedId
	ContextRootConflictId
	ContainerEngineNotFoundId
	ConfigLoadFailedId
	LockMismatchId
	PermissionDeniedId
)

type MarkdownMsg string

type HttpLink string

type Renderer interface {
	Render(in string, stylePath string) (string, error)
}

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink  // buildenv documentation for this issue
	extLinks []HttpLink  // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the issue as terminal Markdown using a glamour style
// ("auto", "dark", "light", ...).
func (i *Issue) Render(stylePath string) (string, error) {
	var sb strings.Builder
	sb.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		sb.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			sb.WriteString("- " + string(link) + "\n")
		}
		for _, link := range i.extLinks {
			sb.WriteString("- " + string(link) + "\n")
		}
	}
	return render(sb.String(), stylePath)
}

var (
	render = glamour.Render

	definitionNotFoundIssue = &Issue{
		id: DefinitionNotFoundId,
		mdMsg: `
# No environment definition found!

buildenv looks for ` + "`buildenv.cue`" + ` in the current directory, or for the
file set as ` + "`definition_file`" + ` in your configuration.

## Things you can try:
- Create the default definition (Go 1.21 on alpine, git/make/protoc, /app):
~~~
$ buildenv init
~~~

- Or point at an existing file:
~~~
$ buildenv provision path/to/env.cue
~~~`,
	}

	definitionParseErrorIssue = &Issue{
		id: DefinitionParseErrorId,
		mdMsg: `
# Failed to parse the environment definition!

The definition has a CUE syntax error or does not match the schema.

## Common causes:
- Missing quotes around strings
- A misspelled or unknown field (definitions are closed)
- A package name with spaces or upper-case letters
- A context root that is not an absolute path

## Example definition:
~~~cue
label: "monorepo/go-builder"
toolchain: {distribution: "go", version: "1.21", os_variant: "alpine"}
packages: ["git", "make", "protoc", "protobuf-dev"]
context_root: "/app"
~~~

## Things you can try:
- Check the definition without building anything:
~~~
$ buildenv validate
~~~`,
	}

	unpinnedToolchainIssue = &Issue{
		id: UnpinnedToolchainId,
		mdMsg: `
# The toolchain version is not pinned!

Floating versions (` + "`latest`" + `, ` + "`stable`" + `, ` + "`1`" + `, ` + "`1.x`" + `) resolve to different images
over time, so two runs of the same definition could produce different
environments. buildenv refuses them before fetching anything.

## Things you can try:
- Use an explicit minor or patch version:
~~~cue
toolchain: {distribution: "go", version: "1.21", os_variant: "alpine"}
~~~
- For byte-for-byte reproducibility, also pin the image digest:
~~~cue
toolchain: {version: "1.21.6", os_variant: "alpine", digest: "sha256:…"}
~~~`,
		extLinks: []HttpLink{"https://hub.docker.com/_/golang"},
	}

	toolchainUnavailableIssue = &Issue{
		id: ToolchainUnavailableId,
		mdMsg: `
# The toolchain image could not be fetched!

The requested version and OS variant do not exist in the registry, or the
registry could not be reached and no local copy of the image exists.

## Things you can try:
- Check that the tag exists (e.g. ` + "`golang:1.21-alpine`" + `)
- Check network access to the registry, then retry
- Pull the image manually to see the engine's own error:
~~~
$ docker pull golang:1.21-alpine
~~~
- Use a registry mirror with ` + "`toolchain.registry`" + ` in the definition`,
		extLinks: []HttpLink{"https://hub.docker.com/_/golang"},
	}

	packageInstallFailedIssue = &Issue{
		id: PackageInstallFailedId,
		mdMsg: `
# A package could not be installed!

Installation is all-or-nothing: no environment was labeled and the
intermediate images were removed.

## Common causes:
- The package name does not exist for this OS variant
  (apk names on alpine differ from apt names on debian)
- A pinned package version is not in the repository
- The package repository could not be reached

## Things you can try:
- Search the package index of your OS variant
- Remove or fix the version pin
- Re-run with ` + "`--verbose`" + ` to see the package manager output`,
		extLinks: []HttpLink{
			"https://pkgs.alpinelinux.org/packages",
			"https://packages.debian.org/",
		},
	}

	contextRootConflictIssue = &Issue{
		id: ContextRootConflictId,
		mdMsg: `
# The context root is already occupied!

The build context root must be an empty directory when it is established.
The toolchain image or an installed package already put content at that path.

## Things you can try:
- Choose a different ` + "`context_root`" + ` in the definition (e.g. ` + "`/src`" + `)
- Check which package installs files there`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

buildenv builds environments with Docker or Podman, and neither could be found.

## Things you can try:
- Install Docker or Podman
- Make sure the engine binary is on your PATH
- Select an engine explicitly:
~~~
$ buildenv provision --engine podman
~~~`,
		extLinks: []HttpLink{
			"https://docs.docker.com/engine/install/",
			"https://podman.io/docs/installation",
		},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

The configuration file has a CUE syntax error or an invalid value.

## Things you can try:
- Show where the configuration is read from:
~~~
$ buildenv config path
~~~
- Print the effective configuration with defaults:
~~~
$ buildenv config show
~~~
- Remove the file to fall back to the defaults`,
	}

	lockMismatchIssue = &Issue{
		id: LockMismatchId,
		mdMsg: `
# The environment no longer matches its lock file!

` + "`buildenv.lock.toml`" + ` records what the label resolved to when it was provisioned.
The definition or the labeled image has changed since.

## Things you can try:
- If the change is intended, rebuild and update the lock file:
~~~
$ buildenv provision --force
~~~
- Otherwise restore the definition from version control`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

buildenv could not talk to the container engine or write one of its files.

## Things you can try:
- Add your user to the ` + "`docker`" + ` group, or use rootless Podman
- Check the permissions of the definition directory and the ledger path`,
	}

	issues = map[Id]*Issue{
		definitionNotFoundIssue.Id():      definitionNotFoundIssue,
		definitionParseErrorIssue.Id():    definitionParseErrorIssue,
		unpinnedToolchainIssue.Id():       unpinnedToolchainIssue,
		toolchainUnavailableIssue.Id():    toolchainUnavailableIssue,
		packageInstallFailedIssue.Id():    packageInstallFailedIssue,
		contextRootConflictIssue.Id():     contextRootConflictIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		lockMismatchIssue.Id():            lockMismatchIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
	}
)

// Values returns every issue ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
