// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/buildenv/buildenv/pkg/envdef"
)

var (
	apkFailurePatterns = []*regexp.Regexp{
		// ERROR: unable to select packages:
		//   nosuchpkg (no such package):
		regexp.MustCompile(`(?m)^\s+(\S+) \(no such package\)`),
		//   git-2.43.0-r0:
		//     breaks: world[git=9.9]
		regexp.MustCompile(`(?m)^\s+(\S+):\s*\n\s+breaks:`),
		// ERROR: protoc-24.4-r0: trying to overwrite ...
		regexp.MustCompile(`(?m)^ERROR: (\S+?):`),
	}

	aptFailurePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^E: Unable to locate package (\S+)`),
		regexp.MustCompile(`(?m)^E: Package '([^']+)' has no installation candidate`),
		regexp.MustCompile(`(?m)^E: Version '[^']+' for '([^']+)' was not found`),
		regexp.MustCompile(`(?m)^E: Couldn't find any package by (?:glob|regex) '([^']+)'`),
		regexp.MustCompile(`(?m)^ (\S+) : Depends: `),
	}
)

type (
	// PackageManager knows how to install a package set on one OS family and
	// how to attribute an installation failure to a package.
	PackageManager interface {
		// Family returns the package family the manager serves.
		Family() envdef.PackageFamily
		// InstallScript returns a POSIX shell script installing pkgs in order
		// without leaving package index caches behind.
		InstallScript(pkgs envdef.PackageSet) (string, error)
		// ProbeScript returns a script that fails only when pkg cannot be installed.
		ProbeScript(pkg envdef.Package) (string, error)
		// FailingPackage returns the first package of pkgs, in install order,
		// that output reports as failed.
		FailingPackage(output string, pkgs envdef.PackageSet) (envdef.Package, bool)
	}

	apkManager struct{}

	aptManager struct{}
)

// PackageManagerFor returns the package manager of a package family.
func PackageManagerFor(family envdef.PackageFamily) (PackageManager, error) {
	switch family {
	case envdef.FamilyAPK:
		return apkManager{}, nil
	case envdef.FamilyAPT:
		return aptManager{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPackageFamily, family)
	}
}

func (apkManager) Family() envdef.PackageFamily { return envdef.FamilyAPK }

func (apkManager) InstallScript(pkgs envdef.PackageSet) (string, error) {
	args, err := quotePackages(pkgs)
	if err != nil {
		return "", err
	}
	return checkScript("apk add --no-cache " + args)
}

func (apkManager) ProbeScript(pkg envdef.Package) (string, error) {
	args, err := quotePackages(envdef.PackageSet{pkg})
	if err != nil {
		return "", err
	}
	return checkScript("apk add --no-cache --simulate " + args)
}

func (apkManager) FailingPackage(output string, pkgs envdef.PackageSet) (envdef.Package, bool) {
	return firstReported(output, pkgs, apkFailurePatterns)
}

func (aptManager) Family() envdef.PackageFamily { return envdef.FamilyAPT }

func (aptManager) InstallScript(pkgs envdef.PackageSet) (string, error) {
	args, err := quotePackages(pkgs)
	if err != nil {
		return "", err
	}
	return checkScript("apt-get update" +
		" && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + args +
		" && rm -rf /var/lib/apt/lists/*")
}

func (aptManager) ProbeScript(pkg envdef.Package) (string, error) {
	args, err := quotePackages(envdef.PackageSet{pkg})
	if err != nil {
		return "", err
	}
	return checkScript("apt-get update -qq && apt-get install -s " + args)
}

func (aptManager) FailingPackage(output string, pkgs envdef.PackageSet) (envdef.Package, bool) {
	return firstReported(output, pkgs, aptFailurePatterns)
}

// firstReported collects every package token the patterns find in output
// and returns the earliest package of pkgs that one of them names.
func firstReported(output string, pkgs envdef.PackageSet, patterns []*regexp.Regexp) (envdef.Package, bool) {
	var reported []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			reported = append(reported, m[1])
		}
	}
	for _, p := range pkgs {
		for _, token := range reported {
			if namesPackage(token, p) {
				return p, true
			}
		}
	}
	return "", false
}

// namesPackage reports whether a package manager token refers to p. Tokens
// may carry a version ("git-2.43.0-r0", "git=2.43") or an architecture
// suffix ("git:amd64").
func namesPackage(token string, p envdef.Package) bool {
	name := p.Name()
	if token == string(p) || token == name {
		return true
	}
	token, _, _ = strings.Cut(token, ":")
	if token == name {
		return true
	}
	for _, sep := range []string{"-", "="} {
		if rest, ok := strings.CutPrefix(token, name+sep); ok && rest != "" && rest[0] >= '0' && rest[0] <= '9' {
			return true
		}
	}
	return false
}

// quotePackages shell-quotes each package and joins them with spaces.
func quotePackages(pkgs envdef.PackageSet) (string, error) {
	if len(pkgs) == 0 {
		return "", envdef.ErrEmptyPackageSet
	}
	quoted := make([]string, len(pkgs))
	for i, p := range pkgs {
		q, err := syntax.Quote(string(p), syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote package %q: %w", p, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

// checkScript parses script as POSIX shell and returns it unchanged when it
// is well formed.
func checkScript(script string) (string, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(script), ""); err != nil {
		return "", fmt.Errorf("generated script is not valid shell: %w", err)
	}
	return script, nil
}
