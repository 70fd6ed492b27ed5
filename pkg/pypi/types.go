// Package pypi implements the dependency oracle client: version listings,
// per-version dependency metadata, and artifact (wheel/sdist) information
// for the resolver and the archive engine.
//
// Two services back the oracle. The PyPI warehouse JSON API provides
// version listings and artifact files; the pydeps cache service provides
// pre-extracted dependency requirements per (package, version). When pydeps
// has no entry for a release, the client falls back to the warehouse's
// per-version metadata, which is derived from the wheel's METADATA.
//
// Responses are cached per-process and, through the configured
// [cache.Cache] backend, across runs. All methods are safe for concurrent
// use.
package pypi

import (
	"regexp"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// WheelInfo describes one binary artifact of a release.
type WheelInfo struct {
	Filename    string
	URL         string
	SHA256      string
	PythonTag   string // e.g. "py3", "cp37"
	ABITag      string // e.g. "none", "cp37m"
	PlatformTag string // e.g. "any", "manylinux2014_x86_64", "win_amd64"
}

// ArchiveInfo describes a source distribution artifact.
type ArchiveInfo struct {
	Filename string
	URL      string
	SHA256   string
}

// Release is everything the resolver and installer need to know about one
// (package, version) pair.
type Release struct {
	Name           string // canonical name
	Version        pep440.Version
	Dependencies   []pep440.Requirement
	Wheels         []WheelInfo
	Sdist          *ArchiveInfo
	RequiresPython pep440.ConstraintSet
}

// wheel filenames per PEP 427:
// {dist}-{version}(-{build})?-{python}-{abi}-{platform}.whl
var wheelFilenameRe = regexp.MustCompile(`^(?P<dist>[^-]+(?:-[^-]+)*?)-(?P<version>[^-]+)(?:-(?P<build>\d[^-]*))?-(?P<python>[^-]+)-(?P<abi>[^-]+)-(?P<platform>[^-]+)\.whl$`)

// ParseWheelTags extracts the python/abi/platform compatibility tags from a
// wheel filename. Returns false if the filename is not a valid wheel name.
func ParseWheelTags(filename string) (python, abi, platform string, ok bool) {
	m := wheelFilenameRe.FindStringSubmatch(filename)
	if m == nil {
		return "", "", "", false
	}
	names := wheelFilenameRe.SubexpNames()
	for i, name := range names {
		switch name {
		case "python":
			python = m[i]
		case "abi":
			abi = m[i]
		case "platform":
			platform = m[i]
		}
	}
	return python, abi, platform, true
}

// IsWheelFilename reports whether filename names a wheel archive.
func IsWheelFilename(filename string) bool {
	return strings.HasSuffix(filename, ".whl")
}
