// Package lockfile reads and writes pyflow.lock, the deterministic pinning
// of a resolved dependency graph. The format is a TOML document of
// [[package]] tables, modeled after Cargo.lock:
//
//	[[package]]
//	name = "requests"
//	version = "2.22.0"
//	source = "pypi"
//	hash = "sha256:..."
//	dependencies = ["certifi ==2019.6.16", "urllib3 ==1.25.3"]
//
// Multi-version siblings additionally carry rename = "<installed alias>".
// The lock is never hand-edited; writes replace the whole file atomically.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/resolve"
)

// Filename is the lock file's name inside a project directory.
const Filename = "pyflow.lock"

// Package is one locked distribution.
type Package struct {
	Name    string `toml:"name"` // canonical package name
	Version string `toml:"version"`
	Source  string `toml:"source"`           // "pypi", "path" or "git"
	Hash    string `toml:"hash,omitempty"`   // "sha256:<hex>", pypi only
	Rename  string `toml:"rename,omitempty"` // installed alias for multi-version siblings
	// Dependencies lists "<installed name> ==<version>" references; every
	// referenced entry is itself present in the lock.
	Dependencies []string `toml:"dependencies,omitempty"`
}

// InstalledName returns the directory/import name the package installs
// under: the rename alias when present, the canonical name otherwise.
func (p Package) InstalledName() string {
	if p.Rename != "" {
		return p.Rename
	}
	return p.Name
}

// ParsedVersion returns the entry's version.
func (p Package) ParsedVersion() (pep440.Version, error) {
	return pep440.ParseVersion(p.Version)
}

// Lock is the full lock document.
type Lock struct {
	Package []Package `toml:"package"`
}

// Read loads a lock file. A missing file yields an empty lock, not an
// error, so first-time installs fall through to a fresh resolution.
func Read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Lock{}, nil
	}
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "malformed lock file %s", path)
	}
	return &lock, nil
}

// Write serializes the lock and replaces path atomically (write to a temp
// file in the same directory, then rename).
func Write(path string, lock *Lock) error {
	sort.Slice(lock.Package, func(i, j int) bool {
		return lock.Package[i].InstalledName() < lock.Package[j].InstalledName()
	})

	var buf bytes.Buffer
	buf.WriteString("# This file is generated by pyflow. Do not edit.\n")
	if err := toml.NewEncoder(&buf).Encode(lock); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pyflow.lock-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Entry returns the locked package with the given installed name.
func (l *Lock) Entry(installedName string) (Package, bool) {
	for _, p := range l.Package {
		if p.InstalledName() == installedName {
			return p, true
		}
	}
	return Package{}, false
}

// Pins returns canonical name -> version for the non-renamed entries,
// feeding the resolver's lock-stability hints.
func (l *Lock) Pins() map[string]pep440.Version {
	out := make(map[string]pep440.Version)
	for _, p := range l.Package {
		if p.Rename != "" {
			continue
		}
		if v, err := p.ParsedVersion(); err == nil {
			out[p.Name] = v
		}
	}
	return out
}

// Satisfies reports whether the lock already covers every given top-level
// requirement with a version matching its constraints, is internally
// closed (each declared dependency present), and carries nothing beyond
// the requirements' transitive closure. When true, install can skip
// resolution entirely; when a requirement was removed from the manifest,
// the stale entries make this false and force a re-resolve that prunes
// them.
func (l *Lock) Satisfies(reqs []pep440.Requirement) bool {
	if len(l.Package) == 0 {
		return len(reqs) == 0
	}
	byInstalled := make(map[string]Package, len(l.Package))
	byName := make(map[string]Package, len(l.Package))
	for _, p := range l.Package {
		byInstalled[p.InstalledName()] = p
		if p.Rename == "" {
			byName[p.Name] = p
		}
	}

	reachable := make(map[string]bool, len(l.Package))
	var queue []string

	for _, req := range reqs {
		entry, ok := byName[req.Canonical()]
		if !ok {
			return false
		}
		v, err := entry.ParsedVersion()
		if err != nil {
			return false
		}
		if len(req.Constraints) > 0 && !req.Constraints.Matches(v) {
			return false
		}
		if len(req.Constraints) == 0 && v.IsPrerelease() {
			return false
		}
		queue = append(queue, entry.InstalledName())
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if reachable[name] {
			continue
		}
		reachable[name] = true
		entry := byInstalled[name]
		for _, dep := range entry.Dependencies {
			depName, _, ok := SplitDepRef(dep)
			if !ok {
				return false
			}
			if _, present := byInstalled[depName]; !present {
				return false
			}
			queue = append(queue, depName)
		}
	}

	// Orphaned entries mean the manifest shrank since the lock was
	// written.
	return len(reachable) == len(l.Package)
}

// FromResolution builds lock entries from a resolved node set. hashes maps
// installed names to "sha256:<hex>" digests of the chosen artifacts;
// sources maps canonical names of path/git requirements to their source
// kind (everything else is "pypi").
func FromResolution(res *resolve.Resolution, hashes map[string]string, sources map[string]string) *Lock {
	lock := &Lock{}
	for _, n := range res.Nodes {
		entry := Package{
			Name:    n.Name,
			Version: n.Version.String(),
			Source:  "pypi",
			Hash:    hashes[n.InstalledName],
		}
		if src, ok := sources[n.Name]; ok {
			entry.Source = src
			entry.Hash = "" // only pypi artifacts carry digests
		}
		if n.Aliased() {
			entry.Rename = n.InstalledName
		}
		for _, dep := range n.Dependencies {
			entry.Dependencies = append(entry.Dependencies,
				fmt.Sprintf("%s ==%s", dep.InstalledName, dep.Version))
		}
		sort.Strings(entry.Dependencies)
		lock.Package = append(lock.Package, entry)
	}
	return lock
}

// SplitDepRef parses a "<installed name> ==<version>" dependency reference.
func SplitDepRef(s string) (name, version string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], strings.TrimPrefix(parts[1], "=="), true
}
