// Package installer diffs the locked package set against the PEP 582 tree
// and drives installs, uninstalls, multi-version renames and console-script
// shims. Each distribution's install is staged in a sibling temp directory
// and renamed into place; the rename is the commit point, so a failed
// install leaves lib/ unchanged.
package installer

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// Layout is where the pieces of one project environment live.
type Layout struct {
	Lib     string // __pypackages__/<pyver>/lib
	Scripts string // __pypackages__/<pyver>/bin (or Scripts/ on windows)
	Headers string // __pypackages__/<pyver>/include
	Data    string // __pypackages__/<pyver>
}

// Installed is one distribution found on disk, identified by its
// dist-info directory.
type Installed struct {
	DistName  string // on-disk distribution name (original casing)
	Canonical string // canonical form used for lock matching
	Version   string
	DistInfo  string // absolute path of the dist-info directory
	HasRecord bool
}

// ScanInstalled enumerates installed distributions by walking the
// *.dist-info directories under lib. A missing lib directory is an empty
// environment, not an error.
func ScanInstalled(lib string) ([]Installed, error) {
	entries, err := os.ReadDir(lib)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Installed
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, version, ok := archive.IsDistInfoDir(entry.Name())
		if !ok {
			continue
		}
		distInfo := filepath.Join(lib, entry.Name())
		_, recErr := os.Stat(filepath.Join(distInfo, "RECORD"))
		out = append(out, Installed{
			DistName:  name,
			Canonical: pep440.CanonicalName(name),
			Version:   version,
			DistInfo:  distInfo,
			HasRecord: recErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistInfo < out[j].DistInfo })
	return out, nil
}

// Plan is the work an install run must perform. Reinstalls appear in both
// lists: the stale copy is removed first, then the locked version goes in.
type Plan struct {
	ToInstall []lockfile.Package
	ToRemove  []Installed
}

// Empty reports whether the environment already matches the lock.
func (p Plan) Empty() bool {
	return len(p.ToInstall) == 0 && len(p.ToRemove) == 0
}

// Diff computes the install plan: locked-but-absent packages install,
// on-disk-but-unlocked distributions are removed, and version drift or a
// missing RECORD forces a reinstall.
func Diff(lock *lockfile.Lock, installed []Installed) Plan {
	var plan Plan

	onDisk := make(map[string]Installed, len(installed))
	for _, inst := range installed {
		onDisk[inst.Canonical] = inst
	}

	locked := make(map[string]lockfile.Package, len(lock.Package))
	for _, pkg := range lock.Package {
		locked[pep440.CanonicalName(pkg.InstalledName())] = pkg
	}

	for _, pkg := range sortedByInstallOrder(lock) {
		key := pep440.CanonicalName(pkg.InstalledName())
		inst, present := onDisk[key]
		switch {
		case !present:
			plan.ToInstall = append(plan.ToInstall, pkg)
		case !sameVersion(inst.Version, pkg.Version) || !inst.HasRecord:
			plan.ToRemove = append(plan.ToRemove, inst)
			plan.ToInstall = append(plan.ToInstall, pkg)
		}
	}

	for _, inst := range installed {
		if _, ok := locked[inst.Canonical]; !ok {
			plan.ToRemove = append(plan.ToRemove, inst)
		}
	}
	return plan
}

func sameVersion(a, b string) bool {
	va, errA := pep440.ParseVersion(a)
	vb, errB := pep440.ParseVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}

// sortedByInstallOrder orders lock entries topologically over the lock's
// dependency edges, dependents before their dependencies (leaves last), so
// multi-version parents are present before their aliased children trigger
// import rewrites. Ties and cycles fall back to name order.
func sortedByInstallOrder(lock *lockfile.Lock) []lockfile.Package {
	byInstalled := make(map[string]lockfile.Package, len(lock.Package))
	names := make([]string, 0, len(lock.Package))
	for _, pkg := range lock.Package {
		byInstalled[pkg.InstalledName()] = pkg
		names = append(names, pkg.InstalledName())
	}
	sort.Strings(names)

	// depth[n] is the longest dependency chain below n; sorting by
	// descending depth puts dependents before their dependencies.
	depth := make(map[string]int, len(names))
	var measure func(name string, seen map[string]bool) int
	measure = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		if seen[name] {
			return 0 // dependency cycle; observed on PyPI
		}
		seen[name] = true
		max := 0
		for _, depRef := range byInstalled[name].Dependencies {
			depName, _, ok := lockfile.SplitDepRef(depRef)
			if !ok {
				continue
			}
			if d := measure(depName, seen) + 1; d > max {
				max = d
			}
		}
		delete(seen, name)
		depth[name] = max
		return max
	}
	for _, name := range names {
		measure(name, map[string]bool{})
	}

	sort.SliceStable(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] > depth[names[j]]
		}
		return names[i] < names[j]
	})

	out := make([]lockfile.Package, len(names))
	for i, name := range names {
		out[i] = byInstalled[name]
	}
	return out
}
