package installer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pypi"
)

// ArtifactSource supplies artifact metadata for locked packages.
// *pypi.Client implements it.
type ArtifactSource interface {
	Release(ctx context.Context, name string, v pep440.Version) (*pypi.Release, error)
}

// Executor applies an install plan to one project environment.
type Executor struct {
	layout     Layout
	source     ArtifactSource
	downloader *archive.Downloader
	platform   archive.Platform
	python     string // interpreter for sdist builds and shim shebangs
	logf       func(string, ...any)
}

// NewExecutor wires an Executor for the given environment layout.
func NewExecutor(layout Layout, source ArtifactSource, downloader *archive.Downloader,
	platform archive.Platform, python string, logf func(string, ...any)) *Executor {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Executor{
		layout:     layout,
		source:     source,
		downloader: downloader,
		platform:   platform,
		python:     python,
		logf:       logf,
	}
}

// Sync brings the environment in line with the lock: removals first, then
// installs in topological order, then multi-version import rewrites.
func (e *Executor) Sync(ctx context.Context, lock *lockfile.Lock) error {
	e.cleanStaleStages()

	installed, err := ScanInstalled(e.layout.Lib)
	if err != nil {
		return err
	}
	plan := Diff(lock, installed)
	if plan.Empty() {
		e.logf("environment already matches the lock")
		return nil
	}

	for _, inst := range plan.ToRemove {
		e.logf("removing %s %s", inst.DistName, inst.Version)
		if err := Uninstall(e.layout, inst); err != nil {
			return err
		}
	}

	if err := e.prefetch(ctx, plan.ToInstall); err != nil {
		return err
	}

	for _, pkg := range plan.ToInstall {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pkg.Source != "pypi" && pkg.Source != "" {
			// Path- and git-sourced packages bypass the oracle and are
			// not installed; the front-end warns that they are skipped.
			e.logf("skipping %s (%s source)", pkg.InstalledName(), pkg.Source)
			continue
		}
		e.logf("installing %s %s", pkg.InstalledName(), pkg.Version)
		if err := e.installOne(ctx, pkg); err != nil {
			return err
		}
	}

	return e.applyRewrites(lock, plan.ToInstall)
}

// prefetch downloads the wheels of every pending install up front, with
// the downloader's bounded parallelism. Unpacking stays strictly
// sequential; installOne then reads the already-verified artifacts from
// the cache. Packages without a matching wheel (sdist fallback) are
// fetched later, inside their own install step.
func (e *Executor) prefetch(ctx context.Context, pending []lockfile.Package) error {
	var reqs []archive.Request
	for _, pkg := range pending {
		if pkg.Source != "pypi" && pkg.Source != "" {
			continue
		}
		version, err := pkg.ParsedVersion()
		if err != nil {
			continue
		}
		release, err := e.source.Release(ctx, pkg.Name, version)
		if err != nil {
			return err
		}
		wheel := archive.SelectWheel(release.Wheels, e.platform)
		if wheel == nil {
			continue
		}
		reqs = append(reqs, archive.Request{
			Name:     pkg.Name,
			Version:  pkg.Version,
			Filename: wheel.Filename,
			URL:      wheel.URL,
			SHA256:   wheel.SHA256,
		})
	}
	if len(reqs) == 0 {
		return nil
	}
	e.logf("fetching %d artifacts", len(reqs))
	_, err := e.downloader.FetchAll(ctx, reqs)
	return err
}

// installOne acquires the artifact for one locked package and commits it
// into lib via a staged rename.
func (e *Executor) installOne(ctx context.Context, pkg lockfile.Package) (err error) {
	version, err := pkg.ParsedVersion()
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidManifest, err, "lock entry %s", pkg.InstalledName())
	}

	stage := filepath.Join(e.layout.Lib, ".stage-"+uuid.NewString())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	wheelPath, err := e.acquireWheel(ctx, pkg, version, filepath.Join(stage, "build"))
	if err != nil {
		return err
	}

	// RECORD paths are written relative to the final lib, so uninstall can
	// resolve script/header/data files after the staged tree commits.
	dest := archive.UnpackDest{
		Lib:        filepath.Join(stage, "lib"),
		Scripts:    filepath.Join(stage, "scripts"),
		Headers:    filepath.Join(stage, "headers"),
		Data:       filepath.Join(stage, "data"),
		ScriptsRel: relFromLib(e.layout.Lib, e.layout.Scripts),
		HeadersRel: relFromLib(e.layout.Lib, e.layout.Headers),
		DataRel:    relFromLib(e.layout.Lib, e.layout.Data),
	}
	result, err := archive.UnpackWheel(wheelPath, dest)
	if err != nil {
		return err
	}

	if pkg.Rename != "" {
		if err := e.aliasStaged(dest.Lib, result, pkg); err != nil {
			return err
		}
	}

	if err := commitDir(dest.Lib, e.layout.Lib); err != nil {
		return err
	}
	if err := mergeDir(dest.Scripts, e.layout.Scripts); err != nil {
		return err
	}
	if err := mergeDir(dest.Headers, e.layout.Headers); err != nil {
		return err
	}
	if err := mergeDir(dest.Data, e.layout.Data); err != nil {
		return err
	}

	return e.writeShims(pkg, version)
}

// acquireWheel downloads the best matching wheel, or builds one from the
// sdist when no published wheel fits the interpreter. Build scratch space
// goes under buildDir, which the caller owns and removes.
func (e *Executor) acquireWheel(ctx context.Context, pkg lockfile.Package, version pep440.Version, buildDir string) (string, error) {
	release, err := e.source.Release(ctx, pkg.Name, version)
	if err != nil {
		return "", err
	}

	if wheel := archive.SelectWheel(release.Wheels, e.platform); wheel != nil {
		return e.downloader.Fetch(ctx, archive.Request{
			Name:     pkg.Name,
			Version:  pkg.Version,
			Filename: wheel.Filename,
			URL:      wheel.URL,
			SHA256:   wheel.SHA256,
		})
	}

	if release.Sdist == nil {
		return "", errors.New(errors.ErrCodeMalformedArchive,
			"%s %s publishes neither a compatible wheel nor an sdist", pkg.Name, pkg.Version)
	}
	e.logf("no compatible wheel for %s %s, building from source", pkg.Name, pkg.Version)

	sdistPath, err := e.downloader.Fetch(ctx, archive.Request{
		Name:     pkg.Name,
		Version:  pkg.Version,
		Filename: release.Sdist.Filename,
		URL:      release.Sdist.URL,
		SHA256:   release.Sdist.SHA256,
	})
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return "", err
	}
	return archive.BuildWheelFromSdist(ctx, sdistPath, buildDir, e.python)
}

// aliasStaged renames the staged top-level packages and dist-info of a
// multi-version sibling to its alias, and rewrites its internal imports.
func (e *Executor) aliasStaged(stagedLib string, result *archive.UnpackResult, pkg lockfile.Package) error {
	alias := pkg.InstalledName()

	if err := CheckRewriteSafe(stagedLib, pkg.Name); err != nil {
		return err
	}

	renamed := ""
	for _, top := range result.TopLevel {
		if pep440.CanonicalName(top) != pep440.CanonicalName(pkg.Name) {
			e.logf("warning: %s ships extra top-level package %s; leaving it unaliased", pkg.Name, top)
			continue
		}
		if err := os.Rename(filepath.Join(stagedLib, top), filepath.Join(stagedLib, alias)); err != nil {
			// Single-module distributions ship "<top>.py" instead of a
			// package directory.
			if err2 := os.Rename(filepath.Join(stagedLib, top+".py"), filepath.Join(stagedLib, alias+".py")); err2 != nil {
				return err
			}
		}
		renamed = top
	}
	if renamed == "" {
		return errors.New(errors.ErrCodeMalformedArchive,
			"cannot find the top-level package of %s to alias as %s", pkg.Name, alias)
	}

	// Self-imports inside the aliased copy must target the alias too.
	if err := RewriteImports(stagedLib, renamed, alias); err != nil {
		return err
	}

	// dist-info follows the alias so the diff can find this install.
	oldDistInfo := filepath.Join(stagedLib, result.DistInfo)
	newName := archive.DistInfoDir(alias, pkg.Version)
	if err := os.Rename(oldDistInfo, filepath.Join(stagedLib, newName)); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stagedLib, newName, "top_level.txt"), []byte(alias+"\n"), 0o644); err != nil {
		return err
	}

	// The RECORD must reflect the renamed paths.
	rec, err := archive.ReadRecordFile(filepath.Join(stagedLib, newName, "RECORD"))
	if err != nil {
		return err
	}
	for i, entry := range rec {
		entry.Path = strings.Replace(entry.Path, renamed+"/", alias+"/", 1)
		entry.Path = strings.Replace(entry.Path, result.DistInfo+"/", newName+"/", 1)
		rec[i] = entry
	}
	result.DistInfo = newName
	return rec.WriteFile(filepath.Join(stagedLib, newName, "RECORD"))
}

// writeShims generates console-script launchers for a freshly installed
// distribution.
func (e *Executor) writeShims(pkg lockfile.Package, version pep440.Version) error {
	distInfo := filepath.Join(e.layout.Lib, archive.DistInfoDir(pkg.InstalledName(), pkg.Version))
	if _, err := os.Stat(distInfo); err != nil {
		// Wheels name dist-info with the original casing.
		matches, _ := filepath.Glob(filepath.Join(e.layout.Lib, "*.dist-info"))
		for _, m := range matches {
			name, v, ok := archive.IsDistInfoDir(filepath.Base(m))
			if ok && pep440.CanonicalName(name) == pep440.CanonicalName(pkg.InstalledName()) && sameVersion(v, version.String()) {
				distInfo = m
				break
			}
		}
	}

	eps, err := archive.ReadConsoleScripts(distInfo)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		e.logf("adding console script %s", ep.Name)
		if err := archive.WriteShim(e.layout.Scripts, ep, e.python); err != nil {
			return err
		}
	}
	return nil
}

// applyRewrites runs the parent-side import rewrite for every freshly
// installed multi-version sibling, after all installs are in place.
func (e *Executor) applyRewrites(lock *lockfile.Lock, fresh []lockfile.Package) error {
	for _, pkg := range fresh {
		if pkg.Rename == "" {
			continue
		}
		alias := pkg.InstalledName()
		for _, parent := range lock.Package {
			if !dependsOn(parent, alias) {
				continue
			}
			for _, top := range parentTopLevels(e.layout.Lib, parent) {
				root := filepath.Join(e.layout.Lib, top)
				if _, err := os.Stat(root); err != nil {
					continue
				}
				e.logf("rewriting imports of %s in %s", pkg.Name, parent.InstalledName())
				if err := RewriteImports(root, pkg.Name, alias); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func dependsOn(pkg lockfile.Package, installedName string) bool {
	for _, dep := range pkg.Dependencies {
		name, _, ok := lockfile.SplitDepRef(dep)
		if ok && name == installedName {
			return true
		}
	}
	return false
}

// parentTopLevels returns the on-disk top-level package names of a locked
// entry, from its top_level.txt when available.
func parentTopLevels(lib string, pkg lockfile.Package) []string {
	matches, _ := filepath.Glob(filepath.Join(lib, "*.dist-info"))
	for _, m := range matches {
		name, version, ok := archive.IsDistInfoDir(filepath.Base(m))
		if !ok || pep440.CanonicalName(name) != pep440.CanonicalName(pkg.InstalledName()) || !sameVersion(version, pkg.Version) {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(m, "top_level.txt")); err == nil {
			var tops []string
			for _, line := range strings.Split(string(data), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					tops = append(tops, line)
				}
			}
			if len(tops) > 0 {
				return tops
			}
		}
	}
	return []string{strings.ReplaceAll(pep440.CanonicalName(pkg.InstalledName()), "-", "_")}
}

// commitDir renames every entry of the staged lib into live lib, dist-info
// last so a partially visible install never looks complete.
func commitDir(staged, live string) error {
	entries, err := os.ReadDir(staged)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(live, 0o755); err != nil {
		return err
	}

	var distInfos []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".dist-info") {
			distInfos = append(distInfos, entry.Name())
			continue
		}
		if err := renameReplacing(filepath.Join(staged, entry.Name()), filepath.Join(live, entry.Name())); err != nil {
			return err
		}
	}
	for _, name := range distInfos {
		if err := renameReplacing(filepath.Join(staged, name), filepath.Join(live, name)); err != nil {
			return err
		}
	}
	return nil
}

// mergeDir moves the files of a staged category directory (scripts,
// headers, data) into its live location, creating directories as needed.
func mergeDir(staged, live string) error {
	if _, err := os.Stat(staged); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(staged, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(staged, path)
		if err != nil {
			return err
		}
		target := filepath.Join(live, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return renameReplacing(path, target)
	})
}

// relFromLib is the RECORD prefix for a category directory, relative to
// the environment's lib.
func relFromLib(lib, dir string) string {
	rel, err := filepath.Rel(lib, dir)
	if err != nil {
		return dir
	}
	return filepath.ToSlash(rel)
}

func renameReplacing(from, to string) error {
	_ = os.RemoveAll(to)
	return os.Rename(from, to)
}

// cleanStaleStages removes staging directories a previous interrupted run
// left behind. Anything not yet renamed into place was never installed.
func (e *Executor) cleanStaleStages() {
	matches, _ := filepath.Glob(filepath.Join(e.layout.Lib, ".stage-*"))
	for _, m := range matches {
		_ = os.RemoveAll(m)
	}
}
