package cli

import (
	"context"
	"os"
	"path/filepath"

	charmlog "github.com/charmbracelet/log"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/cache"
	"github.com/pyflow-dev/pyflow/pkg/dispatch"
	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/installer"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pep508"
	"github.com/pyflow-dev/pyflow/pkg/pyenv"
	"github.com/pyflow-dev/pyflow/pkg/pypi"
	"github.com/pyflow-dev/pyflow/pkg/pyproject"
	"github.com/pyflow-dev/pyflow/pkg/resolve"
)

// project bundles everything a command needs to operate on the current
// project: manifest, interpreter environment, oracle and downloader.
type project struct {
	Dir        string
	Config     *pyproject.Config
	Env        *pyenv.Env
	Oracle     *pypi.Client
	Downloader *archive.Downloader
	logger     *charmlog.Logger
}

// findProjectRoot walks upward from the working directory until it finds a
// pyproject.toml.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, pyproject.Filename)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(errors.ErrCodeInvalidManifest,
				"no pyproject.toml found in this directory or any parent").
				WithRemedy("Run `pyflow init` to create one, or `pyflow new <name>` to start a project")
		}
		dir = parent
	}
}

// openProject loads the manifest and brings up the interpreter environment,
// downloading a managed Python when none on the machine satisfies
// py_version.
func openProject(ctx context.Context) (*project, error) {
	dir, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	return openProjectAt(ctx, dir)
}

func openProjectAt(ctx context.Context, dir string) (*project, error) {
	logger := loggerFromContext(ctx)

	cfg, err := pyproject.Load(filepath.Join(dir, pyproject.Filename))
	if err != nil {
		return nil, err
	}

	in, err := pyenv.Find(ctx, cfg.PyVersion)
	if errors.Is(err, errors.ErrCodeInterpreterMissing) {
		logger.Infof("no local python satisfies %s, fetching a managed build", cfg.PyVersion)
		in, err = pyenv.InstallManaged(ctx, cfg.PyVersion, logger.Debugf)
	}
	if err != nil {
		return nil, err
	}
	logger.Debugf("using python %s at %s", in.Version, in.Path)

	env, err := pyenv.EnsureEnv(ctx, dir, in, logger.Debugf)
	if err != nil {
		return nil, err
	}

	oracle, err := newOracle(ctx)
	if err != nil {
		return nil, err
	}
	cacheDir, err := pyenv.DependencyCacheDir()
	if err != nil {
		return nil, err
	}

	return &project{
		Dir:        dir,
		Config:     cfg,
		Env:        env,
		Oracle:     oracle,
		Downloader: archive.NewDownloader(cacheDir),
		logger:     logger,
	}, nil
}

// newOracle builds the metadata client. PYFLOW_REDIS_ADDR switches the
// response cache to a shared Redis backend; the default is the on-disk
// cache under the data directory.
func newOracle(ctx context.Context) (*pypi.Client, error) {
	var backend cache.Cache
	if addr := os.Getenv("PYFLOW_REDIS_ADDR"); addr != "" {
		redis, err := cache.NewRedisCache(ctx, addr)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeNetwork, err, "connecting to redis cache %s", addr)
		}
		backend = redis
	} else {
		dir, err := pyenv.MetadataCacheDir()
		if err != nil {
			return nil, err
		}
		backend, err = cache.NewFileCache(dir)
		if err != nil {
			return nil, err
		}
	}
	return pypi.NewClient(backend, pypi.DefaultCacheTTL), nil
}

func (p *project) lockPath() string {
	return filepath.Join(p.Dir, lockfile.Filename)
}

func (p *project) layout() installer.Layout {
	return installer.Layout{
		Lib:     p.Env.Lib,
		Scripts: p.Env.Scripts,
		Headers: filepath.Join(p.Env.Root, "include"),
		Data:    p.Env.Root,
	}
}

func (p *project) executor() *installer.Executor {
	return installer.NewExecutor(p.layout(), p.Oracle, p.Downloader,
		archive.HostPlatform(p.Env.Interpreter.Version), p.Env.VenvPython, p.logger.Debugf)
}

// requirements returns the manifest requirements to sync: regular deps
// always, dev deps on top unless dev tooling was excluded.
func (p *project) requirements(includeDev bool) (pypiReqs, external []pep440.Requirement) {
	all := append([]pep440.Requirement{}, p.Config.Dependencies...)
	if includeDev {
		all = append(all, p.Config.DevDependencies...)
	}
	for _, req := range all {
		if req.Source.Kind == pep440.SourcePyPI {
			pypiReqs = append(pypiReqs, req)
		} else {
			external = append(external, req)
		}
	}
	return pypiReqs, external
}

// sync is the heart of install/uninstall: reconcile the lock with the
// manifest, resolve what changed, write the lock atomically, and bring the
// PEP 582 tree in line with it. Returns the number of locked packages the
// environment now carries.
func (p *project) sync(ctx context.Context, includeDev bool) (int, error) {
	reqs, external := p.requirements(includeDev)
	for _, req := range external {
		p.logger.Warnf("%s is %s-sourced; support is experimental and its install is skipped",
			req.Name, req.Source.Kind)
	}

	lock, err := lockfile.Read(p.lockPath())
	if err != nil {
		return 0, err
	}

	if lock.Satisfies(reqs) {
		// Lock already pins every requirement: no resolution, no
		// metadata fetches beyond what the install itself needs.
		p.logger.Debugf("lock satisfies the manifest, skipping resolution")
		return len(lock.Package), p.executor().Sync(ctx, lock)
	}

	env := pep508.NewEnvironment(p.Env.Interpreter.Version.String())
	resolver := resolve.New(p.Oracle, env, p.Env.Interpreter.Version,
		resolve.WithPreferred(lock.Pins()),
		resolve.WithLogger(p.logger.Debugf))

	resolution, err := resolver.Resolve(ctx, reqs)
	if err != nil {
		return 0, err
	}

	hashes := p.artifactHashes(ctx, resolution)
	updated := lockfile.FromResolution(resolution, hashes, nil)
	if err := lockfile.Write(p.lockPath(), updated); err != nil {
		return 0, err
	}
	p.logger.Debugf("locked %d packages", len(updated.Package))

	return len(updated.Package), p.executor().Sync(ctx, updated)
}

// artifactHashes collects the sha256 of each resolved node's chosen
// artifact for the lock. A node whose artifact cannot be determined locks
// without a hash; the install still verifies whatever it downloads.
func (p *project) artifactHashes(ctx context.Context, res *resolve.Resolution) map[string]string {
	platform := archive.HostPlatform(p.Env.Interpreter.Version)
	out := make(map[string]string, len(res.Nodes))
	for _, node := range res.Nodes {
		release, err := p.Oracle.Release(ctx, node.Name, node.Version)
		if err != nil {
			continue
		}
		if wheel := archive.SelectWheel(release.Wheels, platform); wheel != nil && wheel.SHA256 != "" {
			out[node.InstalledName] = "sha256:" + wheel.SHA256
		} else if release.Sdist != nil && release.Sdist.SHA256 != "" {
			out[node.InstalledName] = "sha256:" + release.Sdist.SHA256
		}
	}
	return out
}

// dispatchTarget builds the dispatch environment for the project.
func (p *project) dispatchTarget() dispatch.Target {
	return dispatch.Target{
		Python:         p.Env.VenvPython,
		Lib:            p.Env.Lib,
		Scripts:        p.Env.Scripts,
		ProjectScripts: p.Config.Scripts,
	}
}
