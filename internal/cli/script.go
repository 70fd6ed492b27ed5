package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/dispatch"
	"github.com/pyflow-dev/pyflow/pkg/installer"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pep508"
	"github.com/pyflow-dev/pyflow/pkg/pyenv"
	"github.com/pyflow-dev/pyflow/pkg/resolve"
)

func newScriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "script <file.py> [args...]",
		Short: "Run a standalone script in an isolated environment",
		Long: `script reads a top-level __requires__ = ["name", ...] declaration from
the file, installs those packages into a cached environment keyed by the
requirement set, and runs the script against it. Scripts with the same
requirements share an environment.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd.Context(), args[0], args[1:])
		},
	}
}

func runScript(ctx context.Context, file string, args []string) error {
	logger := loggerFromContext(ctx)

	requires, err := dispatch.ParseScriptRequires(file)
	if err != nil {
		return err
	}

	envsRoot, err := pyenv.ScriptEnvsDir()
	if err != nil {
		return err
	}
	envDir := dispatch.ScriptEnvDir(envsRoot, requires)

	// Reuse the interpreter the environment was built with; pick the best
	// local one the first time around.
	var in pyenv.Interpreter
	if stored, ok := dispatch.ReadScriptPyVersion(envDir); ok {
		cs, err := pep440.ParseConstraints("==" + stored)
		if err == nil {
			in, err = pyenv.Find(ctx, cs)
			if err != nil {
				logger.Debugf("stored interpreter %s is gone, picking again", stored)
			}
		}
	}
	if in.Path == "" {
		if in, err = pyenv.Find(ctx, nil); err != nil {
			return err
		}
		if err := dispatch.WriteScriptPyVersion(envDir, in.Version.String()); err != nil {
			return err
		}
	}

	env, err := pyenv.EnsureEnv(ctx, envDir, in, logger.Debugf)
	if err != nil {
		return err
	}

	if len(requires) > 0 {
		if err := syncScriptEnv(ctx, envDir, env, requires); err != nil {
			return err
		}
	}

	target := dispatch.Target{Python: env.VenvPython, Lib: env.Lib, Scripts: env.Scripts}
	return dispatch.RunFile(ctx, target, file, args)
}

// syncScriptEnv installs a script's bare requirements (no constraints)
// into its cached environment, locking them like a project would.
func syncScriptEnv(ctx context.Context, envDir string, env *pyenv.Env, requires []string) error {
	logger := loggerFromContext(ctx)

	oracle, err := newOracle(ctx)
	if err != nil {
		return err
	}
	cacheDir, err := pyenv.DependencyCacheDir()
	if err != nil {
		return err
	}

	reqs := make([]pep440.Requirement, len(requires))
	for i, name := range requires {
		reqs[i] = pep440.NewRequirement(name, nil)
	}

	lockPath := filepath.Join(envDir, lockfile.Filename)
	lock, err := lockfile.Read(lockPath)
	if err != nil {
		return err
	}

	layout := installer.Layout{
		Lib:     env.Lib,
		Scripts: env.Scripts,
		Headers: filepath.Join(env.Root, "include"),
		Data:    env.Root,
	}
	executor := installer.NewExecutor(layout, oracle,
		archive.NewDownloader(cacheDir), archive.HostPlatform(env.Interpreter.Version),
		env.VenvPython, logger.Debugf)

	if lock.Satisfies(reqs) {
		return executor.Sync(ctx, lock)
	}

	markerEnv := pep508.NewEnvironment(env.Interpreter.Version.String())
	resolver := resolve.New(oracle, markerEnv, env.Interpreter.Version,
		resolve.WithPreferred(lock.Pins()), resolve.WithLogger(logger.Debugf))
	resolution, err := resolver.Resolve(ctx, reqs)
	if err != nil {
		return err
	}

	updated := lockfile.FromResolution(resolution, nil, nil)
	if err := lockfile.Write(lockPath, updated); err != nil {
		return err
	}
	return executor.Sync(ctx, updated)
}
