// Package dispatch resolves `pyflow <arg> ...` to the thing it should run:
// the project REPL, a script file, a project-defined entry point, or an
// installed console script — always with the PEP 582 lib on PYTHONPATH.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// Target is the environment commands run against.
type Target struct {
	Python  string // project interpreter
	Lib     string // PEP 582 lib directory, prepended to PYTHONPATH
	Scripts string // installed console-script shims
	// ProjectScripts maps [tool.pyflow.scripts] names to "module:function".
	ProjectScripts map[string]string
}

// pythonEnv returns the process environment with the PEP 582 lib prepended
// to PYTHONPATH.
func (t Target) pythonEnv() []string {
	env := os.Environ()
	path := t.Lib
	for i, kv := range env {
		if strings.HasPrefix(kv, "PYTHONPATH=") {
			env[i] = "PYTHONPATH=" + path + string(os.PathListSeparator) + kv[len("PYTHONPATH="):]
			return env
		}
	}
	return append(env, "PYTHONPATH="+path)
}

func (t Target) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.Python, args...)
	cmd.Env = t.pythonEnv()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// REPL launches the interactive interpreter.
func REPL(ctx context.Context, t Target) error {
	return t.command(ctx).Run()
}

// RunFile executes a Python source file with the given arguments.
func RunFile(ctx context.Context, t Target, file string, args []string) error {
	return t.command(ctx, append([]string{file}, args...)...).Run()
}

// Run resolves name against the dispatch order and executes it:
//
//  1. an existing .py file
//  2. a project-defined script from [tool.pyflow.scripts]
//  3. an installed console script under the environment's bin/Scripts
//
// Anything else is UNKNOWN_COMMAND.
func Run(ctx context.Context, t Target, name string, args []string) error {
	if strings.HasSuffix(name, ".py") {
		if _, err := os.Stat(name); err == nil {
			return RunFile(ctx, t, name, args)
		}
	}

	if entry, ok := t.ProjectScripts[name]; ok {
		module, function, found := strings.Cut(entry, ":")
		if !found {
			return errors.New(errors.ErrCodeInvalidManifest,
				"script %q must be in module:function form, got %q", name, entry)
		}
		code := fmt.Sprintf("import %s; %s.%s()", module, module, function)
		return t.command(ctx, append([]string{"-c", code}, args...)...).Run()
	}

	shim := filepath.Join(t.Scripts, name)
	if _, err := os.Stat(shim); err == nil {
		return t.command(ctx, append([]string{shim}, args...)...).Run()
	}
	if _, err := os.Stat(shim + "-script.py"); err == nil {
		return t.command(ctx, append([]string{shim + "-script.py"}, args...)...).Run()
	}

	return errors.New(errors.ErrCodeUnknownCommand, "unknown command or script: %q", name).
		WithRemedy("Is it installed? Try `pyflow install %s`", name)
}
