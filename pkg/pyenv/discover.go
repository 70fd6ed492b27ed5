package pyenv

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// Interpreter is one usable Python installation.
type Interpreter struct {
	Path           string
	Version        pep440.Version
	Implementation string // "cpython", "pypy"
}

// candidate aliases, newest first; mirrors what users actually have on
// PATH.
var pathAliases = []string{
	"python3.13", "python3.12", "python3.11", "python3.10",
	"python3.9", "python3.8", "python3.7", "python3.6", "python3.5",
	"python3", "python",
}

// probeScript asks the interpreter to describe itself in one line.
const probeScript = `import sys,platform;print(platform.python_version()+" "+platform.python_implementation().lower())`

// probe runs an interpreter candidate and parses its version. A candidate
// that is not actually Python (or is broken) is reported as not-ok.
func probe(ctx context.Context, path string) (Interpreter, bool) {
	out, err := exec.CommandContext(ctx, path, "-c", probeScript).Output()
	if err != nil {
		return Interpreter{}, false
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return Interpreter{}, false
	}
	version, err := pep440.ParseVersion(fields[0])
	if err != nil {
		return Interpreter{}, false
	}
	impl := "cpython"
	if len(fields) > 1 {
		impl = fields[1]
	}
	return Interpreter{Path: path, Version: version, Implementation: impl}, true
}

// Discover finds every usable interpreter: PATH aliases first, then
// managed installations under python-installs/.
func Discover(ctx context.Context) []Interpreter {
	seen := make(map[string]bool)
	var found []Interpreter

	note := func(in Interpreter) {
		key := in.Version.String() + "|" + in.Path
		if !seen[key] {
			seen[key] = true
			found = append(found, in)
		}
	}

	for _, alias := range pathAliases {
		path, err := exec.LookPath(alias)
		if err != nil {
			continue
		}
		if in, ok := probe(ctx, path); ok {
			note(in)
		}
	}

	if installs, err := PythonInstallsDir(); err == nil {
		entries, _ := os.ReadDir(installs)
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if in, ok := probe(ctx, managedPython(filepath.Join(installs, entry.Name()))); ok {
				note(in)
			}
		}
	}
	return found
}

// managedPython is the interpreter path inside one managed installation.
func managedPython(installDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(installDir, "python.exe")
	}
	return filepath.Join(installDir, "bin", "python3")
}

// Find returns the best interpreter satisfying the project's py_version
// constraint: the highest matching version, preferring CPython. With a nil
// constraint any interpreter qualifies.
func Find(ctx context.Context, constraint pep440.ConstraintSet) (Interpreter, error) {
	var best *Interpreter
	for _, in := range Discover(ctx) {
		if len(constraint) > 0 && !constraint.Matches(in.Version) {
			continue
		}
		if best == nil || better(in, *best) {
			copied := in
			best = &copied
		}
	}
	if best == nil {
		return Interpreter{}, errors.New(errors.ErrCodeInterpreterMissing,
			"no python interpreter matching %s found on this machine", constraint).
			WithRemedy("pyflow can download one: run `pyflow switch <version>`")
	}
	return *best, nil
}

func better(a, b Interpreter) bool {
	if a.Implementation != b.Implementation {
		return a.Implementation == "cpython"
	}
	return b.Version.Less(a.Version)
}
