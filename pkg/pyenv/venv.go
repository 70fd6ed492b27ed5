package pyenv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// Env is one ready project environment: the PEP 582 tree plus its managed
// venv.
type Env struct {
	PyVer       string // "3.7"-style directory component
	Interpreter Interpreter
	VenvPython  string // interpreter inside .venv; used for builds and shims
	Lib         string
	Scripts     string
	Root        string // __pypackages__/<pyver>
}

// EnsureEnv creates (or reuses) the PEP 582 environment for projectDir
// using the given interpreter: __pypackages__/<X.Y>/{lib,bin,.venv}.
//
// The venv is created with `<interpreter> -m venv`; the `wheel` package is
// installed into it so sdist builds can produce wheels.
func EnsureEnv(ctx context.Context, projectDir string, in Interpreter, logf func(string, ...any)) (*Env, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	pyVer := fmt.Sprintf("%d.%d", in.Version.ReleaseComponent(0), in.Version.ReleaseComponent(1))

	env := &Env{
		PyVer:       pyVer,
		Interpreter: in,
		VenvPython:  VenvPython(projectDir, pyVer),
		Lib:         LibDir(projectDir, pyVer),
		Scripts:     ScriptsDir(projectDir, pyVer),
		Root:        VersionedRoot(projectDir, pyVer),
	}

	if err := os.MkdirAll(env.Lib, 0o755); err != nil {
		return nil, err
	}

	if _, err := os.Stat(env.VenvPython); err == nil {
		return env, nil
	}

	logf("setting up python environment with %s", in.Path)
	venvDir := VenvDir(projectDir, pyVer)
	cmd := exec.CommandContext(ctx, in.Path, "-m", "venv", venvDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInterpreterMissing, err,
			"creating virtual environment: %s", string(out))
	}

	if err := waitForFile(env.VenvPython, 10*time.Second); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInterpreterMissing, err,
			"virtual environment did not come up")
	}

	// wheel is needed inside the venv to build wheels from sdists.
	install := exec.CommandContext(ctx, env.VenvPython, "-m", "pip", "install", "--quiet", "wheel")
	if out, err := install.CombinedOutput(); err != nil {
		logf("warning: could not install `wheel` into the venv: %s", string(out))
	}

	return env, nil
}

// waitForFile polls until path exists; venv creation is not atomic on all
// platforms.
func waitForFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
