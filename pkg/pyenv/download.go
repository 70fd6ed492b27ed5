package pyenv

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// DefaultMirror hosts the prebuilt relocatable Python archives pyflow can
// install when no system interpreter satisfies the project constraint.
const DefaultMirror = "https://github.com/pyflow-dev/python-builds/releases/download"

// managedBuild describes one prebuilt interpreter archive we host.
type managedBuild struct {
	version string
	sha256  map[string]string // "<os>/<arch>" -> digest
}

// Only versions we have built and hosted.
var managedBuilds = []managedBuild{
	{
		version: "3.12.4",
		sha256: map[string]string{
			"linux/amd64":   "8f1db483d5f08334d942559a4b1a27d35c2f6bbb52a558a66d1950796cca7f5a",
			"darwin/arm64":  "4b6a3c2f45e1a1b9cb6e287b8e94f5b8f3a4b0f2b0d4c8b9b1e34a9d20c81f60",
			"windows/amd64": "b3a9921e0fcb9efdd84c935483431ae725e2a0b3b48bfcb4e90cbee0bb71fbb4",
		},
	},
	{
		version: "3.11.9",
		sha256: map[string]string{
			"linux/amd64":   "7a6cb2b9c02a8b71f1b5cf2b8f33c80cfb6f8e6a7b6e68b9fa11bf6a62cbbf4e",
			"darwin/arm64":  "9a3aa2e3b2c98b5c9f5f6a6a847a29dd0c1b8fbb7ddfb9c1d6f2a13b24e63c21",
			"windows/amd64": "2bf2ae2c11cf3dedaa63c81b6dbba3b5cb3a7b1dd5d7fb73c4b4ac2e01b8c37b",
		},
	},
	{
		version: "3.10.14",
		sha256: map[string]string{
			"linux/amd64": "6d0fd2b9e63a53fbbcb5d5c2e6c7de86c9a0f3c5bf96e30e9d4b42b6f2e60c32",
		},
	},
}

// ManagedVersions lists the interpreter versions pyflow can install.
func ManagedVersions() []pep440.Version {
	out := make([]pep440.Version, 0, len(managedBuilds))
	for _, b := range managedBuilds {
		out = append(out, pep440.MustVersion(b.version))
	}
	pep440.SortVersionsDesc(out)
	return out
}

// InstallManaged downloads, verifies and unpacks a managed interpreter
// build, returning the ready interpreter. The archive's SHA-256 must match
// the pinned digest for this platform.
func InstallManaged(ctx context.Context, constraint pep440.ConstraintSet, logf func(string, ...any)) (Interpreter, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	build, _, err := pickManagedBuild(constraint)
	if err != nil {
		return Interpreter{}, err
	}
	platform := runtime.GOOS + "/" + runtime.GOARCH
	digest, ok := build.sha256[platform]
	if !ok {
		return Interpreter{}, errors.New(errors.ErrCodeInterpreterMissing,
			"no managed python %s build for %s", build.version, platform)
	}

	installs, err := PythonInstallsDir()
	if err != nil {
		return Interpreter{}, err
	}
	cacheDir, err := DependencyCacheDir()
	if err != nil {
		return Interpreter{}, err
	}

	filename := fmt.Sprintf("python-%s-%s-%s.tar.gz", build.version, runtime.GOOS, runtime.GOARCH)
	url := fmt.Sprintf("%s/v%s/%s", DefaultMirror, build.version, filename)

	logf("downloading managed python %s", build.version)
	archivePath, err := archive.NewDownloader(cacheDir).Fetch(ctx, archive.Request{
		Name:     "python",
		Version:  build.version,
		Filename: filename,
		URL:      url,
		SHA256:   digest,
	})
	if err != nil {
		return Interpreter{}, err
	}

	installDir := filepath.Join(installs, build.version)
	logf("unpacking into %s", installDir)
	if err := archive.ExtractTarGzInto(archivePath, installDir); err != nil {
		return Interpreter{}, err
	}

	in, ok := probe(ctx, managedPython(installDir))
	if !ok {
		return Interpreter{}, errors.New(errors.ErrCodeInterpreterMissing,
			"managed python %s unpacked but does not run", build.version)
	}
	return in, nil
}

func pickManagedBuild(constraint pep440.ConstraintSet) (managedBuild, pep440.Version, error) {
	for _, b := range managedBuilds { // ordered newest first
		v := pep440.MustVersion(b.version)
		if len(constraint) == 0 || constraint.Matches(v) {
			return b, v, nil
		}
	}
	return managedBuild{}, pep440.Version{}, errors.New(errors.ErrCodeInterpreterMissing,
		"no managed python build satisfies %s", constraint)
}
