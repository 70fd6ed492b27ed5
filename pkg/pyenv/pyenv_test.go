package pyenv

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

func TestDataDirPerPlatform(t *testing.T) {
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	switch runtime.GOOS {
	case "linux":
		if !filepath.IsAbs(dir) || filepath.Base(dir) != "pyflow" {
			t.Errorf("DataDir = %q", dir)
		}
		if want := filepath.Join(".local", "share", "pyflow"); !hasSuffixPath(dir, want) {
			t.Errorf("DataDir = %q, want suffix %q", dir, want)
		}
	case "darwin":
		if want := filepath.Join("Library", "Application Support", "pyflow"); !hasSuffixPath(dir, want) {
			t.Errorf("DataDir = %q, want suffix %q", dir, want)
		}
	}
}

func hasSuffixPath(path, suffix string) bool {
	for range 3 {
		if filepath.Base(path) != filepath.Base(suffix) {
			return false
		}
		path, suffix = filepath.Dir(path), filepath.Dir(suffix)
		if suffix == "." {
			return true
		}
	}
	return true
}

func TestProjectLayoutPaths(t *testing.T) {
	lib := LibDir("/proj", "3.7")
	if lib != filepath.Join("/proj", "__pypackages__", "3.7", "lib") {
		t.Errorf("LibDir = %q", lib)
	}
	venv := VenvDir("/proj", "3.7")
	if venv != filepath.Join("/proj", "__pypackages__", "3.7", ".venv") {
		t.Errorf("VenvDir = %q", venv)
	}
	if runtime.GOOS != "windows" {
		if got := ScriptsDir("/proj", "3.7"); filepath.Base(got) != "bin" {
			t.Errorf("ScriptsDir = %q", got)
		}
		if got := VenvPython("/proj", "3.7"); !hasSuffixPath(got, filepath.Join(".venv", "bin", "python")) {
			t.Errorf("VenvPython = %q", got)
		}
	}
}

func TestProbeParsesInterpreterOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub interpreter is a shell script")
	}
	stub := filepath.Join(t.TempDir(), "python3")
	script := "#!/bin/sh\necho '3.7.4 cpython'\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	in, ok := probe(context.Background(), stub)
	if !ok {
		t.Fatal("probe should succeed on a working interpreter")
	}
	if in.Version.String() != "3.7.4" {
		t.Errorf("Version = %s", in.Version)
	}
	if in.Implementation != "cpython" {
		t.Errorf("Implementation = %q", in.Implementation)
	}
}

func TestProbeRejectsNonPython(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub interpreter is a shell script")
	}
	stub := filepath.Join(t.TempDir(), "python3")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\necho 'not a version'\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := probe(context.Background(), stub); ok {
		t.Error("probe should reject output that is not a version")
	}

	if _, ok := probe(context.Background(), filepath.Join(t.TempDir(), "missing")); ok {
		t.Error("probe should reject a missing executable")
	}
}

func TestManagedVersionsSortedHighestFirst(t *testing.T) {
	versions := ManagedVersions()
	if len(versions) == 0 {
		t.Fatal("expected at least one managed build")
	}
	for i := 0; i+1 < len(versions); i++ {
		if versions[i].Less(versions[i+1]) {
			t.Errorf("managed versions out of order: %s before %s", versions[i], versions[i+1])
		}
	}
}

func TestPickManagedBuild(t *testing.T) {
	cs, err := pep440.ParseConstraints("==3.11.*")
	if err != nil {
		t.Fatal(err)
	}
	build, version, err := pickManagedBuild(cs)
	if err != nil {
		t.Fatalf("pickManagedBuild: %v", err)
	}
	if build.version != "3.11.9" || version.String() != "3.11.9" {
		t.Errorf("picked %s", build.version)
	}

	ancient, err := pep440.ParseConstraints("==2.7")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := pickManagedBuild(ancient); err == nil {
		t.Error("no managed build satisfies ==2.7")
	}
}
