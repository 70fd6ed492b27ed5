package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pyflow-dev/pyflow/pkg/archive"
	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pypi"
)

// wheelBytes builds an in-memory wheel archive.
func wheelBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeSource serves releases whose single wheel points at a test server.
type fakeSource struct {
	releases map[string]*pypi.Release
}

func (f *fakeSource) Release(_ context.Context, name string, v pep440.Version) (*pypi.Release, error) {
	rel, ok := f.releases[name+" "+v.String()]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "not found: %s %s", name, v)
	}
	return rel, nil
}

type testEnv struct {
	layout   Layout
	executor *Executor
	source   *fakeSource
	server   *httptest.Server
	wheels   map[string][]byte // URL path -> bytes
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		source: &fakeSource{releases: map[string]*pypi.Release{}},
		wheels: map[string][]byte{},
	}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := env.wheels[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(env.server.Close)

	root := t.TempDir()
	env.layout = Layout{
		Lib:     filepath.Join(root, "lib"),
		Scripts: filepath.Join(root, "bin"),
		Headers: filepath.Join(root, "include"),
		Data:    root,
	}
	platform := archive.Platform{PythonVersion: pep440.MustVersion("3.7.4"), OS: "linux", Arch: "amd64"}
	env.executor = NewExecutor(env.layout, env.source,
		archive.NewDownloader(filepath.Join(root, "cache")), platform, "/usr/bin/python3", nil)
	return env
}

// addWheel registers a release with one pure-python wheel built from files.
func (env *testEnv) addWheel(t *testing.T, name, version string, files map[string]string, sha string) {
	t.Helper()
	filename := name + "-" + version + "-py3-none-any.whl"
	data := wheelBytes(t, files)
	if sha == "" {
		sum := sha256.Sum256(data)
		sha = hex.EncodeToString(sum[:])
	}
	path := "/" + filename
	env.wheels[path] = data
	env.source.releases[name+" "+version] = &pypi.Release{
		Name:    name,
		Version: pep440.MustVersion(version),
		Wheels: []pypi.WheelInfo{{
			Filename:    filename,
			URL:         env.server.URL + path,
			SHA256:      sha,
			PythonTag:   "py3",
			ABITag:      "none",
			PlatformTag: "any",
		}},
	}
}

func lockWith(pkgs ...lockfile.Package) *lockfile.Lock {
	return &lockfile.Lock{Package: pkgs}
}

func listLib(t *testing.T, lib string) []string {
	t.Helper()
	var out []string
	entries, err := os.ReadDir(lib)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestSyncInstallsAndUninstalls(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "toolz", "0.10.0", map[string]string{
		"toolz/__init__.py":                    "from .core import *\n",
		"toolz/core.py":                        "def identity(x):\n    return x\n",
		"toolz-0.10.0.dist-info/METADATA":      "Name: toolz\n",
		"toolz-0.10.0.dist-info/top_level.txt": "toolz\n",
	}, "")

	lock := lockWith(lockfile.Package{Name: "toolz", Version: "0.10.0", Source: "pypi"})
	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.layout.Lib, "toolz", "core.py")); err != nil {
		t.Fatalf("toolz not installed: %v", err)
	}
	rec, err := archive.ReadRecordFile(filepath.Join(env.layout.Lib, "toolz-0.10.0.dist-info", "RECORD"))
	if err != nil {
		t.Fatalf("RECORD missing after install: %v", err)
	}
	if bad := rec.Verify(env.layout.Lib); len(bad) != 0 {
		t.Errorf("RECORD does not verify: %v", bad)
	}

	// Uninstall: empty lock removes everything and leaves no remnants.
	if err := env.executor.Sync(context.Background(), lockWith()); err != nil {
		t.Fatalf("Sync(empty): %v", err)
	}
	for _, name := range listLib(t, env.layout.Lib) {
		if strings.HasPrefix(name, "toolz") {
			t.Errorf("lib still contains %s after uninstall", name)
		}
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "toolz", "0.10.0", map[string]string{
		"toolz/__init__.py":               "x = 1\n",
		"toolz-0.10.0.dist-info/METADATA": "Name: toolz\n",
	}, "")
	lock := lockWith(lockfile.Package{Name: "toolz", Version: "0.10.0", Source: "pypi"})

	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	// Second run must be a no-op: drop the artifact server to prove no
	// fetches happen.
	env.server.Close()
	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("second Sync should not refetch: %v", err)
	}
}

func TestSyncHashMismatchAbortsCleanly(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "toolz", "0.10.0", map[string]string{
		"toolz/__init__.py":               "x = 1\n",
		"toolz-0.10.0.dist-info/METADATA": "Name: toolz\n",
	}, strings.Repeat("deadbeef", 8))

	lock := lockWith(lockfile.Package{Name: "toolz", Version: "0.10.0", Source: "pypi"})
	err := env.executor.Sync(context.Background(), lock)
	if !errors.Is(err, errors.ErrCodeHashMismatch) {
		t.Fatalf("error = %v, want HASH_MISMATCH", err)
	}
	if errors.ExitCode(err) != errors.ExitIntegrity {
		t.Errorf("exit code = %d, want %d", errors.ExitCode(err), errors.ExitIntegrity)
	}
	if got := listLib(t, env.layout.Lib); len(got) != 0 {
		t.Errorf("lib should be untouched after aborted install, got %v", got)
	}
}

func TestSyncReinstallsWhenRecordMissing(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "toolz", "0.10.0", map[string]string{
		"toolz/__init__.py":               "x = 1\n",
		"toolz-0.10.0.dist-info/METADATA": "Name: toolz\n",
	}, "")
	lock := lockWith(lockfile.Package{Name: "toolz", Version: "0.10.0", Source: "pypi"})

	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := os.Remove(filepath.Join(env.layout.Lib, "toolz-0.10.0.dist-info", "RECORD")); err != nil {
		t.Fatal(err)
	}

	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("reinstall Sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.layout.Lib, "toolz-0.10.0.dist-info", "RECORD")); err != nil {
		t.Errorf("RECORD should be restored by the reinstall: %v", err)
	}
}

func TestSyncMultiVersionAliasAndRewrite(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "a", "1.0", map[string]string{
		"a/__init__.py":                 "import c\n\ndef go():\n    return c.value\n",
		"a-1.0.dist-info/METADATA":      "Name: a\n",
		"a-1.0.dist-info/top_level.txt": "a\n",
	}, "")
	env.addWheel(t, "c", "2.0.0", map[string]string{
		"c/__init__.py":                   "from c.util import value\n",
		"c/util.py":                       "value = 2\n",
		"c-2.0.0.dist-info/METADATA":      "Name: c\n",
		"c-2.0.0.dist-info/top_level.txt": "c\n",
	}, "")

	lock := lockWith(
		lockfile.Package{
			Name: "a", Version: "1.0", Source: "pypi",
			Dependencies: []string{"c_2_0_0 ==2.0.0"},
		},
		lockfile.Package{Name: "c", Version: "2.0.0", Source: "pypi", Rename: "c_2_0_0"},
	)
	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// The sibling lands under its alias with aliased dist-info.
	if _, err := os.Stat(filepath.Join(env.layout.Lib, "c_2_0_0", "util.py")); err != nil {
		t.Fatalf("aliased package missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.layout.Lib, "c_2_0_0-2.0.0.dist-info")); err != nil {
		t.Fatalf("aliased dist-info missing: %v", err)
	}

	// Internal imports of the sibling use the alias.
	self := readFile(t, filepath.Join(env.layout.Lib, "c_2_0_0", "__init__.py"))
	if !strings.Contains(self, "from c_2_0_0.util import value") {
		t.Errorf("self imports not rewritten: %q", self)
	}

	// The requirer's imports are rewritten to the alias.
	parent := readFile(t, filepath.Join(env.layout.Lib, "a", "__init__.py"))
	if !strings.Contains(parent, "import c_2_0_0 as c") {
		t.Errorf("parent imports not rewritten: %q", parent)
	}
	if !strings.Contains(parent, "return c.value") {
		t.Errorf("non-import references must stay on the short name: %q", parent)
	}
}

func TestSyncRefusesMultiVersionWithCompiledExtensions(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "c", "2.0.0", map[string]string{
		"c/__init__.py":                   "from c import _speed\n",
		"c/_speed.so":                     "\x7fELF...",
		"c-2.0.0.dist-info/METADATA":      "Name: c\n",
		"c-2.0.0.dist-info/top_level.txt": "c\n",
	}, "")

	lock := lockWith(lockfile.Package{Name: "c", Version: "2.0.0", Source: "pypi", Rename: "c_2_0_0"})
	err := env.executor.Sync(context.Background(), lock)
	if err == nil {
		t.Fatal("multi-version install of a compiled package must be refused")
	}
	if got := listLib(t, env.layout.Lib); len(got) != 0 {
		t.Errorf("refused install should leave lib empty, got %v", got)
	}
}

func TestSyncWritesConsoleScriptShims(t *testing.T) {
	env := newTestEnv(t)
	env.addWheel(t, "black", "19.3", map[string]string{
		"black/__init__.py":                     "def main():\n    pass\n",
		"black-19.3.dist-info/METADATA":         "Name: black\n",
		"black-19.3.dist-info/entry_points.txt": "[console_scripts]\nblack = black:main\n",
	}, "")

	lock := lockWith(lockfile.Package{Name: "black", Version: "19.3", Source: "pypi"})
	if err := env.executor.Sync(context.Background(), lock); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	shim := filepath.Join(env.layout.Scripts, "black")
	data, err := os.ReadFile(shim)
	if err != nil {
		t.Fatalf("shim missing: %v", err)
	}
	if !strings.Contains(string(data), "from black import main") {
		t.Errorf("shim = %q", data)
	}

	// Uninstall drops the shim too.
	if err := env.executor.Sync(context.Background(), lockWith()); err != nil {
		t.Fatalf("Sync(empty): %v", err)
	}
	if _, err := os.Stat(shim); !os.IsNotExist(err) {
		t.Error("shim should be removed on uninstall")
	}
}

func TestDiffPlan(t *testing.T) {
	lock := lockWith(
		lockfile.Package{Name: "keep", Version: "1.0", Source: "pypi"},
		lockfile.Package{Name: "upgrade", Version: "2.0", Source: "pypi"},
		lockfile.Package{Name: "new", Version: "1.0", Source: "pypi"},
	)
	installed := []Installed{
		{DistName: "keep", Canonical: "keep", Version: "1.0", HasRecord: true},
		{DistName: "upgrade", Canonical: "upgrade", Version: "1.9", HasRecord: true},
		{DistName: "gone", Canonical: "gone", Version: "0.1", HasRecord: true},
	}

	plan := Diff(lock, installed)

	installNames := map[string]bool{}
	for _, pkg := range plan.ToInstall {
		installNames[pkg.Name] = true
	}
	if !installNames["new"] || !installNames["upgrade"] || installNames["keep"] {
		t.Errorf("ToInstall = %v", installNames)
	}

	removeNames := map[string]bool{}
	for _, inst := range plan.ToRemove {
		removeNames[inst.Canonical] = true
	}
	if !removeNames["gone"] || !removeNames["upgrade"] || removeNames["keep"] {
		t.Errorf("ToRemove = %v", removeNames)
	}
}

func TestInstallOrderParentsBeforeLeaves(t *testing.T) {
	lock := lockWith(
		lockfile.Package{Name: "leaf", Version: "1.0", Source: "pypi"},
		lockfile.Package{Name: "mid", Version: "1.0", Source: "pypi", Dependencies: []string{"leaf ==1.0"}},
		lockfile.Package{Name: "top", Version: "1.0", Source: "pypi", Dependencies: []string{"mid ==1.0"}},
	)
	plan := Diff(lock, nil)

	pos := map[string]int{}
	for i, pkg := range plan.ToInstall {
		pos[pkg.Name] = i
	}
	if !(pos["top"] < pos["mid"] && pos["mid"] < pos["leaf"]) {
		t.Errorf("install order = %v, want top before mid before leaf", pos)
	}
}
