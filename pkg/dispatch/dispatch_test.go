package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// stubPython writes a fake interpreter that records its argv and env into
// a file, so dispatch behavior can be observed without a real Python.
func stubPython(t *testing.T) (python, logFile string) {
	if runtime.GOOS == "windows" {
		t.Skip("stub interpreter is a shell script")
	}
	t.Helper()
	dir := t.TempDir()
	logFile = filepath.Join(dir, "invocation.log")
	python = filepath.Join(dir, "python")
	script := "#!/bin/sh\n{\n  echo \"args: $@\"\n  echo \"pythonpath: $PYTHONPATH\"\n} > " + logFile + "\n"
	if err := os.WriteFile(python, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return python, logFile
}

func readLog(t *testing.T, logFile string) string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("interpreter was not invoked: %v", err)
	}
	return string(data)
}

func newTarget(t *testing.T) (Target, string) {
	python, logFile := stubPython(t)
	scripts := t.TempDir()
	return Target{
		Python:         python,
		Lib:            "/proj/__pypackages__/3.7/lib",
		Scripts:        scripts,
		ProjectScripts: map[string]string{"serve": "demo.server:main"},
	}, logFile
}

func TestREPLPrependsPythonPath(t *testing.T) {
	target, logFile := newTarget(t)

	if err := REPL(context.Background(), target); err != nil {
		t.Fatalf("REPL: %v", err)
	}
	log := readLog(t, logFile)
	if !strings.Contains(log, "pythonpath: /proj/__pypackages__/3.7/lib") {
		t.Errorf("PYTHONPATH not set: %s", log)
	}
}

func TestRunProjectScript(t *testing.T) {
	target, logFile := newTarget(t)

	if err := Run(context.Background(), target, "serve", []string{"--port", "8000"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	log := readLog(t, logFile)
	if !strings.Contains(log, "import demo.server; demo.server.main()") {
		t.Errorf("project script not dispatched via -c: %s", log)
	}
	if !strings.Contains(log, "--port 8000") {
		t.Errorf("arguments not forwarded: %s", log)
	}
}

func TestRunConsoleScript(t *testing.T) {
	target, logFile := newTarget(t)
	shim := filepath.Join(target.Scripts, "black")
	if err := os.WriteFile(shim, []byte("#!python\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Run(context.Background(), target, "black", []string{"file.py"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	log := readLog(t, logFile)
	if !strings.Contains(log, shim) {
		t.Errorf("console script shim not executed: %s", log)
	}
}

func TestRunPyFile(t *testing.T) {
	target, logFile := newTarget(t)
	file := filepath.Join(t.TempDir(), "tool.py")
	if err := os.WriteFile(file, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Run(context.Background(), target, file, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(readLog(t, logFile), file) {
		t.Error("py file should be passed to the interpreter")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	target, _ := newTarget(t)
	err := Run(context.Background(), target, "no-such-tool", nil)
	if !errors.Is(err, errors.ErrCodeUnknownCommand) {
		t.Fatalf("error = %v, want UNKNOWN_COMMAND", err)
	}
	if errors.ExitCode(err) != errors.ExitUser {
		t.Errorf("exit code = %d, want 1", errors.ExitCode(err))
	}
}

func TestParseScriptRequires(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tool.py")
	content := `#!/usr/bin/env python
__requires__ = ["Requests", 'toolz', "zc.lockfile"]

import requests
`
	if err := os.WriteFile(script, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	requires, err := ParseScriptRequires(script)
	if err != nil {
		t.Fatalf("ParseScriptRequires: %v", err)
	}
	want := []string{"requests", "toolz", "zc-lockfile"}
	if len(requires) != len(want) {
		t.Fatalf("requires = %v", requires)
	}
	for i, w := range want {
		if requires[i] != w {
			t.Errorf("requires[%d] = %q, want %q", i, requires[i], w)
		}
	}
}

func TestParseScriptRequiresAbsent(t *testing.T) {
	script := filepath.Join(t.TempDir(), "plain.py")
	if err := os.WriteFile(script, []byte("print('no requires')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	requires, err := ParseScriptRequires(script)
	if err != nil {
		t.Fatalf("ParseScriptRequires: %v", err)
	}
	if len(requires) != 0 {
		t.Errorf("requires = %v, want none", requires)
	}
}

func TestScriptEnvKeyStableAndOrderIndependent(t *testing.T) {
	a := ScriptEnvKey([]string{"requests", "toolz"})
	b := ScriptEnvKey([]string{"toolz", "requests"})
	if a != b {
		t.Error("key must not depend on declaration order")
	}
	c := ScriptEnvKey([]string{"requests"})
	if a == c {
		t.Error("different requirement sets need different environments")
	}
}

func TestScriptPyVersionRoundTrip(t *testing.T) {
	envDir := filepath.Join(t.TempDir(), "env")
	if _, ok := ReadScriptPyVersion(envDir); ok {
		t.Error("missing file should report not-ok")
	}
	if err := WriteScriptPyVersion(envDir, "3.7.4"); err != nil {
		t.Fatalf("WriteScriptPyVersion: %v", err)
	}
	v, ok := ReadScriptPyVersion(envDir)
	if !ok || v != "3.7.4" {
		t.Errorf("ReadScriptPyVersion = %q %v", v, ok)
	}
}
