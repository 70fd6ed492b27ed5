package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testManifest = `[tool.pyflow]
name = "demo"
py_version = "^3.7"

[tool.pyflow.dependencies]
requests = "^2.21.0"
toolz = "0.10.0"

[tool.pyflow.dev-dependencies]
pytest = "^5.0"
`

func writeTestManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyproject.toml")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRemoveManifestDependencies(t *testing.T) {
	path := writeTestManifest(t)

	if err := removeManifestDependencies(path, []string{"toolz"}); err != nil {
		t.Fatalf("removeManifestDependencies: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if strings.Contains(content, "toolz") {
		t.Errorf("toolz should be gone:\n%s", content)
	}
	if !strings.Contains(content, "requests = \"^2.21.0\"") {
		t.Errorf("requests must survive:\n%s", content)
	}
	if !strings.Contains(content, "pytest = \"^5.0\"") {
		t.Errorf("dev deps must survive unrelated removals:\n%s", content)
	}
}

func TestRemoveManifestDependenciesMatchesCanonically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pyproject.toml")
	manifest := "[tool.pyflow.dependencies]\nTyping_Extensions = \"^4.0\"\n"
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := removeManifestDependencies(path, []string{"typing-extensions"}); err != nil {
		t.Fatalf("removeManifestDependencies: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "Typing_Extensions") {
		t.Error("removal should match canonical names")
	}
}

func TestRewritePyVersion(t *testing.T) {
	path := writeTestManifest(t)

	if err := rewritePyVersion(path, "^3.9"); err != nil {
		t.Fatalf("rewritePyVersion: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "py_version = \"^3.9\"") {
		t.Errorf("py_version not rewritten:\n%s", data)
	}
	if strings.Contains(string(data), "^3.7") {
		t.Error("old py_version should be gone")
	}
}

func TestRewritePyVersionMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pyproject.toml")
	if err := os.WriteFile(path, []byte("[tool.pyflow]\nname = \"x\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rewritePyVersion(path, "^3.9"); err == nil {
		t.Error("missing py_version key should be reported")
	}
}
