package dispatch

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// requiresRe matches a top-level `__requires__ = [name, name, ...]`
// declaration, the per-script dependency list.
var requiresRe = regexp.MustCompile(`^__requires__\s*=\s*\[(.*?)\]\s*$`)

// ParseScriptRequires extracts the __requires__ names from a Python script.
// Names are bare (no constraints) and returned canonicalized.
func ParseScriptRequires(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := requiresRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		for _, raw := range strings.Split(m[1], ",") {
			name := strings.Trim(strings.TrimSpace(raw), `"'`)
			if name != "" {
				out = append(out, pep440.CanonicalName(name))
			}
		}
	}
	return out, scanner.Err()
}

// ScriptEnvKey derives the isolated environment key for a script from its
// requirement names: same requirements, same cached environment.
func ScriptEnvKey(requires []string) string {
	sorted := append([]string{}, requires...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}

// ScriptEnvDir returns the environment directory for a script inside the
// script-envs root.
func ScriptEnvDir(root string, requires []string) string {
	return filepath.Join(root, ScriptEnvKey(requires))
}

// ReadScriptPyVersion reads the interpreter version previously chosen for
// a script environment, if any.
func ReadScriptPyVersion(envDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(envDir, "py_vers.txt"))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	return v, v != ""
}

// WriteScriptPyVersion records the interpreter version for a script
// environment.
func WriteScriptPyVersion(envDir, version string) error {
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(envDir, "py_vers.txt"), []byte(version+"\n"), 0o644)
}
