package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// EntryPoint is one [console_scripts] entry: name = module:function.
type EntryPoint struct {
	Name     string
	Module   string
	Function string
}

var entryPointRe = regexp.MustCompile(`^(.*?)\s*=\s*([\w.]+):([\w.]+)`)

// ParseConsoleScripts extracts the [console_scripts] section from an
// entry_points.txt stream. Other sections (gui_scripts, plugin groups) are
// ignored.
func ParseConsoleScripts(r io.Reader) []EntryPoint {
	var eps []EntryPoint
	inSection := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "[console_scripts]":
			inSection = true
		case strings.HasPrefix(line, "["):
			if inSection {
				return eps
			}
		case inSection && line != "":
			if m := entryPointRe.FindStringSubmatch(line); m != nil {
				eps = append(eps, EntryPoint{Name: strings.TrimSpace(m[1]), Module: m[2], Function: m[3]})
			}
		}
	}
	return eps
}

// ReadConsoleScripts loads the console scripts declared by an installed
// distribution's dist-info directory. A missing entry_points.txt means no
// scripts.
func ReadConsoleScripts(distInfoPath string) ([]EntryPoint, error) {
	f, err := os.Open(filepath.Join(distInfoPath, "entry_points.txt"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseConsoleScripts(f), nil
}

// shimSource is the body of a generated console-script shim. It strips the
// launcher suffix from argv[0] the way setuptools shims do, then calls the
// entry point.
const shimSource = `import re
import sys

from %s import %s

if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw?|\.exe)?$', '', sys.argv[0])
    sys.exit(%s())
`

// WriteShim creates the launcher for one console script in scriptsDir.
//
// On POSIX the shim is an executable file with a shebang pointing at the
// project interpreter. On Windows it is a <name>-script.py paired with a
// <name>.cmd stub that embeds the interpreter path.
func WriteShim(scriptsDir string, ep EntryPoint, interpreter string) error {
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return writeWindowsShim(scriptsDir, ep, interpreter)
	}

	body := fmt.Sprintf("#!%s\n", interpreter) +
		fmt.Sprintf(shimSource, ep.Module, ep.Function, ep.Function)
	return os.WriteFile(filepath.Join(scriptsDir, ep.Name), []byte(body), 0o755)
}

func writeWindowsShim(scriptsDir string, ep EntryPoint, interpreter string) error {
	script := filepath.Join(scriptsDir, ep.Name+"-script.py")
	body := fmt.Sprintf(shimSource, ep.Module, ep.Function, ep.Function)
	if err := os.WriteFile(script, []byte(body), 0o644); err != nil {
		return err
	}
	stub := fmt.Sprintf("@echo off\r\n\"%s\" \"%%~dp0%s-script.py\" %%*\r\n", interpreter, ep.Name)
	return os.WriteFile(filepath.Join(scriptsDir, ep.Name+".cmd"), []byte(stub), 0o644)
}

// RemoveShim deletes the launcher files a console script installed.
func RemoveShim(scriptsDir, name string) {
	_ = os.Remove(filepath.Join(scriptsDir, name))
	_ = os.Remove(filepath.Join(scriptsDir, name+"-script.py"))
	_ = os.Remove(filepath.Join(scriptsDir, name+".cmd"))
	_ = os.Remove(filepath.Join(scriptsDir, name+".exe"))
}
