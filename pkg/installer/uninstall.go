package installer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/archive"
)

// Uninstall removes one installed distribution: every file listed in its
// RECORD, the console-script shims it declared, the dist-info directory,
// and any directories the removal emptied (up to, but not including, lib).
//
// When the RECORD is missing the top_level.txt package list is used as a
// fallback, matching how distributions installed by older tools look.
func Uninstall(layout Layout, inst Installed) error {
	eps, _ := archive.ReadConsoleScripts(inst.DistInfo)

	rec, err := archive.ReadRecordFile(filepath.Join(inst.DistInfo, "RECORD"))
	if err == nil {
		removeRecorded(layout.Lib, rec)
	} else {
		removeTopLevels(layout.Lib, inst)
	}

	for _, ep := range eps {
		archive.RemoveShim(layout.Scripts, ep.Name)
	}

	if err := os.RemoveAll(inst.DistInfo); err != nil {
		return err
	}

	// The .data directory, when the wheel shipped one, lives next to the
	// package under lib.
	_ = os.RemoveAll(filepath.Join(layout.Lib, inst.DistName+"-"+inst.Version+".data"))
	return nil
}

// removeRecorded deletes every RECORD-listed file and then prunes the
// directories that became empty, deepest first.
func removeRecorded(lib string, rec archive.Record) {
	dirs := make(map[string]bool)
	for _, entry := range rec {
		path := filepath.Join(lib, filepath.FromSlash(entry.Path))
		_ = os.Remove(path)
		for dir := filepath.Dir(path); strings.HasPrefix(dir, lib) && dir != lib; dir = filepath.Dir(dir) {
			dirs[dir] = true
		}
	}

	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	// Deepest directories first so parents empty out as children go.
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, dir := range ordered {
		_ = os.Remove(dir) // fails while non-empty, which is the point
	}
}

// removeTopLevels is the no-RECORD fallback: delete the packages named in
// top_level.txt, or the canonical import name when that is missing too.
func removeTopLevels(lib string, inst Installed) {
	var names []string
	if data, err := os.ReadFile(filepath.Join(inst.DistInfo, "top_level.txt")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
	}
	if len(names) == 0 {
		names = []string{strings.ReplaceAll(strings.ToLower(inst.DistName), "-", "_")}
	}

	for _, name := range names {
		_ = os.RemoveAll(filepath.Join(lib, name))
		// Single-module distributions install "<name>.py" at the root.
		_ = os.Remove(filepath.Join(lib, name+".py"))
	}
}
