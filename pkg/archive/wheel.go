package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// UnpackDest tells the wheel extractor where each PEP 427 category lands.
//
// When extraction happens in a staging directory, the *Rel fields give the
// RECORD paths of the non-lib categories relative to the final lib
// directory (e.g. "../bin"), so the written RECORD matches the committed
// layout. Left empty, they are derived from the destination paths.
type UnpackDest struct {
	Lib     string // site-packages equivalent; archive-root files and purelib/platlib
	Scripts string // <dist>-<ver>.data/scripts/
	Headers string // <dist>-<ver>.data/headers/
	Data    string // <dist>-<ver>.data/data/

	ScriptsRel string
	HeadersRel string
	DataRel    string
}

// recordRel returns the RECORD path for a file extracted to target,
// preferring the explicit category-relative prefix.
func (d UnpackDest) recordRel(category, sub, target string) string {
	prefix := ""
	switch category {
	case "scripts":
		prefix = d.ScriptsRel
	case "headers":
		prefix = d.HeadersRel
	case "data":
		prefix = d.DataRel
	}
	if prefix != "" {
		return filepath.ToSlash(filepath.Join(prefix, sub))
	}
	rel, err := filepath.Rel(d.Lib, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}

// UnpackResult describes what a wheel extraction produced.
type UnpackResult struct {
	DistInfo string // dist-info directory name, e.g. "requests-2.22.0.dist-info"
	Record   Record // rewritten to reflect the final file layout
	// TopLevel lists the top-level python packages/modules the wheel placed
	// under Lib, from top_level.txt when present, else inferred.
	TopLevel []string
}

// UnpackWheel extracts a wheel archive into dest per PEP 427. File modes
// are preserved where the archive carries them. The RECORD file is
// rewritten to reflect final paths and returned for the install record.
func UnpackWheel(wheelPath string, dest UnpackDest) (*UnpackResult, error) {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedArchive, err, "opening wheel %s", filepath.Base(wheelPath))
	}
	defer zr.Close()

	result := &UnpackResult{}
	topLevel := map[string]bool{}

	for _, f := range zr.File {
		name := filepath.ToSlash(f.Name)
		if strings.HasSuffix(name, "/") {
			continue
		}
		if strings.Contains(name, "..") {
			return nil, errors.New(errors.ErrCodeMalformedArchive, "unsafe path in wheel: %s", name)
		}

		root, rest, _ := strings.Cut(name, "/")
		var target, relPath string
		switch {
		case strings.HasSuffix(root, ".data") && rest != "":
			key, sub, _ := strings.Cut(rest, "/")
			switch key {
			case "scripts":
				target = filepath.Join(dest.Scripts, filepath.FromSlash(sub))
				relPath = dest.recordRel("scripts", sub, target)
			case "purelib", "platlib":
				target = filepath.Join(dest.Lib, filepath.FromSlash(sub))
				relPath = sub
				noteTopLevel(topLevel, sub)
			case "headers":
				target = filepath.Join(dest.Headers, filepath.FromSlash(sub))
				relPath = dest.recordRel("headers", sub, target)
			default: // "data" and anything else keyed under .data/
				target = filepath.Join(dest.Data, filepath.FromSlash(sub))
				relPath = dest.recordRel("data", sub, target)
			}
		default:
			target = filepath.Join(dest.Lib, filepath.FromSlash(name))
			relPath = name
			if strings.HasSuffix(root, ".dist-info") {
				result.DistInfo = root
			} else {
				noteTopLevel(topLevel, name)
			}
		}

		if strings.HasSuffix(name, ".dist-info/RECORD") {
			// Materialized after extraction, from the rewritten entries.
			continue
		}
		if err := extractZipFile(f, target); err != nil {
			return nil, err
		}
		entry, err := HashFileEntry(target, filepath.ToSlash(relPath))
		if err != nil {
			return nil, err
		}
		result.Record = append(result.Record, entry)
	}

	if result.DistInfo == "" {
		return nil, errors.New(errors.ErrCodeMalformedArchive,
			"wheel %s carries no dist-info directory", filepath.Base(wheelPath))
	}

	// Honor top_level.txt when the wheel ships one.
	if names, err := readTopLevel(filepath.Join(dest.Lib, result.DistInfo, "top_level.txt")); err == nil && len(names) > 0 {
		result.TopLevel = names
	} else {
		for name := range topLevel {
			result.TopLevel = append(result.TopLevel, name)
		}
	}

	recordPath := filepath.Join(dest.Lib, result.DistInfo, "RECORD")
	recordRel := filepath.ToSlash(filepath.Join(result.DistInfo, "RECORD"))
	result.Record = append(result.Record, RecordEntry{Path: recordRel})
	if err := result.Record.WriteFile(recordPath); err != nil {
		return nil, err
	}
	return result, nil
}

func noteTopLevel(set map[string]bool, relPath string) {
	top, _, cut := strings.Cut(relPath, "/")
	if !cut {
		// A module file directly at the root, e.g. "six.py".
		top = strings.TrimSuffix(top, ".py")
	}
	if top != "" && !strings.HasSuffix(top, ".data") && !strings.HasSuffix(top, ".dist-info") {
		set[top] = true
	}
}

func readTopLevel(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArchive, err, "reading %s", f.Name)
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Wrap(errors.ErrCodeMalformedArchive, err, "extracting %s", f.Name)
	}
	return out.Close()
}
