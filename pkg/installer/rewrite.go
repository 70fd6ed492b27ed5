package installer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// RewriteImports rewrites `import name` and `from name ...` statements in
// every .py file under root to use the multi-version alias:
//
//	import c        ->  import c_2_0_0 as c
//	from c.util ... ->  from c_2_0_0.util ...
//
// The rewrite is textual: matching lines inside multi-line string literals
// are rewritten too, while `#` comment lines never match; dynamic imports
// (importlib, __import__, exec) are not handled. Callers must gate on [CheckRewriteSafe] first.
func RewriteImports(root, name, alias string) error {
	importRe := regexp.MustCompile(`(?m)^(\s*)import ` + regexp.QuoteMeta(name) + `\b`)
	fromRe := regexp.MustCompile(`(?m)^(\s*)from ` + regexp.QuoteMeta(name) + `(\.|\s)`)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".py") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := string(data)
		updated := importRe.ReplaceAllString(text, fmt.Sprintf("${1}import %s as %s", alias, name))
		updated = fromRe.ReplaceAllString(updated, fmt.Sprintf("${1}from %s${2}", alias))
		if updated == text {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(updated), info.Mode().Perm())
	})
}

// CheckRewriteSafe refuses multi-version installs of distributions that
// ship compiled extensions: imports inside .so/.pyd modules cannot be
// rewritten textually, so aliasing them would break at runtime.
func CheckRewriteSafe(root, name string) error {
	var compiled []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".so") || strings.HasSuffix(path, ".pyd") {
			compiled = append(compiled, filepath.Base(path))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(compiled) > 0 {
		return errors.New(errors.ErrCodeUnresolvable,
			"%s contains compiled extensions (%s) and cannot be installed as a multi-version sibling",
			name, strings.Join(compiled, ", ")).
			WithRemedy("Pin your dependencies so a single version of %s satisfies every requirer", name)
	}
	return nil
}
