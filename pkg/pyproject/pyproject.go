// Package pyproject reads and updates the project manifest. Dependencies,
// the interpreter constraint, script entry points and extras groups live
// under [tool.pyflow]; [tool.poetry] sections are honored with the same
// semantics where the fields overlap.
package pyproject

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// Filename is the manifest's name inside a project directory.
const Filename = "pyproject.toml"

// Config is the parsed manifest content pyflow consumes.
type Config struct {
	Name        string
	Version     string
	Description string
	Authors     []string
	License     string
	Homepage    string
	Repository  string
	Readme      string
	Keywords    []string
	Classifiers []string
	PackageURL  string // upload target (package_url); empty when unset

	PyVersion pep440.ConstraintSet // [tool.pyflow] py_version

	Dependencies    []pep440.Requirement
	DevDependencies []pep440.Requirement
	Extras          map[string][]pep440.Requirement // optional dependency groups
	Scripts         map[string]string               // name -> "module:function"
}

// raw mirrors the TOML structure.
type raw struct {
	Tool struct {
		Pyflow rawTool `toml:"pyflow"`
		Poetry rawTool `toml:"poetry"`
	} `toml:"tool"`
}

type rawTool struct {
	Name            string              `toml:"name"`
	Version         string              `toml:"version"`
	Description     string              `toml:"description"`
	Authors         []string            `toml:"authors"`
	License         string              `toml:"license"`
	Homepage        string              `toml:"homepage"`
	Repository      string              `toml:"repository"`
	Readme          string              `toml:"readme"`
	Keywords        []string            `toml:"keywords"`
	Classifiers     []string            `toml:"classifiers"`
	PackageURL      string              `toml:"package_url"`
	PyVersion       string              `toml:"py_version"`
	PythonRequires  string              `toml:"python_requires"`
	Dependencies    map[string]any      `toml:"dependencies"`
	DevDependencies map[string]any      `toml:"dev-dependencies"`
	Extras          map[string][]string `toml:"extras"`
	Scripts         map[string]string   `toml:"scripts"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses manifest content.
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "malformed pyproject.toml")
	}

	// pyflow's table wins; poetry fills the gaps.
	merged := r.Tool.Pyflow
	fillFrom(&merged, r.Tool.Poetry)

	cfg := &Config{
		Name:        merged.Name,
		Version:     merged.Version,
		Description: merged.Description,
		Authors:     merged.Authors,
		License:     merged.License,
		Homepage:    merged.Homepage,
		Repository:  merged.Repository,
		Readme:      merged.Readme,
		Keywords:    merged.Keywords,
		Classifiers: merged.Classifiers,
		PackageURL:  merged.PackageURL,
		Scripts:     merged.Scripts,
	}

	pyConstraint := merged.PyVersion
	if pyConstraint == "" {
		pyConstraint = merged.PythonRequires
	}
	if pyConstraint != "" {
		cs, err := pep440.ParseConstraints(pyConstraint)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "invalid py_version")
		}
		cfg.PyVersion = cs
	}

	var perr error
	cfg.Dependencies, perr = parseDepTable(merged.Dependencies)
	if perr != nil {
		return nil, perr
	}
	cfg.DevDependencies, perr = parseDepTable(merged.DevDependencies)
	if perr != nil {
		return nil, perr
	}

	if len(merged.Extras) > 0 {
		cfg.Extras = make(map[string][]pep440.Requirement, len(merged.Extras))
		for group, specs := range merged.Extras {
			for _, spec := range specs {
				req, err := pep440.ParseRequirement(spec)
				if err != nil {
					return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err,
						"invalid requirement in extras group %q", group)
				}
				cfg.Extras[group] = append(cfg.Extras[group], req)
			}
		}
	}
	return cfg, nil
}

func fillFrom(dst *rawTool, src rawTool) {
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Version == "" {
		dst.Version = src.Version
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.License == "" {
		dst.License = src.License
	}
	if dst.PyVersion == "" && dst.PythonRequires == "" {
		dst.PyVersion = src.PyVersion
		dst.PythonRequires = src.PythonRequires
	}
	if len(dst.Dependencies) == 0 {
		dst.Dependencies = src.Dependencies
	}
	if len(dst.DevDependencies) == 0 {
		dst.DevDependencies = src.DevDependencies
	}
	if len(dst.Scripts) == 0 {
		dst.Scripts = src.Scripts
	}
}

// parseDepTable converts a dependency table into requirements. Values are
// either a constraint string (`requests = "^2.21.0"`) or an inline table
// with version/extras/path/git/rev keys.
func parseDepTable(table map[string]any) ([]pep440.Requirement, error) {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []pep440.Requirement
	for _, name := range names {
		req := pep440.Requirement{Name: name, Source: pep440.Source{Kind: pep440.SourcePyPI}}

		switch value := table[name].(type) {
		case string:
			cs, err := parseManifestConstraint(value)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "dependency %q", name)
			}
			req.Constraints = cs
		case map[string]any:
			if v, ok := value["version"].(string); ok {
				cs, err := parseManifestConstraint(v)
				if err != nil {
					return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "dependency %q", name)
				}
				req.Constraints = cs
			}
			if extras, ok := value["extras"].([]any); ok {
				for _, e := range extras {
					if s, ok := e.(string); ok {
						req.Extras = append(req.Extras, s)
					}
				}
			}
			if path, ok := value["path"].(string); ok {
				req.Source = pep440.Source{Kind: pep440.SourcePath, Path: path}
			}
			if git, ok := value["git"].(string); ok {
				rev, _ := value["rev"].(string)
				req.Source = pep440.Source{Kind: pep440.SourceGit, URL: git, Rev: rev}
			}
		default:
			return nil, errors.New(errors.ErrCodeInvalidManifest,
				"dependency %q must be a string or a table", name)
		}
		out = append(out, req)
	}
	return out, nil
}

// parseManifestConstraint reads a manifest constraint value. A bare
// version (`matplotlib = "3.1.1"`) pins exactly; `pyflow install` records
// new dependencies with a caret so they can grow within their major.
func parseManifestConstraint(s string) (pep440.ConstraintSet, error) {
	return pep440.ParseConstraints(s)
}

// AddDependencies appends newly installed packages to the manifest's
// dependency table, preserving the rest of the file as written. Existing
// entries for the same package are replaced.
func AddDependencies(path string, reqs []pep440.Requirement, dev bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)

	section := "[tool.pyflow.dependencies]"
	if dev {
		section = "[tool.pyflow.dev-dependencies]"
	}

	for _, req := range reqs {
		line := fmt.Sprintf("%s = %q", req.Name, req.Constraints.String())
		content = upsertInSection(content, section, req.Name, line)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// upsertInSection adds or replaces `name = ...` inside a TOML section,
// creating the section at the end of the file when absent.
func upsertInSection(content, section, name, line string) string {
	lines := strings.Split(content, "\n")

	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == section {
			start = i
			break
		}
	}
	if start == -1 {
		if !strings.HasSuffix(content, "\n") && content != "" {
			content += "\n"
		}
		return content + "\n" + section + "\n" + line + "\n"
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			end = i
			break
		}
	}

	prefix := name + " "
	for i := start + 1; i < end; i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), prefix) ||
			strings.HasPrefix(strings.TrimSpace(lines[i]), name+"=") {
			lines[i] = line
			return strings.Join(lines, "\n")
		}
	}

	insert := end
	out := append([]string{}, lines[:insert]...)
	out = append(out, line)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n")
}
