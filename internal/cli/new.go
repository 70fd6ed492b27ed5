package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pyenv"
	"github.com/pyflow-dev/pyflow/pkg/pyproject"
)

const manifestTemplate = `[tool.pyflow]
name = "%s"
version = "0.1.0"
description = ""
authors = []
py_version = "%s"

[tool.pyflow.dependencies]

[tool.pyflow.dev-dependencies]
`

const gitignoreTemplate = `__pypackages__/
__pycache__/
*.pyc
dist/
`

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Create a new project directory with a pyproject.toml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, err := os.Stat(name); err == nil {
				return errors.New(errors.ErrCodeInvalidManifest, "directory %q already exists", name)
			}

			pkgDir := strings.ReplaceAll(name, "-", "_")
			if err := os.MkdirAll(filepath.Join(name, pkgDir), 0o755); err != nil {
				return err
			}

			if err := writeManifest(cmd.Context(), filepath.Join(name, pyproject.Filename), name); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(name, ".gitignore"), []byte(gitignoreTemplate), 0o644); err != nil {
				return err
			}
			main := "def main():\n    print(\"Hello from " + name + "\")\n"
			if err := os.WriteFile(filepath.Join(name, pkgDir, "__init__.py"), []byte(main), 0o644); err != nil {
				return err
			}

			printSuccess("created project %s", StyleHighlight.Render(name))
			printDetail("cd %s && pyflow install", name)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a pyproject.toml in the current directory",
		Long: `init writes a pyproject.toml for an existing code base. When a
requirements.txt is present its pins are imported as dependencies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(pyproject.Filename); err == nil {
				return errors.New(errors.ErrCodeInvalidManifest, "pyproject.toml already exists here")
			}

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			if err := writeManifest(cmd.Context(), pyproject.Filename, filepath.Base(cwd)); err != nil {
				return err
			}
			printSuccess("created %s", pyproject.Filename)

			if count, err := importRequirementsTxt("requirements.txt"); err == nil && count > 0 {
				printInfo("imported %d pins from requirements.txt", count)
			}
			return nil
		},
	}
}

// writeManifest renders the manifest template with a py_version matching
// the best interpreter on this machine.
func writeManifest(ctx context.Context, path, name string) error {
	pyVersion := "^3.7"
	if in, err := pyenv.Find(ctx, nil); err == nil {
		pyVersion = fmt.Sprintf("^%d.%d", in.Version.ReleaseComponent(0), in.Version.ReleaseComponent(1))
	}
	return os.WriteFile(path, []byte(fmt.Sprintf(manifestTemplate, name, pyVersion)), 0o644)
}

// importRequirementsTxt copies requirements.txt pins into the freshly
// created manifest.
func importRequirementsTxt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		req, err := pep440.ParseRequirement(line)
		if err != nil {
			continue
		}
		if err := pyproject.AddDependencies(pyproject.Filename, []pep440.Requirement{req}, false); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
