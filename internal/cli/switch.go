package cli

import (
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

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <version>",
		Short: "Switch the project to a different Python version",
		Long: `switch updates py_version in pyproject.toml and prepares the matching
__pypackages__/<version> environment, downloading a managed interpreter
when the machine has none. Run pyflow install afterwards to populate it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			constraint, err := pep440.ParseConstraints("^" + args[0])
			if err != nil {
				return err
			}

			dir, err := findProjectRoot()
			if err != nil {
				return err
			}

			in, err := pyenv.Find(ctx, constraint)
			if errors.Is(err, errors.ErrCodeInterpreterMissing) {
				logger.Infof("downloading python %s", args[0])
				in, err = pyenv.InstallManaged(ctx, constraint, logger.Debugf)
			}
			if err != nil {
				return err
			}

			if err := rewritePyVersion(filepath.Join(dir, pyproject.Filename), "^"+args[0]); err != nil {
				return err
			}
			if _, err := pyenv.EnsureEnv(ctx, dir, in, logger.Debugf); err != nil {
				return err
			}

			printSuccess("switched to python %s (%s)", in.Version, in.Path)
			printDetail("run `pyflow install` to populate the new environment")
			return nil
		},
	}
}

func rewritePyVersion(path, constraint string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "py_version") {
			lines[i] = fmt.Sprintf("py_version = %q", constraint)
			replaced = true
			break
		}
	}
	if !replaced {
		return errors.New(errors.ErrCodeInvalidManifest,
			"pyproject.toml has no py_version key to update")
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
