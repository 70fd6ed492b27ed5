package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/lockfile"
	"github.com/pyflow-dev/pyflow/pkg/pyenv"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the project environment and lock file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectRoot()
			if err != nil {
				return err
			}

			pypackages := filepath.Join(dir, pyenv.PypackagesDir)
			if err := os.RemoveAll(pypackages); err != nil {
				return err
			}
			if err := os.Remove(filepath.Join(dir, lockfile.Filename)); err != nil && !os.IsNotExist(err) {
				return err
			}

			printSuccess("removed %s and %s", pyenv.PypackagesDir, lockfile.Filename)
			return nil
		},
	}
}
