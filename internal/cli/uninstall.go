package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pyproject"
)

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <package...>",
		Short:   "Remove dependencies from the project",
		Aliases: []string{"remove"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			proj, err := openProject(ctx)
			if err != nil {
				return err
			}

			if err := removeManifestDependencies(filepath.Join(proj.Dir, pyproject.Filename), args); err != nil {
				return err
			}
			for _, name := range args {
				printRemoved(name, pyproject.Filename)
			}

			// Re-resolving without the entries drops them (and their
			// orphaned transitive deps) from the lock and from lib/.
			proj, err = openProjectAt(ctx, proj.Dir)
			if err != nil {
				return err
			}
			if _, err := proj.sync(ctx, true); err != nil {
				return err
			}
			printSuccess("uninstalled %s", strings.Join(args, ", "))
			return nil
		},
	}
}

// removeManifestDependencies drops `name = ...` lines for the given
// packages from both dependency tables.
func removeManifestDependencies(path string, names []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	gone := make(map[string]bool, len(names))
	for _, name := range names {
		gone[pep440.CanonicalName(name)] = true
	}

	var kept []string
	section := ""
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			section = trimmed
		}
		if section == "[tool.pyflow.dependencies]" || section == "[tool.pyflow.dev-dependencies]" {
			if name, _, found := strings.Cut(trimmed, "="); found {
				if gone[pep440.CanonicalName(strings.TrimSpace(name))] {
					continue
				}
			}
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644)
}
