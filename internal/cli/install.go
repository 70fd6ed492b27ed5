package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pyproject"
)

func newInstallCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "install [package...]",
		Short: "Install dependencies into __pypackages__",
		Long: `Without arguments, install syncs the environment with pyproject.toml and
pyflow.lock. With package names, the packages are added to the manifest
(pinned with a caret at their latest version) and then installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			proj, err := openProject(ctx)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				added, err := recordNewDependencies(ctx, proj, args, dev)
				if err != nil {
					return err
				}
				for _, req := range added {
					printAdded(req.Name, req.Constraints.String(), pyproject.Filename)
				}
				// Re-read so the sync sees the new entries.
				proj, err = openProjectAt(ctx, proj.Dir)
				if err != nil {
					return err
				}
			}

			track := newProgress(logger)
			spin := newSpinnerWithContext(ctx, "resolving and installing dependencies...")
			spin.Start()
			count, err := proj.sync(ctx, true)
			spin.Stop()
			if err != nil {
				return err
			}
			track.donef("Synced %d packages", count)
			printSuccess("environment is in sync with %s", lockName(proj))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "record new packages as dev-dependencies")
	return cmd
}

func lockName(p *project) string {
	return filepath.Base(p.lockPath())
}

// recordNewDependencies parses `pyflow install <pkg>...` arguments, pins
// constraint-less names to a caret at their latest release, and writes
// them to the manifest.
func recordNewDependencies(ctx context.Context, proj *project, args []string, dev bool) ([]pep440.Requirement, error) {
	var added []pep440.Requirement
	for _, arg := range args {
		req, err := pep440.ParseRequirement(arg)
		if err != nil {
			return nil, err
		}
		if len(req.Constraints) == 0 {
			versions, err := proj.Oracle.AvailableVersions(ctx, req.Name)
			if err != nil {
				return nil, err
			}
			latest, ok := highestFinal(versions)
			if !ok {
				return nil, fmt.Errorf("%s has no final releases to pin against", req.Name)
			}
			req.Constraints = pep440.ConstraintSet{{
				Op:         pep440.OpCaret,
				Version:    latest,
				Components: len(latest.Release),
				Raw:        latest.String(),
			}}
		}
		added = append(added, req)
	}

	if err := pyproject.AddDependencies(
		filepath.Join(proj.Dir, pyproject.Filename), added, dev); err != nil {
		return nil, err
	}
	return added, nil
}

func highestFinal(versions []pep440.Version) (pep440.Version, bool) {
	for _, v := range versions { // sorted highest-first
		if !v.IsPrerelease() {
			return v, true
		}
	}
	return pep440.Version{}, false
}
