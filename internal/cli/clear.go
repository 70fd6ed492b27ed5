package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/pyenv"
)

func newClearCmd() *cobra.Command {
	var deps, scriptEnvs, pythons, all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear pyflow's caches and managed state",
		Long: `clear removes data pyflow keeps outside projects: the shared dependency
cache, cached metadata, isolated script environments, and managed Python
installations. Pick what to clear with flags; --all clears everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !deps && !scriptEnvs && !pythons && !all {
				deps = true // clearing the artifact cache is the common case
			}

			type target struct {
				enabled bool
				name    string
				dir     func() (string, error)
			}
			targets := []target{
				{deps || all, "dependency cache", pyenv.DependencyCacheDir},
				{deps || all, "metadata cache", pyenv.MetadataCacheDir},
				{scriptEnvs || all, "script environments", pyenv.ScriptEnvsDir},
				{pythons || all, "managed python installs", pyenv.PythonInstallsDir},
			}

			for _, t := range targets {
				if !t.enabled {
					continue
				}
				dir, err := t.dir()
				if err != nil {
					return err
				}
				if err := os.RemoveAll(dir); err != nil {
					return err
				}
				printSuccess("cleared %s", t.name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deps, "deps", false, "clear the downloaded artifact and metadata caches")
	cmd.Flags().BoolVar(&scriptEnvs, "script-envs", false, "clear isolated script environments")
	cmd.Flags().BoolVar(&pythons, "pythons", false, "clear managed python installations")
	cmd.Flags().BoolVar(&all, "all", false, "clear everything")
	return cmd
}
