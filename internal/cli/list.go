package cli

import (
	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/installer"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the distributions installed in __pypackages__",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd.Context())
			if err != nil {
				return err
			}

			installed, err := installer.ScanInstalled(proj.Env.Lib)
			if err != nil {
				return err
			}
			if len(installed) == 0 {
				printInfo("nothing installed yet; run `pyflow install`")
				return nil
			}

			printInfo("%d packages in %s", len(installed), proj.Env.Lib)
			for _, inst := range installed {
				printKeyValue(inst.DistName, inst.Version)
			}
			return nil
		},
	}
}
