package cli

import (
	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/dispatch"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <name> [args...]",
		Short: "Run a project script or installed console tool",
		Long: `run resolves its argument as an existing .py file first, then against
[tool.pyflow.scripts], then the console scripts installed under the
environment's bin directory. Both of these are equivalent:

    pyflow run black myfile.py
    pyflow black myfile.py`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := openProject(cmd.Context())
			if err != nil {
				return err
			}
			return dispatch.Run(cmd.Context(), proj.dispatchTarget(), args[0], args[1:])
		},
	}
}
