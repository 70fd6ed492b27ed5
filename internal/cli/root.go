package cli

import (
	"context"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/buildinfo"
	"github.com/pyflow-dev/pyflow/pkg/dispatch"
)

// Execute runs the pyflow CLI and returns an error if any command fails.
//
// Logging defaults to info level on stderr; --verbose (-v) switches to
// debug. The logger is attached to the context and accessible to all
// commands via loggerFromContext.
func Execute(ctx context.Context) error {
	var verbose bool

	root := &cobra.Command{
		Use:   "pyflow [command | script.py | tool]",
		Short: "pyflow manages Python projects with PEP 582 package trees",
		Long: `pyflow is a Python installation and dependency manager. Dependencies
live under __pypackages__/<version>/lib inside the project; no virtualenv
activation is needed. Running pyflow with a script, an installed tool name,
or no arguments at all dispatches into the project's Python.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		// `pyflow black --check` forwards --check to the tool, so unknown
		// flags must not fail root parsing.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare `pyflow` opens the REPL; `pyflow <thing>` dispatches to
			// scripts and installed tools.
			proj, err := openProject(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return dispatch.REPL(cmd.Context(), proj.dispatchTarget())
			}
			return dispatch.Run(cmd.Context(), proj.dispatchTarget(), args[0], args[1:])
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.Flags().BoolP("version", "V", false, "print version information")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newInstallCmd())
	root.AddCommand(newUninstallCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newTreeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newScriptCmd())
	root.AddCommand(newNewCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSwitchCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newClearCmd())

	return root.ExecuteContext(ctx)
}
