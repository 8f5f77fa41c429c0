// Package cli provides the basekit command line. It exports Run and
// RunWithHooks so wrapper projects can add commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is printed by the version command.
const Version = "0.1.0"

// Hooks allows extending the CLI.
type Hooks struct {
	// Commands returns additional subcommands.
	Commands func() []*cobra.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes the CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	root := NewRootCommand(hooks)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	verbosity  int
	logLevel   string
}

// NewRootCommand builds the command tree.
func NewRootCommand(hooks *Hooks) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "basekit",
		Short: "Model synchronization and query caching for base data",
		Long: `basekit keeps a local, watchable model of a base in sync with its host.

It serves a simulated host for development, runs Lua scripts and MCP tools
against a session, and inspects bases.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file (default basekit.toml when present)")
	root.PersistentFlags().CountVarP(&g.verbosity, "verbose", "v", "verbosity: -v connections, -vv batches, -vvv models, -vvvv values")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(g),
		newRunCommand(g),
		newMCPCommand(g),
		newInspectCommand(g),
		newVersionCommand(hooks),
	)
	if hooks != nil && hooks.Commands != nil {
		root.AddCommand(hooks.Commands()...)
	}
	return root
}

// load reads the configuration; apply copies command flags the user set.
func (g *globalFlags) load(cmd *cobra.Command, apply func(*Config)) (*Config, error) {
	cfg, err := Load(g.configFile, func(c *Config) {
		flags := cmd.Flags()
		if flags.Changed("verbose") {
			c.Logging.Verbosity = g.verbosity
		}
		if flags.Changed("log-level") {
			c.Logging.Level = g.logLevel
		}
		if apply != nil {
			apply(c)
		}
	})
	if err != nil {
		return nil, err
	}
	cfg.ApplyLogging()
	return cfg, nil
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "basekit v"+Version)
			if hooks != nil && hooks.CustomVersion != nil {
				fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
			}
		},
	}
}
