package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/basekit/internal/mcp"
	"github.com/zot/basekit/internal/script"
)

func newRunCommand(g *globalFlags) *cobra.Command {
	var (
		sf   sessionFlags
		code string
	)
	cmd := &cobra.Command{
		Use:   "run [script.lua]",
		Short: "Run a Lua script against a base",
		Long: `Run a Lua script against a session. The script sees the base as the global
"base"; its first returned value is printed as JSON.

  basekit run -e 'return base:table("Tasks"):count()'
  basekit run --url ws://127.0.0.1:8089/ws report.lua`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (code == "") == (len(args) == 0) {
				return errors.New("give either a script file or -e code")
			}
			cfg, err := g.load(cmd, func(c *Config) { sf.apply(cmd, c) })
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			session, closeSession, err := openSession(ctx, cfg, sf.url)
			if err != nil {
				return err
			}
			defer closeSession()

			runner := script.New(session, script.WithOutput(cmd.OutOrStdout()))
			defer runner.Close()
			var result any
			if code != "" {
				result, err = runner.Run(ctx, "-e", code)
			} else {
				result, err = runner.RunFile(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if result == nil {
				return nil
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVarP(&code, "eval", "e", "", "Lua code to run instead of a file")
	return cmd
}

func newMCPCommand(g *globalFlags) *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve a session to AI agents over MCP on stdio",
		Long: `Serve MCP tools over stdin and stdout: list_tables, select_records,
update_record, create_record, delete_record and run_lua. Lua print output and
logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, func(c *Config) { sf.apply(cmd, c) })
			if err != nil {
				return err
			}
			session, closeSession, err := openSession(cmd.Context(), cfg, sf.url)
			if err != nil {
				return err
			}
			defer closeSession()

			runner := script.New(session, script.WithOutput(os.Stderr))
			defer runner.Close()
			return mcp.NewServer(session, runner).ServeStdio()
		},
	}
	sf.register(cmd)
	return cmd
}
