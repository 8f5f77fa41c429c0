package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/basekit/internal/server"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var (
		host        string
		port        int
		fixture     string
		watch       bool
		permission  string
		storageType string
		storagePath string
		storageURL  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a simulated host to remote sessions",
		Long: `Serve a simulated host over a websocket at /ws.

The host serves the fixture named by --fixture, or a sample project tracker
base. With --watch, edits to the fixture reach connected sessions as change
batches. /api offers inspection routes and /metrics Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, func(c *Config) {
				flags := cmd.Flags()
				if flags.Changed("host") {
					c.Server.Host = host
				}
				if flags.Changed("port") {
					c.Server.Port = port
				}
				if flags.Changed("fixture") {
					c.Fixture.Path = fixture
				}
				if flags.Changed("watch") {
					c.Fixture.Watch = watch
				}
				if flags.Changed("permission") {
					c.Fixture.Permission = permission
				}
				if flags.Changed("storage") {
					c.Storage.Type = storageType
				}
				if flags.Changed("storage-path") {
					c.Storage.Path = storagePath
				}
				if flags.Changed("storage-url") {
					c.Storage.URL = storageURL
				}
			})
			if err != nil {
				return err
			}

			store, err := cfg.OpenStorage()
			if err != nil {
				return err
			}
			defer store.Close()
			h, err := cfg.NewHost(store)
			if err != nil {
				return err
			}
			defer h.Close()

			srv := server.New(cfg, h)
			url, err := srv.Start()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "basekit serving on %s (websocket %s/ws)\n", url, url)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			cfg.Log(0, "Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "listen address (default 127.0.0.1)")
	flags.IntVar(&port, "port", 0, "listen port (default 8089, 0 picks a free port)")
	flags.StringVar(&fixture, "fixture", "", "base fixture (yaml, json or toml)")
	flags.BoolVar(&watch, "watch", false, "reload the fixture when it changes")
	flags.StringVar(&permission, "permission", "", "permission level: none, read, comment, edit, create, owner")
	flags.StringVar(&storageType, "storage", "", "host storage: memory, sqlite, postgresql, badger")
	flags.StringVar(&storagePath, "storage-path", "", "sqlite file or badger directory")
	flags.StringVar(&storageURL, "storage-url", "", "postgresql connection URL")
	return cmd
}
