package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/server"
	"github.com/zot/basekit/internal/simhost"
	"github.com/zot/basekit/internal/wsbridge"
)

// Re-export the session and server API for wrapper projects.
type (
	Server   = server.Server
	Session  = sdk.Session
	Host     = simhost.Host
	WSClient = wsbridge.Client
)

var (
	NewServer  = server.New
	NewSession = sdk.NewSession
	Dial       = wsbridge.Dial
)

// dialTimeout bounds connecting to a remote dev server.
const dialTimeout = 10 * time.Second

// sessionFlags select the host a command's session talks to: a remote dev
// server when url is set, an in-process simulated host otherwise.
type sessionFlags struct {
	url        string
	fixture    string
	permission string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "websocket URL of a running dev server, e.g. ws://127.0.0.1:8089/ws")
	cmd.Flags().StringVar(&f.fixture, "fixture", "", "base fixture (yaml, json or toml) for the in-process host")
	cmd.Flags().StringVar(&f.permission, "permission", "", "permission level of the in-process host")
}

func (f *sessionFlags) apply(cmd *cobra.Command, c *Config) {
	if cmd.Flags().Changed("fixture") {
		c.Fixture.Path = f.fixture
	}
	if cmd.Flags().Changed("permission") {
		c.Fixture.Permission = f.permission
	}
}

// openSession creates a session over the selected host. The returned
// function closes the session and everything opened for it.
func openSession(ctx context.Context, cfg *config.Config, url string) (*sdk.Session, func(), error) {
	if url != "" {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		client, err := wsbridge.Dial(dialCtx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", url, err)
		}
		s, err := sdk.NewSession(ctx, client, cfg.SessionOptions()...)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, func() {
			s.Close()
			client.Close()
		}, nil
	}

	store, err := cfg.OpenStorage()
	if err != nil {
		return nil, nil, err
	}
	host, err := cfg.NewHost(store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	s, err := sdk.NewSession(ctx, host, cfg.SessionOptions()...)
	if err != nil {
		host.Close()
		store.Close()
		return nil, nil, err
	}
	return s, func() {
		s.Close()
		host.Close()
		store.Close()
	}, nil
}
