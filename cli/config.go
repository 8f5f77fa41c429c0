package cli

import (
	"github.com/zot/basekit/internal/config"
)

// Re-export config types for wrapper projects.
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	StorageConfig = config.StorageConfig
	SessionConfig = config.SessionConfig
	FixtureConfig = config.FixtureConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions.
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
