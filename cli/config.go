// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/ui-compose/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	LoaderConfig  = config.LoaderConfig
	HostConfig    = config.HostConfig
	SlotConfig    = config.SlotConfig
	ModuleConfig  = config.ModuleConfig
	SessionConfig = config.SessionConfig
	WatchConfig   = config.WatchConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
	LoadFile      = config.LoadFile
)
