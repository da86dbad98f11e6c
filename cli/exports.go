// This file re-exports internal packages for wrapper projects that embed the
// host or add their own module kinds.
package cli

import (
	"github.com/zot/ui-compose/internal/bundle"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/mcp"
	"github.com/zot/ui-compose/internal/registry"
	"github.com/zot/ui-compose/internal/server"
)

// Re-export server and composition types
type (
	Server     = server.Server
	Composer   = host.Composer
	SlotStatus = host.SlotStatus
	Loader     = loader.Loader
	Registry   = registry.Registry
	Descriptor = registry.Descriptor
	MCPServer  = mcp.Server

	// Module authoring
	Component = component.Component
	Props     = component.Props
	Evaluator = component.Evaluator
)

// Re-export constructors
var (
	NewServer          = server.New
	NewServerLoader    = server.NewLoader
	NewComposer        = host.New
	RenderStandalone   = host.Standalone
	NewRegistry        = registry.New
	RegistryFromConfig = registry.FromConfig
	NewMCPServer       = mcp.NewServer
)

// Re-export bundle access
type BundleFileInfo = bundle.FileInfo

var (
	OpenBundle = bundle.Open
	SelfBundle = bundle.Self
)
