package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	ModulesURI  = "ui-compose://modules"
	SessionsURI = "ui-compose://sessions"
	HostURI     = "ui-compose://host"
)

// registerResources adds the read-only views of the host.
func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(ModulesURI, "Modules",
		mcp.WithResourceDescription("Registered remote modules and their cache state"),
		mcp.WithMIMEType("application/json"),
	), s.jsonResource(func() any { return s.host.Modules() }))

	s.mcp.AddResource(mcp.NewResource(SessionsURI, "Sessions",
		mcp.WithResourceDescription("Live sessions and their slot states"),
		mcp.WithMIMEType("application/json"),
	), s.jsonResource(func() any { return s.host.SessionInfos() }))

	s.mcp.AddResource(mcp.NewResource(HostURI, "Host page",
		mcp.WithResourceDescription("The configured host page: title, local content and slots"),
		mcp.WithMIMEType("application/json"),
	), s.jsonResource(func() any { return s.config.Host }))
}

func (s *Server) jsonResource(value func() any) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(value())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}
