package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// BaseURI names the resource holding the session's view of the base.
const BaseURI = "basekit://base"

func (s *Server) registerResources() {
	s.mcp.AddResource(
		mcp.NewResource(BaseURI, "Base",
			mcp.WithResourceDescription("The base data the session holds, including loaded records"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			data, err := json.MarshalIndent(s.session.Snapshot(), "", "  ")
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
		},
	)
}
