package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// pgprobe://relations — the relation databags the probe knows about
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"pgprobe://relations",
			"PostgreSQL Relations",
			mcp.WithResourceDescription(
				"List of relation databags published by related PostgreSQL "+
					"providers, including endpoints and readiness.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRelationsResource,
	)

	// -------------------------------------------------------------------
	// pgprobe://relations/{name} — one relation databag (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pgprobe://relations/{name}",
			"Relation Databag",
			mcp.WithTemplateDescription(
				"A single relation databag: database name, username, endpoints, "+
					"and read-only endpoints. The password is never included.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleRelationResource,
	)
}

// handleRelationsResource returns a JSON list of all known relations.
func (s *MCPServer) handleRelationsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	rels, err := s.store.ListRelations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}

	b, err := json.MarshalIndent(rels, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relations: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "pgprobe://relations",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleRelationResource returns one relation databag by endpoint name.
func (s *MCPServer) handleRelationResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	name := strings.TrimPrefix(uri, "pgprobe://relations/")
	if name == "" || name == uri {
		return nil, fmt.Errorf("invalid relation URI %q: expected pgprobe://relations/{name}", uri)
	}

	rel, err := s.relations.Get(name)
	if err != nil {
		return nil, err
	}

	b, err := json.MarshalIndent(rel, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relation: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
