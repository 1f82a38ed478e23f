package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pgprobe/pgprobe/internal/model"
)

// registerTools registers all probe MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Continuous-writes workload -----

	srv.AddTool(
		mcp.NewTool("pgprobe_start_continuous_writes",
			mcp.WithDescription(
				"Start the continuous-writes workload against the first database "+
					"relation. Creates the continuous_writes table if needed and begins "+
					"inserting an incrementing counter starting at 1. An already-running "+
					"workload is restarted.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleStartContinuousWrites,
	)

	srv.AddTool(
		mcp.NewTool("pgprobe_stop_continuous_writes",
			mcp.WithDescription(
				"Stop the continuous-writes workload and return the last number "+
					"written. Returns -1 if no workload ever ran.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleStopContinuousWrites,
	)

	srv.AddTool(
		mcp.NewTool("pgprobe_clear_continuous_writes",
			mcp.WithDescription(
				"Stop the continuous-writes workload and drop its table, resetting "+
					"the test database for the next run.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleClearContinuousWrites,
	)

	srv.AddTool(
		mcp.NewTool("pgprobe_show_continuous_writes",
			mcp.WithDescription(
				"Count the rows committed by the continuous-writes workload. "+
					"Returns -1 if the database is unreachable.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleShowContinuousWrites,
	)

	// ----- Direct database probes -----

	srv.AddTool(
		mcp.NewTool("pgprobe_run_sql",
			mcp.WithDescription(
				"Execute an arbitrary SQL statement over one of the database "+
					"relations and return the result rows as JSON. Statement errors "+
					"from the server are returned inside the results so they can be "+
					"inspected.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("SQL statement to execute"),
			),
			mcp.WithString("dbname",
				mcp.Required(),
				mcp.Description("Database name to connect to"),
			),
			mcp.WithString("relation",
				mcp.Description("Relation to route through: \"database\" (default) or \"second-database\""),
			),
			mcp.WithBoolean("readonly",
				mcp.Description("Route the query to the first read-only endpoint and the <dbname>_readonly database"),
			),
		),
		s.handleRunSQL,
	)

	srv.AddTool(
		mcp.NewTool("pgprobe_test_tls",
			mcp.WithDescription(
				"Check whether a relation endpoint accepts a TLS connection by "+
					"opening it with sslmode=require. Returns \"true\" or \"false\".",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("dbname",
				mcp.Required(),
				mcp.Description("Database name to connect to"),
			),
			mcp.WithString("relation",
				mcp.Description("Relation to route through: \"database\" (default) or \"second-database\""),
			),
			mcp.WithBoolean("readonly",
				mcp.Description("Probe the first read-only endpoint instead of the primary"),
			),
		),
		s.handleTestTLS,
	)

	// ----- Discovery -----

	srv.AddTool(
		mcp.NewTool("pgprobe_list_relations",
			mcp.WithDescription(
				"List the relation databags currently known to the probe: endpoint "+
					"names, databases, endpoints, and whether each databag is complete "+
					"enough to connect. Use this first to see what can be probed.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListRelations,
	)

	srv.AddTool(
		mcp.NewTool("pgprobe_writer_status",
			mcp.WithDescription(
				"Report the continuous-writes engine state: whether the loop is "+
					"running, the last number written, and when it started.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleWriterStatus,
	)
}

func (s *MCPServer) handleStartContinuousWrites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.runner.StartContinuousWrites(ctx)
	if err != nil {
		return toolError("failed to start continuous writes: %v", err)
	}
	return successJSON(res)
}

func (s *MCPServer) handleStopContinuousWrites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.runner.StopContinuousWrites(ctx)
	if err != nil {
		return toolError("failed to stop continuous writes: %v", err)
	}
	return successJSON(res)
}

func (s *MCPServer) handleClearContinuousWrites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.runner.ClearContinuousWrites(ctx)
	if err != nil {
		return toolError("failed to clear continuous writes: %v", err)
	}
	return successJSON(res)
}

func (s *MCPServer) handleShowContinuousWrites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.runner.ShowContinuousWrites(ctx)
	if err != nil {
		return toolError("failed to count writes: %v", err)
	}
	return successJSON(res)
}

func (s *MCPServer) handleRunSQL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := requireString(request, "query")
	if err != nil {
		return toolError("%v", err)
	}
	dbname, err := requireString(request, "dbname")
	if err != nil {
		return toolError("%v", err)
	}

	res, err := s.runner.RunSQL(ctx, &model.RunSQLRequest{
		DBName:       dbname,
		Query:        query,
		RelationName: request.GetString("relation", model.FirstDatabase),
		Readonly:     request.GetBool("readonly", false),
	})
	if err != nil {
		return toolError("run-sql failed: %v", err)
	}
	return mcp.NewToolResultText(res.Results), nil
}

func (s *MCPServer) handleTestTLS(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dbname, err := requireString(request, "dbname")
	if err != nil {
		return toolError("%v", err)
	}

	res, err := s.runner.TestTLS(ctx, &model.TestTLSRequest{
		DBName:       dbname,
		RelationName: request.GetString("relation", model.FirstDatabase),
		Readonly:     request.GetBool("readonly", false),
	})
	if err != nil {
		return toolError("test-tls failed: %v", err)
	}
	return mcp.NewToolResultText(res.Results), nil
}

func (s *MCPServer) handleListRelations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type relationInfo struct {
		Name              string `json:"name"`
		Alias             string `json:"alias,omitempty"`
		Database          string `json:"database"`
		Endpoints         string `json:"endpoints"`
		ReadOnlyEndpoints string `json:"read_only_endpoints,omitempty"`
		Ready             bool   `json:"ready"`
	}

	rels := s.relations.List()
	items := make([]relationInfo, len(rels))
	for i, rel := range rels {
		items[i] = relationInfo{
			Name:              rel.Name,
			Alias:             rel.Alias,
			Database:          rel.Database,
			Endpoints:         rel.Endpoints,
			ReadOnlyEndpoints: rel.ReadOnlyEndpoints,
			Ready:             rel.Ready(),
		}
	}
	return successJSON(items)
}

func (s *MCPServer) handleWriterStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successJSON(s.runner.Status())
}
