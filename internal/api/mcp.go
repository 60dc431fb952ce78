package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// NewMCPServer creates an MCP server exposing job status, passage search and
// the document catalog. It serves both the /mcp route and `pdfchat mcp`.
func NewMCPServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"pdfchat",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pdfchat: search uploaded PDFs and check ingestion jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the state of an ingestion job."),
			mcp.WithString("jobId", mcp.Description("Job id returned by upload"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("search_document",
			mcp.WithDescription("Return the passages of an uploaded PDF most similar to a query, ranked by distance. No answer is generated."),
			mcp.WithString("userId", mcp.Description("Owner of the document (guest when empty)")),
			mcp.WithString("docId", mcp.Description("Document id returned by upload"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 5)")),
		),
		mcpSearchDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents ingested for a user, newest first."),
			mcp.WithString("userId", mcp.Description("Owner of the documents (guest when empty)")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pdfchat://jobs/stats",
			"Job Queue Stats",
			mcp.WithResourceDescription("Number of held jobs per state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobStats(deps),
	)

	return s
}

func mcpJobStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("jobId")
		if err != nil {
			return mcpError("jobId is required"), nil
		}

		job, err := deps.Jobs.Get(id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("job lookup failed: %v", err)), nil
		}

		return mcpJSON(newJobResponse(job))
	}
}

func mcpSearchDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("docId")
		if err != nil {
			return mcpError("docId is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID := req.GetString("userId", "")

		limit := req.GetInt("limit", defaultSearchLimit)
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		h := deps.Resolver.Resolve(ctx, userID, docID)
		matches, err := h.SimilaritySearch(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type passageResult struct {
			Doc      int     `json:"doc"`
			Page     *int    `json:"page"`
			Text     string  `json:"text"`
			Distance float64 `json:"distance"`
		}

		results := make([]passageResult, len(matches))
		for i, m := range matches {
			results[i] = passageResult{
				Doc:      i + 1,
				Page:     m.Chunk.PageRef(),
				Text:     m.Chunk.Text,
				Distance: m.Distance,
			}
		}
		return mcpJSON(results)
	}
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key := vectorstore.NewKey(req.GetString("userId", ""), "")
		docs, err := deps.Catalog.ListDocuments(ctx, key.UserID, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}
		if len(docs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(docs)
	}
}

func mcpResourceJobStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Jobs.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
