package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cuc/internal/learning"
	"github.com/kalambet/cuc/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Context  ContextBuilder
	Indexer  DocumentIndexer
	Learning *learning.Engine
	Store    retrieval.Store // backs the cuc://stats resource
	Version  string
}

// NewMCPServer creates an MCP server with all cuc tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"cuc",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cuc: documentation retrieval and correction learning for cloud CLI command translation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("retrieve_context",
			mcp.WithDescription("Retrieve documentation chunks relevant to a query, with a formatted context block and a confidence score."),
			mcp.WithString("query", mcp.Description("Natural-language request"), mcp.Required()),
		),
		mcpRetrieveContext(deps),
	)

	s.AddTool(
		mcp.NewTool("enhance_prompt",
			mcp.WithDescription("Prefix a translation prompt with retrieved documentation context."),
			mcp.WithString("prompt", mcp.Description("Base prompt for the translation model"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Query used for retrieval; defaults to the prompt")),
		),
		mcpEnhancePrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("index_text",
			mcp.WithDescription("Chunk and store a passage of documentation for later retrieval."),
			mcp.WithString("text", mcp.Description("Text to index"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Source name recorded on every chunk"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category metadata")),
		),
		mcpIndexText(deps),
	)

	s.AddTool(
		mcp.NewTool("learn_correction",
			mcp.WithDescription("Record the correct command for a query after a failed attempt."),
			mcp.WithString("query", mcp.Description("Original natural-language request"), mcp.Required()),
			mcp.WithString("correct_command", mcp.Description("Command that worked; omit to only log the failure")),
			mcp.WithString("incorrect_command", mcp.Description("Command that failed")),
			mcp.WithString("error_message", mcp.Description("Error output of the failed command")),
			mcp.WithString("type", mcp.Description("Correction type; inferred from the error message when omitted")),
		),
		mcpLearnCorrection(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_commands",
			mcp.WithDescription("Suggest up to three commands learned from past corrections."),
			mcp.WithString("failed_command", mcp.Description("Command that failed")),
			mcp.WithString("error_message", mcp.Description("Error output of the failed command")),
		),
		mcpSuggestCommands(deps),
	)

	s.AddTool(
		mcp.NewTool("classify_error",
			mcp.WithDescription("Classify CLI error output into a correction type."),
			mcp.WithString("error_message", mcp.Description("Error output"), mcp.Required()),
		),
		mcpClassifyError(),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("Find learned corrections whose queries overlap with the given query."),
			mcp.WithString("query", mcp.Description("Natural-language request"), mcp.Required()),
			mcp.WithNumber("threshold", mcp.Description("Minimum word overlap in [0,1]")),
		),
		mcpFindSimilar(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cuc://stats",
			"Knowledge Base Statistics",
			mcp.WithResourceDescription("Document count and learning database statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpRetrieveContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		res, err := deps.Context.Retrieve(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}
		return mcpJSON(newRetrieveResponse(res))
	}
}

func mcpEnhancePrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}
		query := req.GetString("query", "")
		if strings.TrimSpace(query) == "" {
			query = prompt
		}
		enhanced, err := deps.Context.EnhancePrompt(ctx, prompt, query)
		if err != nil {
			return mcpError(fmt.Sprintf("enhancement failed: %v", err)), nil
		}
		return mcpText(enhanced), nil
	}
}

func mcpIndexText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		source, err := req.RequireString("source")
		if err != nil || source == "" {
			return mcpError("source is required"), nil
		}
		meta := map[string]string{"type": "mcp"}
		if cat := req.GetString("category", ""); cat != "" {
			meta["category"] = cat
		}
		n, err := deps.Indexer.IndexText(ctx, text, source, meta)
		if err != nil {
			return mcpError(fmt.Sprintf("indexing failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Indexed %d chunks from %s", n, source)), nil
	}
}

func mcpLearnCorrection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		right := req.GetString("correct_command", "")
		wrong := req.GetString("incorrect_command", "")
		errMsg := req.GetString("error_message", "")
		if right == "" && errMsg == "" {
			return mcpError("correct_command or error_message is required"), nil
		}
		typ := correctionType(req.GetString("type", ""), errMsg)

		c, err := deps.Learning.AddCorrection(ctx, query, wrong, right, errMsg, typ)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record correction: %v", err)), nil
		}
		if c.CorrectCommand == "" {
			return mcpText(fmt.Sprintf("Logged %s failure %s for %q", c.Type, c.ID, query)), nil
		}
		return mcpText(fmt.Sprintf("Learned %s correction %s: %q -> %q", c.Type, c.ID, query, right)), nil
	}
}

func mcpSuggestCommands(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		failed := req.GetString("failed_command", "")
		errMsg := req.GetString("error_message", "")
		if failed == "" && errMsg == "" {
			return mcpError("failed_command or error_message is required"), nil
		}
		return mcpJSON(deps.Learning.GetSuggestions(failed, errMsg))
	}
}

func mcpClassifyError() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		errMsg, err := req.RequireString("error_message")
		if err != nil {
			return mcpError("error_message is required"), nil
		}
		return mcpJSON(classify(errMsg))
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		threshold := req.GetFloat("threshold", float64(deps.Learning.SimilarityThreshold()))
		if threshold < 0 || threshold > 1 {
			return mcpError("threshold must be within [0,1]"), nil
		}
		return mcpJSON(deps.Learning.FindSimilar(query, float32(threshold)))
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		n, err := deps.Store.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count documents: %w", err)
		}

		b, err := json.Marshal(StatsResponse{Documents: n, Learning: deps.Learning.Stats()})
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
