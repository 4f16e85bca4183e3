package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// NewMCPServer creates an MCP server exposing read access to batches,
// decisions, and the audit trail, plus reclassification.
func NewMCPServer(p Pipeline, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"taxflow",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("taxflow classifies product records into commodity and tax-substitution codes. Every decision is traceable through its audit trail."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("batch_status",
			mcp.WithDescription("Report a batch and how many of its groups sit in each workflow state."),
			mcp.WithString("batch_id", mcp.Description("Batch identifier"), mcp.Required()),
		),
		mcpBatchStatus(p),
	)

	s.AddTool(
		mcp.NewTool("get_decision",
			mcp.WithDescription("Return the classification decision of a product group."),
			mcp.WithString("group_id", mcp.Description("Group identifier"), mcp.Required()),
		),
		mcpGetDecision(p),
	)

	s.AddTool(
		mcp.NewTool("list_audit",
			mcp.WithDescription("List the audit entries of a group or batch in the order they were written."),
			mcp.WithString("group_id", mcp.Description("Group identifier")),
			mcp.WithString("batch_id", mcp.Description("Batch identifier")),
			mcp.WithString("agent", mcp.Description("Only entries written by this agent (aggregation, enrichment, commodity, taxcode, orchestrator, reviewer)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 100)")),
		),
		mcpListAudit(p),
	)

	s.AddTool(
		mcp.NewTool("reclassify",
			mcp.WithDescription("Run a finished group through the pipeline again and return its new decision."),
			mcp.WithString("group_id", mcp.Description("Group identifier"), mcp.Required()),
		),
		mcpReclassify(p),
	)

	s.AddTool(
		mcp.NewTool("review_queue",
			mcp.WithDescription("List decisions waiting for a reviewer, least confident first."),
			mcp.WithString("batch_id", mcp.Description("Restrict to one batch")),
			mcp.WithString("tenant_id", mcp.Description("Restrict to one tenant")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of decisions (default 20)")),
		),
		mcpReviewQueue(p),
	)

	return s
}

func mcpBatchStatus(p Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("batch_id")
		if err != nil {
			return mcpError("batch_id is required"), nil
		}
		report, err := p.BatchStatus(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(batchResponse{
			Batch:     report.Batch,
			States:    report.States,
			Terminal:  report.Terminal(),
			Remaining: report.Remaining(),
		})
	}
}

func mcpGetDecision(p Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("group_id")
		if err != nil {
			return mcpError("group_id is required"), nil
		}
		d, err := p.Decision(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(d)
	}
}

func mcpListAudit(p Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := model.AuditFilter{
			GroupID: req.GetString("group_id", ""),
			BatchID: req.GetString("batch_id", ""),
			Agent:   req.GetString("agent", ""),
			Limit:   req.GetInt("limit", 100),
		}
		if filter.GroupID == "" && filter.BatchID == "" {
			return mcpError("group_id or batch_id is required"), nil
		}
		entries, err := p.ListAudit(ctx, filter)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(entries)
	}
}

func mcpReclassify(p Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("group_id")
		if err != nil {
			return mcpError("group_id is required"), nil
		}
		d, err := p.Reclassify(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(d)
	}
}

func mcpReviewQueue(p Pipeline) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decisions, err := p.ReviewQueue(ctx, service.DecisionFilter{
			BatchID:  req.GetString("batch_id", ""),
			TenantID: req.GetString("tenant_id", ""),
			Limit:    req.GetInt("limit", 20),
		})
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(decisions)
	}
}

// mcpFailure turns a pipeline error into a tool error without leaking raw error text.
func mcpFailure(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return mcpError("not found")
	case errors.Is(err, common.ErrInvalidTransition):
		return mcpError("the group is still being classified")
	case common.KindOf(err) != "":
		return mcpError(common.ReasonOf(err))
	default:
		return mcpError("internal error")
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return mcpText(string(data)), nil
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
