package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marketlens/core/pkg/models"
)

// BuildTools defines the MCP tool surface over the job API.
func BuildTools(proxy *Proxy) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("list_jobs",
				mcp.WithDescription("List all registered data loader jobs with their schedule, last run outcome and next fire time."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				body, err := proxy.Get(ctx, "/api/jobs")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		},
		{
			Tool: mcp.NewTool("job_status",
				mcp.WithDescription("Show one job's definition, last run outcome and next scheduled fire time. The job can be referenced by id, name or a unique name fragment."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("job",
					mcp.Description("Job id, name or name fragment"),
					mcp.Required(),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				job, err := resolveJob(ctx, proxy, req)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				body, err := proxy.Get(ctx, fmt.Sprintf("/api/jobs/%d", job.ID))
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		},
		{
			Tool: mcp.NewTool("trigger_job",
				mcp.WithDescription("Trigger a job to run now. If the job is already queued or running this reports the existing run instead of starting another."),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithString("job",
					mcp.Description("Job id, name or name fragment"),
					mcp.Required(),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				job, err := resolveJob(ctx, proxy, req)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				body, err := proxy.Post(ctx, fmt.Sprintf("/api/jobs/%d/run", job.ID), nil)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		},
		{
			Tool: mcp.NewTool("get_job_runs",
				mcp.WithDescription("List a job's recent runs, newest first."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("job",
					mcp.Description("Job id, name or name fragment"),
					mcp.Required(),
				),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of runs to return (default 20)"),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				job, err := resolveJob(ctx, proxy, req)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				path := fmt.Sprintf("/api/jobs/%d/runs", job.ID)
				if limit := intArg(req, "limit"); limit > 0 {
					path = fmt.Sprintf("%s?limit=%d", path, limit)
				}
				body, err := proxy.Get(ctx, path)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		},
		{
			Tool: mcp.NewTool("get_run_log",
				mcp.WithDescription("Fetch the captured stdout and stderr of a run. For a running job this returns the output so far."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithNumber("run_id",
					mcp.Description("Run id, as returned by trigger_job or get_job_runs"),
					mcp.Required(),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				runID := intArg(req, "run_id")
				if runID <= 0 {
					return mcp.NewToolResultError("run_id must be a positive integer"), nil
				}
				body, err := proxy.Get(ctx, fmt.Sprintf("/api/runs/%d/log", runID))
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		},
	}
}

func resolveJob(ctx context.Context, proxy *Proxy, req mcp.CallToolRequest) (*models.Job, error) {
	ref, _ := req.GetArguments()["job"].(string)
	return proxy.FindJob(ctx, ref)
}

// intArg reads a numeric tool argument. JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, name string) int64 {
	switch v := req.GetArguments()[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
