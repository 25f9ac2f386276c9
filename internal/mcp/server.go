package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/models"
)

// Jobs is the coordinator surface exposed to agents.
type Jobs interface {
	Submit(ctx context.Context, sub coordinator.Submission) (*models.Job, error)
	Wait(ctx context.Context, id string) (*models.Job, error)
	Status(ctx context.Context, id string) (*coordinator.StatusView, error)
	Results(ctx context.Context, id string) ([]byte, error)
}

// PlanLister lists the registered stage plans.
type PlanLister interface {
	Plans() []models.StagePlan
}

// Server exposes job submission and inspection as MCP tools.
type Server struct {
	jobs    Jobs
	plans   PlanLister
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(jobs Jobs, plans PlanLister, version string) *Server {
	return &Server{jobs: jobs, plans: plans, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("gauntlet", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.submitTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.resultsTool())
	srv.AddTool(s.plansTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

func jobTypeNames() []string {
	out := make([]string, len(models.JobTypes))
	for i, jt := range models.JobTypes {
		out[i] = string(jt)
	}
	return out
}

// gauntlet_submit
func (s *Server) submitTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gauntlet_submit",
		mcp.WithDescription("Submit a unit of work for multi-stage review. Returns the job id and status; with wait=true, blocks until the job finishes and returns its results."),
		mcp.WithString("job_type", mcp.Required(), mcp.Enum(jobTypeNames()...), mcp.Description("Job type selecting the stage plan")),
		mcp.WithString("ref", mcp.Description("Reference to the work: a path, URL or identifier")),
		mcp.WithString("content", mcp.Description("Inline content to review")),
		mcp.WithString("priority", mcp.Enum("low", "normal", "high", "urgent"), mcp.Description("Scheduling priority (default normal)")),
		mcp.WithString("job_id", mcp.Description("Optional job id; reusing a finished job's id reopens it")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the job to finish and return its results")),
	)
	return tool, s.handleSubmit
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobType, err := request.RequireString("job_type")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_type"), nil
	}

	job, err := s.jobs.Submit(ctx, coordinator.Submission{
		JobID:   request.GetString("job_id", ""),
		JobType: models.JobType(jobType),
		Payload: models.Payload{
			Ref:     request.GetString("ref", ""),
			Content: request.GetString("content", ""),
		},
		Priority: models.Priority(request.GetString("priority", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit job: %v", err)), nil
	}

	if !request.GetBool("wait", false) {
		return jsonResult(map[string]any{"job_id": job.ID, "parent_id": job.ParentID, "status": job.Status})
	}

	if _, err := s.jobs.Wait(ctx, job.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed waiting for job %s: %v", job.ID, err)), nil
	}
	doc, err := s.jobs.Results(ctx, job.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(doc)), nil
}

// gauntlet_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gauntlet_status",
		mcp.WithDescription("Get a job's status, status reason, per-stage outcomes and score if computed."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id")),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_id"), nil
	}
	v, err := s.jobs.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}
	return jsonResult(v)
}

// gauntlet_results
func (s *Server) resultsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gauntlet_results",
		mcp.WithDescription("Get the decision, stage results and escalation events of a finished job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id")),
	)
	return tool, s.handleResults
}

func (s *Server) handleResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_id"), nil
	}
	doc, err := s.jobs.Results(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(doc)), nil
}

// gauntlet_plans
func (s *Server) plansTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gauntlet_plans",
		mcp.WithDescription("List the stage plan of every job type: stages, tools, groups, weights and thresholds."),
	)
	return tool, s.handlePlans
}

func (s *Server) handlePlans(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type stageOut struct {
		Name     string  `json:"name"`
		Tool     string  `json:"tool"`
		Group    string  `json:"group,omitempty"`
		Required bool    `json:"required"`
		Weight   float64 `json:"weight"`
	}
	type planOut struct {
		JobType     models.JobType    `json:"job_type"`
		Description string            `json:"description,omitempty"`
		Thresholds  models.Thresholds `json:"thresholds"`
		Stages      []stageOut        `json:"stages"`
	}

	plans := s.plans.Plans()
	out := make([]planOut, len(plans))
	for i, p := range plans {
		out[i] = planOut{JobType: p.JobType, Description: p.Description, Thresholds: p.Thresholds}
		for _, st := range p.Stages {
			out[i].Stages = append(out[i].Stages, stageOut{
				Name: st.Name, Tool: st.Tool, Group: st.Group, Required: st.Required, Weight: st.Weight,
			})
		}
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
