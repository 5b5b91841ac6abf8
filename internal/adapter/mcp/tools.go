package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	hotel "github.com/ironhelm/helmsman/internal/adapter/otel"
	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/logger"
	"github.com/ironhelm/helmsman/internal/service"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}$`)

const (
	minObjectiveLen = 10
	maxObjectiveLen = 1000
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.stepTool(),
	)
}

func (s *Server) stepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("step",
		mcplib.WithDescription("Report a completed phase and receive the next phase, instruction text, and allowed tools"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("Stable session identifier, 8+ characters of [A-Za-z0-9_-]"),
		),
		mcplib.WithString("phase_completed",
			mcplib.Description("The phase that just completed: QUERY, ENHANCE, KNOWLEDGE, PLAN, EXECUTE, or VERIFY. Omit on the first turn."),
		),
		mcplib.WithString("initial_objective",
			mcplib.Description("The user objective, 10-1000 characters. Only meaningful on the first turn."),
		),
		mcplib.WithObject("payload",
			mcplib.Description("Phase-specific payload keys produced by the completed phase"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleStep,
	}
}

func (s *Server) handleStep(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Stepper == nil {
		return mcplib.NewToolResultError("phase controller not configured"), nil
	}

	args := req.GetArguments()

	ev, errMsg := parseStepArgs(args)
	if errMsg != "" {
		return mcplib.NewToolResultError(errMsg), nil
	}

	ctx = logger.WithSessionID(ctx, ev.SessionID)
	ctx, span := hotel.StartTurnSpan(ctx, ev.SessionID, string(ev.PhaseCompleted))
	resp := s.deps.Stepper.Step(ctx, ev)
	hotel.EndTurnSpan(span, string(resp.NextPhase), string(resp.Status))

	data, err := json.Marshal(resp)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal response", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// parseStepArgs validates the wire request and converts it into a
// service.Event. Returns a non-empty message on contract violations.
func parseStepArgs(args map[string]any) (service.Event, string) {
	var ev service.Event

	sessionID, _ := args["session_id"].(string)
	if !sessionIDPattern.MatchString(sessionID) {
		return ev, "session_id must be 8+ characters of [A-Za-z0-9_-]"
	}
	ev.SessionID = sessionID

	if raw, ok := args["phase_completed"]; ok {
		completed, ok := raw.(string)
		if !ok {
			return ev, "phase_completed must be a string"
		}
		if completed != "" {
			switch phase.Event(completed) {
			case phase.EventQuery, phase.EventEnhance, phase.EventKnowledge,
				phase.EventPlan, phase.EventExecute, phase.EventVerify:
				ev.PhaseCompleted = phase.Event(completed)
			default:
				return ev, fmt.Sprintf("unknown phase_completed %q", completed)
			}
		}
	}

	if raw, ok := args["initial_objective"]; ok {
		objective, ok := raw.(string)
		if !ok {
			return ev, "initial_objective must be a string"
		}
		if objective != "" {
			if len(objective) < minObjectiveLen || len(objective) > maxObjectiveLen {
				return ev, fmt.Sprintf("initial_objective must be %d-%d characters", minObjectiveLen, maxObjectiveLen)
			}
			ev.InitialObjective = objective
		}
	}

	if raw, ok := args["payload"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return ev, "payload is not a JSON object"
		}
		if err := json.Unmarshal(data, &ev.Payload); err != nil {
			return ev, "payload is not a JSON object"
		}
	}

	return ev, ""
}
