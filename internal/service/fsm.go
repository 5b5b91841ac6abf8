package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

// Event is one incoming turn: "phase X just completed, here is what I
// produced".
type Event struct {
	SessionID        string       `json:"session_id"`
	PhaseCompleted   phase.Event  `json:"phase_completed,omitempty"`
	InitialObjective string       `json:"initial_objective,omitempty"`
	Payload          EventPayload `json:"payload,omitempty"`
}

// EventPayload carries the phase-specific keys the server consumes from a
// turn. Pointer fields distinguish "absent" from a zero value where the
// distinction matters (execution_success, verification_passed). Unrecognized
// keys survive in Extra and are merged into the session payload.
type EventPayload struct {
	InterpretedGoal      string      `json:"interpreted_goal,omitempty"`
	ClaudeResponse       string      `json:"claude_response,omitempty"`
	EnhancedGoal         string      `json:"enhanced_goal,omitempty"`
	KnowledgeGathered    string      `json:"knowledge_gathered,omitempty"`
	PlanCreated          bool        `json:"plan_created,omitempty"`
	TodosWithMetaprompts []todo.Todo `json:"todos_with_metaprompts,omitempty"`
	ExecutionSuccess     *bool       `json:"execution_success,omitempty"`
	CurrentTaskCompleted string      `json:"current_task_completed,omitempty"`
	MoreTasksPending     *bool       `json:"more_tasks_pending,omitempty"`
	CurrentTaskIndex     *int        `json:"current_task_index,omitempty"`
	CurrentTodos         []todo.Todo `json:"current_todos,omitempty"`
	VerificationPassed   *bool       `json:"verification_passed,omitempty"`

	Extra map[string]any `json:"-"`
}

var knownEventKeys = map[string]bool{
	"interpreted_goal":       true,
	"claude_response":        true,
	"enhanced_goal":          true,
	"knowledge_gathered":     true,
	"plan_created":           true,
	"todos_with_metaprompts": true,
	"execution_success":      true,
	"current_task_completed": true,
	"more_tasks_pending":     true,
	"current_task_index":     true,
	"current_todos":          true,
	"verification_passed":    true,
}

// UnmarshalJSON populates the typed fields and preserves unrecognized keys
// in Extra.
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	type alias EventPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = EventPayload(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if knownEventKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		extra[k] = val
	}
	if len(extra) > 0 {
		p.Extra = extra
	}
	return nil
}

// Response is the server's reply for one turn.
type Response struct {
	NextPhase        phase.Phase    `json:"next_phase"`
	SystemPrompt     string         `json:"system_prompt"`
	AllowedNextTools []string       `json:"allowed_next_tools"`
	Payload          map[string]any `json:"payload"`
	Status           phase.Status   `json:"status"`
}

// Sessions is the subset of the session store the controller needs; tests
// substitute a fake.
type Sessions interface {
	WithLock(sessionID string, fn func())
	Get(ctx context.Context, sessionID string) session.State
	Update(ctx context.Context, st session.State)
}

// Gatherer is the knowledge orchestrator as the controller sees it.
type Gatherer interface {
	Gather(ctx context.Context, sessionID string, r role.Role) KnowledgeResult
}

// ControllerConfig holds the thresholds and bounds the controller reads on
// every turn.
type ControllerConfig struct {
	CompletionThreshold   int
	SuccessRateThreshold  float64
	EffectivenessMin      float64
	EffectivenessMax      float64
	AutoConnectionEnabled bool
}

// Controller is the phase controller: a transition function over
// (phase, event, payload), wrapped in the per-session lock and the session
// store read/write. Nothing raises out of Step.
type Controller struct {
	sessions Sessions
	gatherer Gatherer
	cfg      ControllerConfig
	log      *slog.Logger
}

// NewController wires the controller to its collaborators. gatherer may be
// nil when auto-connection is disabled.
func NewController(sessions Sessions, gatherer Gatherer, cfg ControllerConfig, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{sessions: sessions, gatherer: gatherer, cfg: cfg, log: log}
}

// Step processes one turn end to end and always returns a Response; internal
// failures degrade, they do not propagate.
func (c *Controller) Step(ctx context.Context, ev Event) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("fsm: panic recovered", "session_id", ev.SessionID, "panic", r)
			resp = Response{
				NextPhase:        phase.Query,
				SystemPrompt:     fmt.Sprintf("Internal state error while processing the turn: %v. Restate the objective to resynchronize.", r),
				AllowedNextTools: AllowedTools(phase.Query),
				Payload:          map[string]any{"session_id": ev.SessionID},
				Status:           phase.StatusError,
			}
		}
	}()

	c.sessions.WithLock(ev.SessionID, func() {
		s := c.sessions.Get(ctx, ev.SessionID)

		if ev.InitialObjective != "" && s.CurrentPhase == phase.Init && s.InitialObjective == "" {
			s.InitialObjective = ev.InitialObjective
			s.DetectedRole = DetectRole(ev.InitialObjective)
			s.Payload.CurrentTodos = []todo.Todo{}
			s.Payload.AwaitingRoleSelection = true
		}

		next := c.transition(ctx, &s, ev)
		s.CurrentPhase = next
		s.Payload.PhaseTransitionCount++

		c.sessions.Update(ctx, s)

		resp = c.respond(next, &s)
	})
	return resp
}

// transition is the phase table, matching on (current phase, completed
// phase). It mutates s.Payload in place and returns the next phase.
func (c *Controller) transition(ctx context.Context, s *session.State, ev Event) phase.Phase {
	cur, completed := s.CurrentPhase, ev.PhaseCompleted

	switch {
	case cur == phase.Done:
		return phase.Done

	case cur == phase.Init:
		return phase.Query

	case cur == phase.Query && completed == phase.EventQuery:
		c.consumeRoleSelection(s, ev.Payload.ClaudeResponse)
		if ev.Payload.InterpretedGoal != "" {
			s.Payload.InterpretedGoal = ev.Payload.InterpretedGoal
		}
		return phase.Enhance

	case cur == phase.Enhance && completed == phase.EventEnhance:
		if ev.Payload.EnhancedGoal != "" {
			s.Payload.EnhancedGoal = ev.Payload.EnhancedGoal
		}
		return phase.Knowledge

	case cur == phase.Knowledge && completed == phase.EventKnowledge:
		c.gatherKnowledge(ctx, s, ev)
		return phase.Plan

	case cur == phase.Plan && completed == phase.EventPlan:
		if ev.Payload.PlanCreated {
			s.Payload.CurrentTodos = ev.Payload.TodosWithMetaprompts
			if s.Payload.CurrentTodos == nil {
				s.Payload.CurrentTodos = []todo.Todo{}
			}
			s.Payload.CurrentTaskIndex = 0
		}
		return phase.Execute

	case cur == phase.Execute && completed == phase.EventExecute:
		return c.advanceExecute(s, ev)

	case cur == phase.Verify && completed == phase.EventVerify:
		return c.judgeVerify(s, ev)

	default:
		// Unmatched (phase, event) pair: resynchronize.
		c.log.Warn("fsm: unmatched turn, resyncing to QUERY",
			"session_id", s.SessionID, "current_phase", cur, "phase_completed", completed)
		return phase.Query
	}
}

// roleSelection is the agent's structured reply to the QUERY role prompt.
type roleSelection struct {
	SelectedRole string  `json:"selected_role"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

// consumeRoleSelection parses the agent's role-selection JSON, accepting a
// valid selected_role and keeping the heuristic role otherwise. The awaiting
// flag clears either way.
func (c *Controller) consumeRoleSelection(s *session.State, claudeResponse string) {
	if !s.Payload.AwaitingRoleSelection {
		return
	}
	s.Payload.AwaitingRoleSelection = false
	if claudeResponse == "" {
		return
	}

	var sel roleSelection
	if err := json.Unmarshal([]byte(claudeResponse), &sel); err != nil {
		c.log.Warn("fsm: malformed role selection, keeping heuristic role",
			"session_id", s.SessionID, "error", err)
		return
	}
	selected := role.Role(sel.SelectedRole)
	if !role.Valid(selected) {
		c.log.Warn("fsm: unknown selected_role, keeping heuristic role",
			"session_id", s.SessionID, "selected_role", sel.SelectedRole)
		return
	}
	s.DetectedRole = selected
}

// endpointSelection is the agent's structured reply when it picked specific
// endpoints during KNOWLEDGE.
type endpointSelection struct {
	SelectedEndpoints []string `json:"selected_endpoints"`
	Reasoning         string   `json:"reasoning"`
}

// gatherKnowledge runs the knowledge orchestrator and stores its outputs. All failures are already
// absorbed below this call; a nil gatherer or disabled auto-connection just
// records what the agent brought itself.
func (c *Controller) gatherKnowledge(ctx context.Context, s *session.State, ev Event) {
	if ev.Payload.ClaudeResponse != "" {
		var sel endpointSelection
		if err := json.Unmarshal([]byte(ev.Payload.ClaudeResponse), &sel); err != nil {
			c.log.Warn("fsm: malformed endpoint selection, using automatic selection",
				"session_id", s.SessionID, "error", err)
		} else if len(sel.SelectedEndpoints) > 0 {
			if s.Payload.Extra == nil {
				s.Payload.Extra = make(map[string]any)
			}
			s.Payload.Extra["selected_endpoints"] = sel.SelectedEndpoints
		}
		s.Payload.AwaitingAPISelection = false
	}

	if ev.Payload.KnowledgeGathered != "" {
		if s.Payload.Extra == nil {
			s.Payload.Extra = make(map[string]any)
		}
		s.Payload.Extra["knowledge_gathered"] = ev.Payload.KnowledgeGathered
	}

	if !c.cfg.AutoConnectionEnabled || c.gatherer == nil {
		return
	}

	res := c.gatherer.Gather(ctx, s.SessionID, s.DetectedRole)
	s.Payload.SynthesizedKnowledge = res.Answer
	s.Payload.KnowledgeConfidence = res.Confidence
	metrics := res.Metrics
	s.Payload.APIUsageMetrics = &metrics
	if len(res.Contradictions) > 0 {
		if s.Payload.Extra == nil {
			s.Payload.Extra = make(map[string]any)
		}
		s.Payload.Extra["knowledge_contradictions"] = res.Contradictions
	}
}

// sessionUpdate maps the event's mergeable keys onto a session.Payload so
// the session's own Merge applies them. The task index is excluded: it
// needs a bounds check the zero-value-skipping merge cannot express.
func (p EventPayload) sessionUpdate() session.Payload {
	upd := session.Payload{CurrentTodos: p.CurrentTodos}
	if len(p.Extra) > 0 || p.CurrentTaskCompleted != "" {
		upd.Extra = make(map[string]any, len(p.Extra)+1)
		for k, v := range p.Extra {
			upd.Extra[k] = v
		}
		if p.CurrentTaskCompleted != "" {
			upd.Extra["current_task_completed"] = p.CurrentTaskCompleted
		}
	}
	return upd
}

// advanceExecute merges the turn's payload, adjusts effectiveness, and
// either loops on EXECUTE for the next task or moves to VERIFY.
func (c *Controller) advanceExecute(s *session.State, ev Event) phase.Phase {
	s.Payload.Merge(ev.Payload.sessionUpdate())
	if ev.Payload.CurrentTaskIndex != nil {
		idx := *ev.Payload.CurrentTaskIndex
		if idx >= 0 && idx <= len(s.Payload.CurrentTodos) {
			s.Payload.CurrentTaskIndex = idx
		}
	}

	if ev.Payload.ExecutionSuccess != nil {
		success := *ev.Payload.ExecutionSuccess
		delta := 0.10
		if !success {
			delta = -delta
		}
		if cfg, ok := role.Get(s.DetectedRole); ok {
			delta = cfg.EffectivenessDelta(success)
		}
		s.ReasoningEffectiveness = session.ClampEffectiveness(
			s.ReasoningEffectiveness+delta, c.cfg.EffectivenessMin, c.cfg.EffectivenessMax)
	}

	morePending := ev.Payload.MoreTasksPending != nil && *ev.Payload.MoreTasksPending
	if morePending || s.Payload.CurrentTaskIndex < len(s.Payload.CurrentTodos)-1 {
		if s.Payload.CurrentTaskIndex < len(s.Payload.CurrentTodos) {
			s.Payload.CurrentTaskIndex++
		}
		return phase.Execute
	}
	return phase.Verify
}

// judgeVerify runs the completion validator and either finishes the session
// or rolls back to the phase the completion percentage prescribes.
func (c *Controller) judgeVerify(s *session.State, ev Event) phase.Phase {
	if ev.Payload.CurrentTodos != nil {
		s.Payload.CurrentTodos = ev.Payload.CurrentTodos
	}

	claimSet := ev.Payload.VerificationPassed != nil
	claim := claimSet && *ev.Payload.VerificationPassed

	v := Verify(VerificationInput{
		Todos:                   s.Payload.CurrentTodos,
		ReasoningEffectiveness:  s.ReasoningEffectiveness,
		SuccessRateThreshold:    c.cfg.SuccessRateThreshold,
		CompletionThreshold:     c.cfg.CompletionThreshold,
		VerificationPassedClaim: claim,
		VerificationPassedSet:   claimSet,
	})

	if v.Valid && claim {
		s.Payload.VerificationFailureReason = ""
		s.Payload.LastCompletionPercentage = v.CompletionPct
		return phase.Done
	}

	reason := v.Reason
	if reason == "" {
		reason = "verification not confirmed by agent"
	}
	s.Payload.VerificationFailureReason = reason
	s.Payload.LastCompletionPercentage = v.CompletionPct

	target, newIndex := RollbackTarget(v.CompletionPct, s.Payload.CurrentTaskIndex)
	s.Payload.CurrentTaskIndex = newIndex
	c.log.Info("fsm: verification failed, rolling back",
		"session_id", s.SessionID,
		"completion_pct", v.CompletionPct,
		"reason", reason,
		"rollback_target", target)
	return target
}

// respond assembles the prompt, tools, and merged payload view for the turn.
func (c *Controller) respond(next phase.Phase, s *session.State) Response {
	prompt, err := AssemblePrompt(next, s)
	if err != nil {
		c.log.Error("fsm: prompt assembly failed", "session_id", s.SessionID, "phase", next, "error", err)
		prompt = fmt.Sprintf("Continue with phase %s for session %s.", next, s.SessionID)
	}

	status := phase.StatusInProgress
	if next == phase.Done {
		status = phase.StatusDone
	}

	return Response{
		NextPhase:        next,
		SystemPrompt:     prompt,
		AllowedNextTools: AllowedTools(next),
		Payload:          c.payloadView(s),
		Status:           status,
	}
}

// payloadView flattens the session payload plus the top-level control fields
// into the merged map the wire contract promises.
func (c *Controller) payloadView(s *session.State) map[string]any {
	view := make(map[string]any)

	if data, err := json.Marshal(s.Payload); err == nil {
		_ = json.Unmarshal(data, &view)
	}

	view["session_id"] = s.SessionID
	view["current_objective"] = s.InitialObjective
	view["detected_role"] = string(s.DetectedRole)
	view["reasoning_effectiveness"] = s.ReasoningEffectiveness
	view["phase_transition_count"] = s.Payload.PhaseTransitionCount
	return view
}
