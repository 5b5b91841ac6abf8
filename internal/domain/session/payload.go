package session

import (
	"encoding/json"

	"github.com/ironhelm/helmsman/internal/domain/endpoint"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

// Payload is the per-session accumulated state. The source system carries
// this as one untyped bag; here it is a typed façade over the keys every
// phase is known to read or write, plus a catch-all map that preserves any
// key this façade doesn't recognize so serialization round-trips forward
// compatibly.
type Payload struct {
	CurrentTaskIndex     int          `json:"current_task_index"`
	CurrentTodos         []todo.Todo  `json:"current_todos"`
	PhaseTransitionCount int          `json:"phase_transition_count"`

	InterpretedGoal     string `json:"interpreted_goal,omitempty"`
	EnhancedGoal        string `json:"enhanced_goal,omitempty"`
	SynthesizedKnowledge string `json:"synthesized_knowledge,omitempty"`
	KnowledgeConfidence  float64 `json:"knowledge_confidence,omitempty"`

	APIUsageMetrics *endpoint.UsageMetrics `json:"api_usage_metrics,omitempty"`

	VerificationFailureReason string `json:"verification_failure_reason,omitempty"`
	LastCompletionPercentage  int    `json:"last_completion_percentage,omitempty"`

	AwaitingRoleSelection bool   `json:"awaiting_role_selection,omitempty"`
	AwaitingAPISelection  bool   `json:"awaiting_api_selection,omitempty"`
	ClaudeResponse        string `json:"claude_response,omitempty"`

	// Extra holds any key this façade does not model by name, so a
	// round trip through MarshalJSON/UnmarshalJSON never drops data the
	// external agent sent that this version of the server doesn't yet
	// interpret.
	Extra map[string]any `json:"-"`
}

// knownKeys lists every JSON key the typed fields above own, so
// UnmarshalJSON can route everything else into Extra.
var knownKeys = map[string]bool{
	"current_task_index":         true,
	"current_todos":              true,
	"phase_transition_count":     true,
	"interpreted_goal":           true,
	"enhanced_goal":              true,
	"synthesized_knowledge":      true,
	"knowledge_confidence":       true,
	"api_usage_metrics":          true,
	"verification_failure_reason": true,
	"last_completion_percentage": true,
	"awaiting_role_selection":    true,
	"awaiting_api_selection":     true,
	"claude_response":            true,
}

// MarshalJSON flattens the typed fields and Extra into one JSON object.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}

	if len(p.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if knownKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON populates the typed fields and preserves any unrecognized
// key in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias Payload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Payload(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if knownKeys[k] {
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

// Merge overlays non-zero fields of update onto p, matching the FSM's
// "merge event.payload into s.payload" contract in the EXECUTE phase. Zero
// values in update are treated as "not provided" and left untouched, except
// for CurrentTodos which replaces wholesale when non-nil. CurrentTaskIndex,
// PhaseTransitionCount and the two awaiting flags are never taken from
// update; Extra keys are copied over one by one.
func (p *Payload) Merge(update Payload) {
	if update.CurrentTodos != nil {
		p.CurrentTodos = update.CurrentTodos
	}
	if update.InterpretedGoal != "" {
		p.InterpretedGoal = update.InterpretedGoal
	}
	if update.EnhancedGoal != "" {
		p.EnhancedGoal = update.EnhancedGoal
	}
	if update.SynthesizedKnowledge != "" {
		p.SynthesizedKnowledge = update.SynthesizedKnowledge
	}
	if update.KnowledgeConfidence != 0 {
		p.KnowledgeConfidence = update.KnowledgeConfidence
	}
	if update.APIUsageMetrics != nil {
		p.APIUsageMetrics = update.APIUsageMetrics
	}
	if update.VerificationFailureReason != "" {
		p.VerificationFailureReason = update.VerificationFailureReason
	}
	if update.LastCompletionPercentage != 0 {
		p.LastCompletionPercentage = update.LastCompletionPercentage
	}
	if update.ClaudeResponse != "" {
		p.ClaudeResponse = update.ClaudeResponse
	}
	for k, v := range update.Extra {
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
}
