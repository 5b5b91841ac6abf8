// Package session defines the per-session control state the FSM reads and
// writes on every turn.
package session

import (
	"fmt"

	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

// State is the full control state for one session_id.
type State struct {
	SessionID               string     `json:"session_id"`
	CurrentPhase             phase.Phase `json:"current_phase"`
	InitialObjective         string     `json:"initial_objective"`
	DetectedRole             role.Role  `json:"detected_role"`
	ReasoningEffectiveness   float64    `json:"reasoning_effectiveness"`
	Payload                  Payload    `json:"payload"`
	LastActivityEpochMS      int64      `json:"last_activity"`
}

// New returns the default state for a freshly created session.
func New(sessionID string, initialEffectiveness float64) State {
	return State{
		SessionID:              sessionID,
		CurrentPhase:           phase.Init,
		ReasoningEffectiveness: initialEffectiveness,
		Payload: Payload{
			CurrentTodos: []todo.Todo{},
		},
	}
}

// ClampEffectiveness clamps v into [min, max].
func ClampEffectiveness(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Validate checks a session's control state: phase recognized, role
// recognized once set, task index in range.
func (s *State) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if !s.CurrentPhase.Valid() {
		return fmt.Errorf("invalid current_phase %q", s.CurrentPhase)
	}
	if s.DetectedRole != "" && !role.Valid(s.DetectedRole) {
		return fmt.Errorf("invalid detected_role %q", s.DetectedRole)
	}
	if s.Payload.CurrentTaskIndex < 0 || s.Payload.CurrentTaskIndex > len(s.Payload.CurrentTodos) {
		return fmt.Errorf("current_task_index %d out of range [0,%d]", s.Payload.CurrentTaskIndex, len(s.Payload.CurrentTodos))
	}
	return nil
}
