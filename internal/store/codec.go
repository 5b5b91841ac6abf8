package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/domain/todo"
	"github.com/ironhelm/helmsman/internal/port/graph"
)

// Entity and relation type tags used in the persisted graph.
const (
	entityTypeSession = "session"
	entityTypePhase   = "phase"
	entityTypeTask    = "task"

	relationTransitionedTo = "transitioned_to"
	relationHasTask        = "has_task"
)

func sessionEntityName(sessionID string) string { return "session:" + sessionID }
func phaseEntityName(p phase.Phase) string      { return "phase:" + string(p) }
func taskEntityName(sessionID, todoID string) string {
	return "task:" + sessionID + ":" + todoID
}

// encodeSession renders a session's control state as a graph: one session
// entity with keyed observations, one entity per task, and — when the phase
// changed this turn — one transition relation. The payload rides as a single
// JSON observation so unknown keys round-trip.
func encodeSession(s *session.State, prevPhase phase.Phase) (entities []graph.Entity, relations []graph.Relation, err error) {
	payloadJSON, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	sessionName := sessionEntityName(s.SessionID)
	entities = append(entities, graph.Entity{
		Name:       sessionName,
		EntityType: entityTypeSession,
		Observations: []string{
			"current_phase: " + string(s.CurrentPhase),
			"initial_objective: " + s.InitialObjective,
			"detected_role: " + string(s.DetectedRole),
			"reasoning_effectiveness: " + strconv.FormatFloat(s.ReasoningEffectiveness, 'f', -1, 64),
			"last_activity: " + strconv.FormatInt(s.LastActivityEpochMS, 10),
			"payload: " + string(payloadJSON),
		},
	})

	for _, t := range s.Payload.CurrentTodos {
		taskName := taskEntityName(s.SessionID, t.ID)
		entities = append(entities, graph.Entity{
			Name:       taskName,
			EntityType: entityTypeTask,
			Observations: []string{
				"content: " + t.Content,
				"status: " + string(t.Status),
				"priority: " + string(t.Priority),
			},
		})
		relations = append(relations, graph.Relation{
			From:         sessionName,
			To:           taskName,
			RelationType: relationHasTask,
		})
	}

	if prevPhase != s.CurrentPhase {
		entities = append(entities, graph.Entity{
			Name:       phaseEntityName(s.CurrentPhase),
			EntityType: entityTypePhase,
		})
		relations = append(relations, graph.Relation{
			From:         sessionName,
			To:           phaseEntityName(s.CurrentPhase),
			RelationType: relationTransitionedTo,
		})
	}

	return entities, relations, nil
}

// DecodeSession reconstructs a session's control state from its persisted
// graph entities. Exported for out-of-process tooling (the admin CLI).
func DecodeSession(sessionID string, entities []graph.Entity, defaults session.State) session.State {
	return decodeSession(sessionID, entities, defaults)
}

// decodeSession reconstructs a session from its graph, starting from the
// default state and overlaying whatever well-formed observations exist.
// Malformed observations are skipped, never fatal.
func decodeSession(sessionID string, entities []graph.Entity, defaults session.State) session.State {
	s := defaults
	s.SessionID = sessionID

	var sessionEntity *graph.Entity
	for i := range entities {
		if entities[i].EntityType == entityTypeSession && entities[i].Name == sessionEntityName(sessionID) {
			sessionEntity = &entities[i]
			break
		}
	}
	if sessionEntity == nil {
		return s
	}

	for _, obs := range sessionEntity.Observations {
		key, value, ok := splitObservation(obs)
		if !ok {
			continue
		}
		switch key {
		case "current_phase":
			p := phase.Phase(ObservationValue(value, string(defaults.CurrentPhase)))
			if p.Valid() {
				s.CurrentPhase = p
			}
		case "initial_objective":
			s.InitialObjective = ObservationValue(value, defaults.InitialObjective)
		case "detected_role":
			r := role.Role(ObservationValue(value, string(defaults.DetectedRole)))
			if r == "" || role.Valid(r) {
				s.DetectedRole = r
			}
		case "reasoning_effectiveness":
			if f, err := strconv.ParseFloat(ObservationValue(value, ""), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				s.ReasoningEffectiveness = f
			}
		case "last_activity":
			if n, err := strconv.ParseInt(ObservationValue(value, ""), 10, 64); err == nil {
				s.LastActivityEpochMS = n
			}
		case "payload":
			var p session.Payload
			if err := json.Unmarshal([]byte(value), &p); err == nil {
				s.Payload = p
			}
		}
	}

	if len(s.Payload.CurrentTodos) == 0 {
		s.Payload.CurrentTodos = decodeTasks(sessionID, entities)
	}
	if s.Payload.CurrentTodos == nil {
		s.Payload.CurrentTodos = []todo.Todo{}
	}
	return s
}

// decodeTasks rebuilds the todo list from task entities, used only when the
// payload observation itself was missing or unreadable.
func decodeTasks(sessionID string, entities []graph.Entity) []todo.Todo {
	prefix := "task:" + sessionID + ":"
	var todos []todo.Todo
	for _, e := range entities {
		if e.EntityType != entityTypeTask || !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		t := todo.Todo{ID: strings.TrimPrefix(e.Name, prefix)}
		for _, obs := range e.Observations {
			key, value, ok := splitObservation(obs)
			if !ok {
				continue
			}
			switch key {
			case "content":
				t.Content = ObservationValue(value, "")
			case "status":
				t.Status = todo.Status(ObservationValue(value, string(todo.StatusPending)))
			case "priority":
				t.Priority = todo.Priority(ObservationValue(value, string(todo.PriorityMedium)))
			}
		}
		todos = append(todos, t)
	}
	return todos
}

// splitObservation splits "key: value" on the first colon. An observation
// with no colon is malformed and skipped. "key:" with nothing after the
// colon yields an empty value.
func splitObservation(obs string) (key, value string, ok bool) {
	idx := strings.Index(obs, ":")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(obs[:idx])
	value = strings.TrimPrefix(obs[idx+1:], " ")
	return key, value, true
}

// ObservationValue normalizes one observation value: the literal strings
// "undefined" and "null" collapse to the field default, and an absent value
// stays the empty string.
func ObservationValue(value, fieldDefault string) string {
	if value == "undefined" || value == "null" {
		return fieldDefault
	}
	return value
}
