package service

import (
	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

// VerificationInput is what the completion validator evaluates: the
// session's todo list plus two scalars read from elsewhere in state.
type VerificationInput struct {
	Todos                 []todo.Todo
	ReasoningEffectiveness float64
	SuccessRateThreshold   float64
	CompletionThreshold    int
	VerificationPassedClaim bool
	VerificationPassedSet   bool // whether the payload asserted verification_passed at all
}

// VerificationResult is the completion validator's output.
type VerificationResult struct {
	Valid         bool
	Reason        string
	CompletionPct int
	CriticalDone  int
	CriticalTotal int
}

// Verify evaluates the six completion rules in order; the first failure
// wins.
func Verify(in VerificationInput) VerificationResult {
	pct := todo.CompletionPercentage(in.Todos)
	criticalOK, criticalDone, criticalTotal := todo.CriticalDone(in.Todos)

	result := VerificationResult{
		CompletionPct: pct,
		CriticalDone:  criticalDone,
		CriticalTotal: criticalTotal,
	}

	if !criticalOK {
		result.Reason = "critical todos incomplete"
		return result
	}
	if pct < in.CompletionThreshold {
		result.Reason = "completion below threshold"
		return result
	}
	if todo.AnyHighPriorityPending(in.Todos) {
		result.Reason = "high priority todo still pending"
		return result
	}
	if todo.AnyInProgress(in.Todos) {
		result.Reason = "todo still in progress"
		return result
	}
	if in.ReasoningEffectiveness < in.SuccessRateThreshold {
		result.Reason = "reasoning effectiveness below threshold"
		return result
	}
	if in.VerificationPassedSet && in.VerificationPassedClaim && (!criticalOK || pct < in.CompletionThreshold) {
		result.Reason = "inconsistent claim"
		return result
	}

	result.Valid = true
	return result
}

// RollbackTarget returns the phase VERIFY falls back to on failure, and the
// task index adjustment to apply.
func RollbackTarget(completionPct, currentTaskIndex int) (target phase.Phase, newTaskIndex int) {
	switch {
	case completionPct < 50:
		return phase.Plan, 0
	case completionPct < 80:
		return phase.Execute, currentTaskIndex
	default:
		newIndex := currentTaskIndex - 1
		if newIndex < 0 {
			newIndex = 0
		}
		return phase.Execute, newIndex
	}
}
