// Package todo defines the task-list entity the EXECUTE and VERIFY phases
// operate over, including the meta-prompt pattern a todo's content may embed.
package todo

import (
	"fmt"
	"regexp"
	"strings"
)

// Status is the lifecycle state of a Todo.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Priority is the urgency tag of a Todo.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Todo is a single unit of work in a session's task list.
type Todo struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
}

// Validate checks that t has all required fields and valid enum values.
func (t *Todo) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Content == "" {
		return fmt.Errorf("content is required")
	}
	switch t.Status {
	case StatusPending, StatusInProgress, StatusCompleted:
	default:
		return fmt.Errorf("invalid status %q", t.Status)
	}
	switch t.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	return nil
}

// MetaPrompt is the parsed form of a todo's content when it embeds the
// four-tag meta-prompt pattern:
// "(ROLE: <role>) (CONTEXT: <ctx>) (PROMPT: <text>) (OUTPUT: <spec>)".
type MetaPrompt struct {
	Role    string
	Context string
	Prompt  string
	Output  string
}

var metaPromptPattern = regexp.MustCompile(`(?is)\(ROLE:\s*(.*?)\)\s*\(CONTEXT:\s*(.*?)\)\s*\(PROMPT:\s*(.*?)\)\s*\(OUTPUT:\s*(.*?)\)`)

// ParseMetaPrompt extracts the four tagged fields from content. ok is false
// if content does not contain all four tags in order.
func ParseMetaPrompt(content string) (mp MetaPrompt, ok bool) {
	m := metaPromptPattern.FindStringSubmatch(content)
	if m == nil {
		return MetaPrompt{}, false
	}
	return MetaPrompt{
		Role:    strings.TrimSpace(m[1]),
		Context: strings.TrimSpace(m[2]),
		Prompt:  strings.TrimSpace(m[3]),
		Output:  strings.TrimSpace(m[4]),
	}, true
}

// RenderMetaPrompt produces the canonical four-tag string for mp, the
// inverse of ParseMetaPrompt modulo whitespace.
func RenderMetaPrompt(mp MetaPrompt) string {
	return fmt.Sprintf("(ROLE: %s) (CONTEXT: %s) (PROMPT: %s) (OUTPUT: %s)",
		mp.Role, mp.Context, mp.Prompt, mp.Output)
}

// HasMetaPrompt reports whether content embeds a well-formed meta-prompt.
func HasMetaPrompt(content string) bool {
	_, ok := ParseMetaPrompt(content)
	return ok
}

// IsCritical reports whether t is a critical task: high priority, or its
// content carries a meta-prompt.
func (t Todo) IsCritical() bool {
	return t.Priority == PriorityHigh || HasMetaPrompt(t.Content)
}

// CompletionPercentage returns round(100*completed/total) over todos. An
// empty todo list is defined to be 100% complete.
func CompletionPercentage(todos []Todo) int {
	if len(todos) == 0 {
		return 100
	}
	completed := 0
	for _, t := range todos {
		if t.Status == StatusCompleted {
			completed++
		}
	}
	return int(float64(completed)*100/float64(len(todos)) + 0.5)
}

// CriticalDone reports whether every critical todo in todos is completed,
// along with the counts of critical-done and critical-total.
func CriticalDone(todos []Todo) (done bool, criticalDone, criticalTotal int) {
	done = true
	for _, t := range todos {
		if !t.IsCritical() {
			continue
		}
		criticalTotal++
		if t.Status == StatusCompleted {
			criticalDone++
		} else {
			done = false
		}
	}
	return done, criticalDone, criticalTotal
}

// AnyHighPriorityPending reports whether any high-priority todo is still
// pending.
func AnyHighPriorityPending(todos []Todo) bool {
	for _, t := range todos {
		if t.Priority == PriorityHigh && t.Status == StatusPending {
			return true
		}
	}
	return false
}

// AnyInProgress reports whether any todo is still in_progress.
func AnyInProgress(todos []Todo) bool {
	for _, t := range todos {
		if t.Status == StatusInProgress {
			return true
		}
	}
	return false
}
