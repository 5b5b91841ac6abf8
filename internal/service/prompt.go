package service

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/domain/todo"
)

//go:embed templates/*.tmpl
var promptTemplateFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptTemplateFS, "templates/*.tmpl"))

// allowedTools is the static per-phase tool allowlist.
var allowedTools = map[phase.Phase][]string{
	phase.Init:      {"JARVIS"},
	phase.Query:      {"JARVIS"},
	phase.Enhance:    {"JARVIS"},
	phase.Knowledge:  {"WebSearch", "WebFetch", "APITaskAgent", "PythonComputationalTool", "Task", "JARVIS"},
	phase.Plan:       {"TodoWrite"},
	phase.Execute:    {"TodoRead", "TodoWrite", "Task", "Bash", "Read", "Write", "Edit", "PythonComputationalTool"},
	phase.Verify:     {"TodoRead", "Read", "PythonComputationalTool"},
	phase.Done:       {},
}

// toolGuidance is the static per-phase tool-usage note appended after the
// role-methodology block.
var toolGuidance = map[phase.Phase]string{
	phase.Init:     "Use JARVIS only; no other tool is available yet.",
	phase.Query:    "Use JARVIS to record the interpreted objective and, if asked, the selected role.",
	phase.Enhance:  "Use JARVIS to record the enhanced goal.",
	phase.Knowledge: "Prefer WebFetch/WebSearch for direct lookups; use APITaskAgent or PythonComputationalTool for anything requiring computation on retrieved data.",
	phase.Plan:     "Use TodoWrite exactly once to set the full task list.",
	phase.Execute:  "Use TodoRead to confirm the current task, then whichever of Bash/Read/Write/Edit/PythonComputationalTool the task needs, then TodoWrite to mark it complete.",
	phase.Verify:   "Use TodoRead and PythonComputationalTool to check claims against evidence before judging completion.",
	phase.Done:     "No tools are needed.",
}

// AllowedTools returns the finite tool set permitted in p.
func AllowedTools(p phase.Phase) []string {
	return allowedTools[p]
}

// templateData is the data object every base_<phase>.tmpl renders against.
type templateData struct {
	SessionID                 string
	InitialObjective          string
	InterpretedGoal           string
	EnhancedGoal              string
	SynthesizedKnowledge      string
	KnowledgeConfidence       float64
	CurrentTaskIndex          int
	TodoCount                 int
	CompletedCount            int
	CurrentTaskContent        string
	VerificationFailureReason string
	AwaitingRoleSelection     bool
}

func newTemplateData(s *session.State) templateData {
	completed := 0
	for _, t := range s.Payload.CurrentTodos {
		if t.Status == todo.StatusCompleted {
			completed++
		}
	}
	var currentContent string
	if idx := s.Payload.CurrentTaskIndex; idx >= 0 && idx < len(s.Payload.CurrentTodos) {
		currentContent = s.Payload.CurrentTodos[idx].Content
	}
	return templateData{
		SessionID:                 s.SessionID,
		InitialObjective:          s.InitialObjective,
		InterpretedGoal:           s.Payload.InterpretedGoal,
		EnhancedGoal:              s.Payload.EnhancedGoal,
		SynthesizedKnowledge:      s.Payload.SynthesizedKnowledge,
		KnowledgeConfidence:       s.Payload.KnowledgeConfidence,
		CurrentTaskIndex:          s.Payload.CurrentTaskIndex,
		TodoCount:                 len(s.Payload.CurrentTodos),
		CompletedCount:            completed,
		CurrentTaskContent:        currentContent,
		VerificationFailureReason: s.Payload.VerificationFailureReason,
		AwaitingRoleSelection:     s.Payload.AwaitingRoleSelection,
	}
}

// AssemblePrompt builds the prompt string for one (phase, session) pair:
// base template, role-methodology block, tool guidance, phase-specific
// context, session_id substitution (folded into template data rather than
// a second pass, since text/template already owns that substitution).
func AssemblePrompt(p phase.Phase, s *session.State) (string, error) {
	var buf bytes.Buffer
	tmplName := fmt.Sprintf("base_%s.tmpl", strings.ToLower(string(p)))
	if err := promptTemplates.ExecuteTemplate(&buf, tmplName, newTemplateData(s)); err != nil {
		return "", fmt.Errorf("render %s: %w", tmplName, err)
	}

	var sections []string
	sections = append(sections, strings.TrimSpace(buf.String()))

	if cfg, ok := role.Get(s.DetectedRole); ok && len(cfg.Methodology) > 0 {
		var methodology strings.Builder
		methodology.WriteString(fmt.Sprintf("Methodology for role %s:\n", cfg.Role))
		for _, m := range cfg.Methodology {
			methodology.WriteString("- ")
			methodology.WriteString(m)
			methodology.WriteString("\n")
		}
		sections = append(sections, strings.TrimSpace(methodology.String()))
	}

	if guidance, ok := toolGuidance[p]; ok && guidance != "" {
		sections = append(sections, guidance)
	}

	return strings.Join(sections, "\n\n"), nil
}
