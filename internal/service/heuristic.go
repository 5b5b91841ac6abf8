package service

import (
	"regexp"
	"strings"

	"github.com/ironhelm/helmsman/internal/domain/role"
)

var (
	contextTagPattern = regexp.MustCompile(`(?i)\(CONTEXT:\s*(.*?)\)`)
	roleTagPattern    = regexp.MustCompile(`(?i)\(ROLE:\s*(.*?)\)`)
)

// The ui*Keywords lists, checked refiner then architect then implementer,
// map an objective carrying a "ui" CONTEXT tag to a UI role.
var uiRefinerKeywords = []string{"refine", "polish", "optimize", "styling"}
var uiArchitectKeywords = []string{"architect", "design system", "plan"}
var uiImplementerKeywords = []string{"implement", "code", "build"}

var keywordRoles = []struct {
	keywords []string
	role     role.Role
}{
	{[]string{"plan", "strategy", "design", "architect"}, role.Planner},
	{[]string{"implement", "code", "build", "develop", "program"}, role.Coder},
	{[]string{"review", "audit", "validate", "security"}, role.Critic},
	{[]string{"data", "metrics", "statistics"}, role.Analyzer},
	{[]string{"integrate", "combine", "merge", "optimize"}, role.Synthesizer},
}

// DetectRole is the deterministic fallback role heuristic run when no
// explicit role selection is available from the agent.
func DetectRole(objective string) role.Role {
	lower := strings.ToLower(objective)

	if m := contextTagPattern.FindStringSubmatch(objective); m != nil && strings.Contains(strings.ToLower(m[1]), "ui") {
		return uiRoleFromContext(lower)
	}

	if m := roleTagPattern.FindStringSubmatch(objective); m != nil {
		normalized := role.Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), "-", "_"))
		if role.Valid(normalized) {
			return normalized
		}
	}

	for _, kr := range keywordRoles {
		for _, kw := range kr.keywords {
			if strings.Contains(lower, kw) {
				return kr.role
			}
		}
	}

	return role.Researcher
}

func uiRoleFromContext(lower string) role.Role {
	for _, kw := range uiRefinerKeywords {
		if strings.Contains(lower, kw) {
			return role.UIRefiner
		}
	}
	for _, kw := range uiArchitectKeywords {
		if strings.Contains(lower, kw) {
			return role.UIArchitect
		}
	}
	for _, kw := range uiImplementerKeywords {
		if strings.Contains(lower, kw) {
			return role.UIImplementer
		}
	}
	return role.UIImplementer
}
