package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ironhelm/helmsman/internal/domain/role"
)

const sampleCatalog = `
endpoints:
  - id: docs-a
    name: Docs A
    url: https://a.example.com/search
    category: documentation
    role_affinity: [researcher, analyzer]
    confidence_weight: 0.6
  - id: docs-b
    name: Docs B
    url: https://b.example.com/search
    category: documentation
    role_affinity: [researcher]
    confidence_weight: 0.9
  - id: docs-c
    name: Docs C
    url: https://c.example.com/search
    category: documentation
    role_affinity: [coder]
    confidence_weight: 0.95
`

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndSelectByRole(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("expected 3 endpoints, got %d", reg.Len())
	}

	matches := reg.SelectByRole(role.Researcher, 3)
	if len(matches) != 2 {
		t.Fatalf("expected 2 researcher-affinity endpoints, got %d", len(matches))
	}
	if matches[0].ID != "docs-b" {
		t.Errorf("expected docs-b first (higher confidence_weight), got %q", matches[0].ID)
	}
}

func TestSelectByRoleTieBreakByID(t *testing.T) {
	catalog := `
endpoints:
  - id: z-endpoint
    url: https://z.example.com
    role_affinity: [researcher]
    confidence_weight: 0.5
  - id: a-endpoint
    url: https://a.example.com
    role_affinity: [researcher]
    confidence_weight: 0.5
`
	path := writeCatalog(t, catalog)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	matches := reg.SelectByRole(role.Researcher, 10)
	if len(matches) != 2 || matches[0].ID != "a-endpoint" {
		t.Fatalf("expected a-endpoint first on tie, got %+v", matches)
	}
}

func TestSelectByRoleRespectsLimit(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	reg, _ := Load(path)
	matches := reg.SelectByRole(role.Researcher, 1)
	if len(matches) != 1 {
		t.Fatalf("expected limit to cap results, got %d", len(matches))
	}
}

func TestSelectByRoleNoMatches(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	reg, _ := Load(path)
	matches := reg.SelectByRole(role.Planner, 3)
	if len(matches) != 0 {
		t.Fatalf("expected no matches for planner, got %d", len(matches))
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	catalog := `
endpoints:
  - id: dup
    url: https://a.example.com
    role_affinity: [researcher]
    confidence_weight: 0.5
  - id: dup
    url: https://b.example.com
    role_affinity: [researcher]
    confidence_weight: 0.5
`
	path := writeCatalog(t, catalog)
	if _, err := Load(path); err == nil {
		t.Error("expected error for duplicate endpoint id")
	}
}

func TestLoadRejectsInvalidEndpoint(t *testing.T) {
	catalog := `
endpoints:
  - id: ""
    url: https://a.example.com
    role_affinity: [researcher]
    confidence_weight: 0.5
`
	path := writeCatalog(t, catalog)
	if _, err := Load(path); err == nil {
		t.Error("expected error for endpoint missing id")
	}
}

func TestAuthKeysDistinctSorted(t *testing.T) {
	catalog := `
endpoints:
  - id: docs-a
    name: Docs A
    url: https://a.example.com/search
    role_affinity: [researcher]
    auth_hint: DOCS_TOKEN
    confidence_weight: 0.6
  - id: docs-b
    name: Docs B
    url: https://b.example.com/search
    role_affinity: [researcher]
    auth_hint: DOCS_TOKEN
    confidence_weight: 0.9
  - id: code-a
    name: Code A
    url: https://c.example.com/search
    role_affinity: [coder]
    auth_hint: CODE_TOKEN
    confidence_weight: 0.5
  - id: open-a
    name: Open A
    url: https://d.example.com/search
    role_affinity: [coder]
    confidence_weight: 0.5
`
	path := writeCatalog(t, catalog)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	keys := reg.AuthKeys()
	if len(keys) != 2 || keys[0] != "CODE_TOKEN" || keys[1] != "DOCS_TOKEN" {
		t.Fatalf("AuthKeys = %v, want [CODE_TOKEN DOCS_TOKEN]", keys)
	}
}
