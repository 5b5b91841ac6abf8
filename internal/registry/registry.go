// Package registry loads the read-only catalog of external endpoints the
// knowledge orchestrator selects from, and exposes role-affinity lookup.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ironhelm/helmsman/internal/domain"
	"github.com/ironhelm/helmsman/internal/domain/endpoint"
	"github.com/ironhelm/helmsman/internal/domain/role"
)

type catalogFile struct {
	Endpoints []endpoint.Descriptor `yaml:"endpoints"`
}

// Registry is the immutable, startup-loaded endpoint catalog. It does not
// reload: operators restart the process to pick up catalog changes.
type Registry struct {
	byID      map[string]*endpoint.Descriptor
	ordered   []*endpoint.Descriptor
}

// Load reads and validates the YAML catalog at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	reg := &Registry{byID: make(map[string]*endpoint.Descriptor, len(file.Endpoints))}
	for i := range file.Endpoints {
		d := &file.Endpoints[i]
		d.Finalize()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w: %w", d.ID, domain.ErrValidation, err)
		}
		if _, dup := reg.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate endpoint id %q", d.ID)
		}
		reg.byID[d.ID] = d
		reg.ordered = append(reg.ordered, d)
	}
	return reg, nil
}

// SelectByRole returns up to limit endpoints tagged for r, sorted by
// confidence_weight descending and tie-broken by id ascending.
func (r *Registry) SelectByRole(rl role.Role, limit int) []*endpoint.Descriptor {
	var matches []*endpoint.Descriptor
	for _, d := range r.ordered {
		if d.HasAffinity(rl) {
			matches = append(matches, d)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].ConfidenceWeight != matches[j].ConfidenceWeight {
			return matches[i].ConfidenceWeight > matches[j].ConfidenceWeight
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Get returns the endpoint with the given id, if present.
func (r *Registry) Get(id string) (*endpoint.Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Len returns the number of endpoints loaded.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// AuthKeys returns the distinct non-empty auth hints across the catalog,
// sorted. Each hint names the secret the fetch layer resolves into a bearer
// token.
func (r *Registry) AuthKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, d := range r.ordered {
		if d.AuthHint == "" || seen[d.AuthHint] {
			continue
		}
		seen[d.AuthHint] = true
		keys = append(keys, d.AuthHint)
	}
	sort.Strings(keys)
	return keys
}
