// Package endpoint defines the read-only external-endpoint catalog entries
// the knowledge orchestrator fetches from, and the result shape a fetch
// produces.
package endpoint

import (
	"fmt"

	"github.com/ironhelm/helmsman/internal/domain/role"
)

// Descriptor is an immutable catalog entry for one external endpoint,
// loaded at startup and never mutated.
type Descriptor struct {
	ID               string              `yaml:"id"`
	Name             string              `yaml:"name"`
	URL              string              `yaml:"url"`
	Category         string              `yaml:"category"`
	RoleAffinity     map[role.Role]bool  `yaml:"-"`
	RoleAffinityList []role.Role         `yaml:"role_affinity"`
	AuthHint         string              `yaml:"auth_hint"`
	ConfidenceWeight float64             `yaml:"confidence_weight"`
}

// Validate checks that d has all required fields and valid values.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.URL == "" {
		return fmt.Errorf("url is required")
	}
	if d.ConfidenceWeight < 0 || d.ConfidenceWeight > 1 {
		return fmt.Errorf("confidence_weight must be in 0..1, got %v", d.ConfidenceWeight)
	}
	if len(d.RoleAffinityList) == 0 {
		return fmt.Errorf("role_affinity must name at least one role")
	}
	for _, r := range d.RoleAffinityList {
		if !role.Valid(r) {
			return fmt.Errorf("unknown role in role_affinity: %q", r)
		}
	}
	return nil
}

// HasAffinity reports whether d is tagged for r. It uses the lookup set
// built by Finalize when present and otherwise scans RoleAffinityList.
func (d *Descriptor) HasAffinity(r role.Role) bool {
	if d.RoleAffinity != nil {
		return d.RoleAffinity[r]
	}
	for _, candidate := range d.RoleAffinityList {
		if candidate == r {
			return true
		}
	}
	return false
}

// Finalize builds the RoleAffinity lookup set from RoleAffinityList. Call
// once after loading from YAML.
func (d *Descriptor) Finalize() {
	d.RoleAffinity = make(map[role.Role]bool, len(d.RoleAffinityList))
	for _, r := range d.RoleAffinityList {
		d.RoleAffinity[r] = true
	}
}

// FetchResult is the outcome of one outbound fetch attempt against an
// endpoint.
type FetchResult struct {
	EndpointID string
	OK         bool
	Body       string
	DurationMS int64
	Confidence float64
	Error      string
}

// UsageMetrics summarizes one knowledge-orchestrator invocation.
type UsageMetrics struct {
	EndpointsDiscovered int     `json:"endpoints_discovered"`
	EndpointsQueried    int     `json:"endpoints_queried"`
	Successful          int     `json:"successful"`
	TotalDurationMS     int64   `json:"total_duration_ms"`
	SynthesisConfidence float64 `json:"synthesis_confidence"`
	Source              string  `json:"source,omitempty"`
}
