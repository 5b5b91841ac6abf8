// Package service holds the per-phase orchestration logic: knowledge
// gathering, prompt assembly, completion validation, role detection, and
// the phase controller that ties them together.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	hotel "github.com/ironhelm/helmsman/internal/adapter/otel"
	"github.com/ironhelm/helmsman/internal/domain/endpoint"
	"github.com/ironhelm/helmsman/internal/domain/role"
	"github.com/ironhelm/helmsman/internal/httpfetch"
)

// Fetcher is the subset of httpfetch.Fetcher the knowledge orchestrator
// needs, so tests can substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts httpfetch.Options) endpoint.FetchResult
}

// Selector is the subset of registry.Registry the knowledge orchestrator
// needs.
type Selector interface {
	SelectByRole(r role.Role, limit int) []*endpoint.Descriptor
}

// KnowledgeConfig parameterizes one Knowledge invocation.
type KnowledgeConfig struct {
	MaxConcurrency      int
	TimeoutMS           int
	ConfidenceThreshold float64
	MaxResponseSize     int
	MaxContentLength    int64
	SessionWorkspaceDir string // root for per-session workspace dirs, default "./iron-manus-sessions"
}

// KnowledgeResult is gather()'s public contract.
type KnowledgeResult struct {
	Answer         string
	Confidence     float64
	Contradictions []string
	Metrics        endpoint.UsageMetrics
}

// Knowledge is the knowledge orchestrator: selection via a Selector,
// bounded fan-out via a Fetcher, confidence-weighted synthesis, and
// contradiction detection. All fetch failures are absorbed into a degraded
// result; nothing here ever returns an error to its caller.
type Knowledge struct {
	selector Selector
	fetcher  Fetcher
	cfg      KnowledgeConfig
	tokenFor func(authHint string) string
}

// SetTokenSource registers a resolver that maps an endpoint's auth hint to a
// bearer token. Endpoints whose hint resolves to "" are fetched anonymously.
func (k *Knowledge) SetTokenSource(fn func(authHint string) string) {
	k.tokenFor = fn
}

// NewKnowledge constructs a Knowledge orchestrator.
func NewKnowledge(selector Selector, fetcher Fetcher, cfg KnowledgeConfig) *Knowledge {
	if cfg.SessionWorkspaceDir == "" {
		cfg.SessionWorkspaceDir = "./iron-manus-sessions"
	}
	return &Knowledge{selector: selector, fetcher: fetcher, cfg: cfg}
}

// Gather runs the full knowledge-gathering algorithm for one session.
func (k *Knowledge) Gather(ctx context.Context, sessionID string, r role.Role) KnowledgeResult {
	if answer, ok := k.readSynthesizedKnowledge(sessionID); ok {
		return KnowledgeResult{
			Answer:     answer,
			Confidence: 1.0,
			Metrics:    endpoint.UsageMetrics{Source: "agent_synthesis"},
		}
	}

	endpoints := k.selector.SelectByRole(r, 3)
	if len(endpoints) == 0 {
		return KnowledgeResult{
			Answer:     "no relevant endpoints",
			Confidence: 0,
			Metrics:    endpoint.UsageMetrics{EndpointsDiscovered: 0},
		}
	}

	overallTimeout := time.Duration(len(endpoints)*k.cfg.TimeoutMS+1000) * time.Millisecond
	fanOutCtx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	results := k.fanOut(fanOutCtx, endpoints)

	surviving := k.filter(endpoints, results)
	answer, contradictions := k.synthesize(surviving)
	confidence := aggregateConfidence(surviving)

	successful := 0
	var totalDuration int64
	for _, res := range results {
		if res.OK {
			successful++
		}
		totalDuration += res.DurationMS
	}

	return KnowledgeResult{
		Answer:         answer,
		Confidence:     confidence,
		Contradictions: contradictions,
		Metrics: endpoint.UsageMetrics{
			EndpointsDiscovered: len(endpoints),
			EndpointsQueried:    len(results),
			Successful:          successful,
			TotalDurationMS:     totalDuration,
			SynthesisConfidence: confidence,
		},
	}
}

func (k *Knowledge) readSynthesizedKnowledge(sessionID string) (string, bool) {
	path := filepath.Join(k.cfg.SessionWorkspaceDir, sessionID, "synthesized_knowledge.md")
	data, err := os.ReadFile(path) //nolint:gosec // G304: sessionID-scoped path under a fixed workspace root
	if err != nil {
		return "", false
	}
	return string(data), true
}

type fetchOutcome struct {
	endpointIndex int
	result        endpoint.FetchResult
}

// fanOut submits each endpoint to the fetcher via a worker pool bounded by
// MaxConcurrency.
func (k *Knowledge) fanOut(ctx context.Context, endpoints []*endpoint.Descriptor) []endpoint.FetchResult {
	limit := k.cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	results := make([]endpoint.FetchResult, len(endpoints))
	outcomes := make(chan fetchOutcome, len(endpoints))

	for i, ep := range endpoints {
		i, ep := i, ep
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes <- fetchOutcome{i, endpoint.FetchResult{EndpointID: ep.ID, OK: false, Error: "timeout"}}
			continue
		}
		go func() {
			defer sem.Release(1)
			fetchCtx, span := hotel.StartFetchSpan(ctx, ep.ID, ep.URL)
			defer span.End()
			var token string
			if k.tokenFor != nil && ep.AuthHint != "" {
				token = k.tokenFor(ep.AuthHint)
			}
			res := k.fetcher.Fetch(fetchCtx, ep.URL, httpfetch.Options{
				EndpointID:       ep.ID,
				ConfidenceWeight: ep.ConfidenceWeight,
				Timeout:          time.Duration(k.cfg.TimeoutMS) * time.Millisecond,
				MaxContentLength: k.cfg.MaxContentLength,
				MaxResponseSize:  k.cfg.MaxResponseSize,
				AuthToken:        token,
			})
			outcomes <- fetchOutcome{i, res}
		}()
	}

	for range endpoints {
		o := <-outcomes
		results[o.endpointIndex] = o.result
	}
	return results
}

type survivor struct {
	endpointName string
	body         string
	confidence   float64
}

func (k *Knowledge) filter(endpoints []*endpoint.Descriptor, results []endpoint.FetchResult) []survivor {
	var out []survivor
	for i, res := range results {
		if !res.OK || res.Confidence < k.cfg.ConfidenceThreshold {
			continue
		}
		out = append(out, survivor{endpointName: endpoints[i].Name, body: res.Body, confidence: res.Confidence})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].confidence > out[j].confidence })
	return out
}

func (k *Knowledge) synthesize(survivors []survivor) (answer string, contradictions []string) {
	if len(survivors) == 0 {
		return "no relevant endpoints", nil
	}

	var b strings.Builder
	for _, s := range survivors {
		if b.Len() >= k.cfg.MaxResponseSize {
			break
		}
		fmt.Fprintf(&b, "[%s] %s\n", s.endpointName, s.body)
	}
	answer = b.String()
	if k.cfg.MaxResponseSize > 0 && len(answer) > k.cfg.MaxResponseSize {
		answer = answer[:k.cfg.MaxResponseSize]
	}

	contradictions = detectContradictions(survivors)
	return answer, contradictions
}

func aggregateConfidence(survivors []survivor) float64 {
	if len(survivors) == 0 {
		return 0
	}
	weights := make([]float64, len(survivors))
	var weightTotal float64
	for i, s := range survivors {
		weight := float64(len(s.body))
		if weight == 0 {
			weight = 1
		}
		weights[i] = weight
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	var c float64
	for i, s := range survivors {
		c += s.confidence * (weights[i] / weightTotal)
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// keywordNumberPattern captures a keyword immediately followed by a number,
// e.g. "latency 120ms" or "version 3".
var keywordNumberPattern = regexp.MustCompile(`(?i)([a-zA-Z][a-zA-Z_-]{2,})\s+(?:is\s+|=\s*|:\s*)?(\d+(?:\.\d+)?)`)

// detectContradictions flags endpoint pairs whose bodies assign a different
// number to the same adjacent keyword. Deterministic, substring-level;
// not a general NLP comparison.
func detectContradictions(survivors []survivor) []string {
	type claim struct {
		endpoint string
		value    string
	}
	claims := make(map[string][]claim)
	for _, s := range survivors {
		for _, m := range keywordNumberPattern.FindAllStringSubmatch(s.body, -1) {
			key := strings.ToLower(m[1])
			claims[key] = append(claims[key], claim{endpoint: s.endpointName, value: m[2]})
		}
	}

	seen := make(map[string]bool)
	var contradictions []string
	for keyword, cs := range claims {
		for i := 0; i < len(cs); i++ {
			for j := i + 1; j < len(cs); j++ {
				if cs[i].endpoint == cs[j].endpoint {
					continue
				}
				if valuesEqual(cs[i].value, cs[j].value) {
					continue
				}
				pairKey := keyword + "|" + cs[i].endpoint + "|" + cs[j].endpoint
				if seen[pairKey] {
					continue
				}
				seen[pairKey] = true
				contradictions = append(contradictions, fmt.Sprintf(
					"%q: %s says %s=%s, %s says %s=%s",
					keyword, cs[i].endpoint, keyword, cs[i].value, cs[j].endpoint, keyword, cs[j].value,
				))
			}
		}
	}
	sort.Strings(contradictions)
	return contradictions
}

func valuesEqual(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a == b
	}
	return fa == fb
}
