// Package secrets holds the credentials behind the endpoint registry's auth
// hints. Each catalog entry may carry an auth_hint naming a secret; the
// knowledge orchestrator resolves the hint here into a bearer token at fetch
// time, so tokens never appear in the catalog file or in session state.
package secrets

import (
	"fmt"
	"sync"
)

// Loader fetches the hint->token map from wherever credentials live
// (environment variables in the default deployment).
type Loader func() (map[string]string, error)

// Vault is the in-memory hint->token table, reloadable without a restart so
// rotated endpoint credentials take effect on the next fetch.
type Vault struct {
	mu     sync.RWMutex
	tokens map[string]string
	loader Loader
}

// NewVault runs the loader once and fails startup if it cannot.
func NewVault(loader Loader) (*Vault, error) {
	tokens, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load endpoint credentials: %w", err)
	}
	return &Vault{tokens: tokens, loader: loader}, nil
}

// BearerFor resolves an endpoint's auth hint to its bearer token. An
// unknown hint resolves to "", which the fetch layer treats as an
// anonymous request.
func (v *Vault) BearerFor(authHint string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tokens[authHint]
}

// Redacted returns a masked rendering of the hint's token for log lines:
// the first two characters and a fixed-width mask, or "" when the hint is
// unknown. Never log the raw token.
func (v *Vault) Redacted(authHint string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tok := v.tokens[authHint]
	if tok == "" {
		return ""
	}
	if len(tok) <= 4 {
		return "****"
	}
	return tok[:2] + "****"
}

// Keys lists the auth hints currently resolvable, for startup logging.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	hints := make([]string, 0, len(v.tokens))
	for hint := range v.tokens {
		hints = append(hints, hint)
	}
	return hints
}

// Reload re-runs the loader and swaps the table atomically. On loader
// failure the previous tokens stay in place.
func (v *Vault) Reload() error {
	tokens, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload endpoint credentials: %w", err)
	}
	v.mu.Lock()
	v.tokens = tokens
	v.mu.Unlock()
	return nil
}
