package registry

import (
	"fmt"

	"github.com/aerochat-ai/gateway/providers"
)

const defaultTier = "default"

// ErrConfiguration wraps registry resolution failures; the gateway
// translates it to providers.ErrConfiguration (spec §7, fatal/non-
// retryable).
type ErrConfiguration struct {
	Reason string
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("registry: %s", e.Reason)
}

// Resolution is the outcome of resolving one (agent, overrides) call: which
// provider and model to invoke, and the fully composed GenConfig.
type Resolution struct {
	Provider string
	Model    string
	Config   providers.GenConfig
}

// Resolve implements spec §4.1's five-step resolution algorithm:
//
//  1. providerOverride (explicit env/call override) wins outright.
//  2. callConfig.Model, if set, bypasses tier lookup for the model (but not
//     the provider).
//  3. agent -> tier -> (provider, tier) -> model.
//  4. unknown agent falls back to tier "default".
//  5. missing (provider, tier) falls back to the provider's "default" tier;
//     still missing is a configuration_error.
//
// Parameter composition overlays tier defaults, then per-agent overrides,
// then callConfig, with callConfig winning (GenConfig.Merge, call-site wins).
func (r *Registry) Resolve(agent, providerOverride string, callConfig providers.GenConfig) (Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider := providerOverride
	if provider == "" {
		provider = r.doc.Defaults.Provider
	}
	if provider == "" {
		return Resolution{}, &ErrConfiguration{Reason: "no provider override and no default provider configured"}
	}
	entry, ok := r.doc.Providers[provider]
	if !ok {
		return Resolution{}, &ErrConfiguration{Reason: fmt.Sprintf("provider %q is not registered", provider)}
	}

	tier := r.tierForAgent(agent)

	model := callConfig.Model
	if model == "" {
		var err error
		model, err = resolveModel(entry, tier)
		if err != nil {
			return Resolution{}, err
		}
	}

	params := r.composeParams(agent, tier, callConfig)
	params.Model = model

	return Resolution{Provider: provider, Model: model, Config: params}, nil
}

// tierForAgent finds the tier whose agent_assignments list contains agent;
// unknown agents resolve to the "default" tier (step 4).
func (r *Registry) tierForAgent(agent string) string {
	for tier, agents := range r.doc.AgentAssignments {
		for _, a := range agents {
			if a == agent {
				return tier
			}
		}
	}
	return defaultTier
}

// resolveModel implements steps 3 and 5: (provider, tier) -> model, falling
// back to the provider's own "default" tier model, erroring if both are
// unset.
func resolveModel(entry ProviderEntry, tier string) (string, error) {
	if model := entry.Models.Model(tier); model != "" {
		return model, nil
	}
	return "", &ErrConfiguration{Reason: fmt.Sprintf("no model configured for tier %q and no provider default", tier)}
}

// composeParams overlays tier defaults -> agent overrides -> call-site
// config, call-site winning throughout (spec §4.1).
func (r *Registry) composeParams(agent, tier string, callConfig providers.GenConfig) providers.GenConfig {
	params := r.doc.Parameters[tier]
	if override, ok := r.doc.AgentOverrides[agent]; ok {
		params = params.Merge(override)
	}
	return params.Merge(callConfig)
}

// FallbackChain returns the configured fallback chain with the primary
// provider and duplicates removed (spec §4.1 "deduplicated on access").
func (r *Registry) FallbackChain(primary string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{primary: true}
	out := make([]string, 0, len(r.doc.Defaults.FallbackChain))
	for _, p := range r.doc.Defaults.FallbackChain {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// EnabledProviders returns the names of providers not explicitly disabled.
func (r *Registry) EnabledProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.doc.Providers))
	for name, entry := range r.doc.Providers {
		if entry.enabled() {
			out = append(out, name)
		}
	}
	return out
}
