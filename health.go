package gateway

import (
	"context"
	"sync"

	"github.com/aerochat-ai/gateway/internal/circuitbreaker"
	"github.com/aerochat-ai/gateway/providers"
)

// Health returns a snapshot of every provider's circuit-breaker state known
// to this Gateway, keyed by provider name. It is a pure read: no rate-limit
// budget is consumed and no circuit-breaker state is mutated (spec §4.7).
// Providers that have never been attempted are absent from the map; use
// HealthCheckAll for an active, registry-wide probe.
func (g *Gateway) Health() map[string]providers.ProviderHealth {
	g.mu.Lock()
	names := make([]string, 0, len(g.circuit))
	breakers := make([]*circuitbreaker.CircuitBreaker, 0, len(g.circuit))
	for name, cb := range g.circuit {
		names = append(names, name)
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make(map[string]providers.ProviderHealth, len(names))
	for i, name := range names {
		out[name] = healthFromBreaker(breakers[i])
	}
	return out
}

// HealthCheckAll actively probes every registered provider's IsAvailable in
// parallel and returns a combined snapshot: the probe result merged with
// this Gateway's own circuit-breaker health where one exists. Like
// IsAvailable itself, this consumes no rate-limit budget and mutates no
// circuit-breaker state (spec §4.7).
func (g *Gateway) HealthCheckAll(ctx context.Context) map[string]providers.ProviderHealth {
	names := g.providers.List()

	type result struct {
		name      string
		available bool
	}
	results := make(chan result, len(names))

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p, ok := g.providers.Get(name)
			if !ok {
				results <- result{name: name, available: false}
				return
			}
			results <- result{name: name, available: p.IsAvailable(ctx)}
		}(name)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	existing := g.Health()
	out := make(map[string]providers.ProviderHealth, len(names))
	for r := range results {
		health := existing[r.name]
		if !r.available && health.State == providers.HealthClosed {
			health.State = providers.HealthOpen
		}
		out[r.name] = health
	}
	return out
}

func healthFromBreaker(cb *circuitbreaker.CircuitBreaker) providers.ProviderHealth {
	var state providers.HealthState
	switch cb.State() {
	case circuitbreaker.StateOpen:
		state = providers.HealthOpen
	case circuitbreaker.StateHalfOpen:
		state = providers.HealthHalfOpen
	default:
		state = providers.HealthClosed
	}
	return providers.ProviderHealth{
		State:             state,
		NextProbeDeadline: cb.NextProbeDeadline(),
		LastSuccess:       cb.LastSuccess(),
	}
}
