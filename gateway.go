// Package gateway is the root package: it implements the candidate-list
// fallback engine (spec §4.2) that sits in front of the provider adapters,
// wiring the model registry, circuit breakers, and request-event log into
// one Generate/GenerateStream surface. The rate limiter and session store
// are wired by cmd/gatewayd, not by this package.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aerochat-ai/gateway/internal/circuitbreaker"
	"github.com/aerochat-ai/gateway/internal/logging"
	"github.com/aerochat-ai/gateway/internal/registry"
	"github.com/aerochat-ai/gateway/internal/requestlog"
	"github.com/aerochat-ai/gateway/providers"
)

// Gateway multiplexes calls across configured providers, applying the
// fallback/health rules of spec §4.2. It is safe for concurrent use.
type Gateway struct {
	registry  *registry.Registry
	providers *providers.Registry
	logWriter requestlog.Writer
	logger    *slog.Logger

	mu      sync.Mutex
	circuit map[string]*circuitbreaker.CircuitBreaker
	cbCfg   CircuitBreakerConfig

	providerOverride string
	fallbackOverride []string
}

// New constructs a Gateway. reg resolves (agent, overrides) to a provider
// and model; pr holds the live provider adapter instances; logWriter
// receives one requestlog.Entry per candidate attempt (pass
// requestlog.NoopWriter{} to disable persistence).
func New(cfg Config, reg *registry.Registry, pr *providers.Registry, logWriter requestlog.Writer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if logWriter == nil {
		logWriter = requestlog.NoopWriter{}
	}
	return &Gateway{
		registry:         reg,
		providers:        pr,
		logWriter:        logWriter,
		logger:           logger,
		circuit:          make(map[string]*circuitbreaker.CircuitBreaker),
		cbCfg:            cfg.CircuitBreaker,
		providerOverride: cfg.ProviderOverride,
		fallbackOverride: cfg.FallbackOverride,
	}
}

func (g *Gateway) breaker(provider string) *circuitbreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.circuit[provider]
	if !ok {
		cb = circuitbreaker.New(
			g.cbCfg.FailureThreshold,
			g.cbCfg.SuccessThreshold,
			g.cbCfg.BaseTimeout,
			g.cbCfg.MaxTimeout,
		)
		g.circuit[provider] = cb
	}
	return cb
}

// candidate is one entry in the ordered list of providers Generate will try.
type candidate struct {
	name string
}

// candidates builds the ordered, deduplicated list of providers to attempt:
// the resolved primary, followed by its configured fallback chain (spec
// §4.1 FallbackChain, already deduplicated and primary-excluded), or by
// fallbackOverride (spec §6 PROVIDER_FALLBACK) when one was supplied.
func (g *Gateway) candidates(primary string) []candidate {
	chain := g.fallbackOverride
	if chain == nil {
		chain = g.registry.FallbackChain(primary)
	}
	out := make([]candidate, 0, 1+len(chain))
	out = append(out, candidate{name: primary})
	seen := map[string]bool{primary: true}
	for _, p := range chain {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, candidate{name: p})
	}
	return out
}

// Generate resolves agent to a provider/model, then tries each candidate in
// order per spec §4.2's outcome table until one succeeds or every candidate
// is exhausted.
func (g *Gateway) Generate(ctx context.Context, agent string, req providers.GenerationRequest) (*providers.GenerationResponse, error) {
	traceID := logging.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = logging.NewTraceID()
	}

	res, err := g.registry.Resolve(agent, g.providerOverride, req.Config)
	if err != nil {
		return nil, g.configError(err)
	}
	req.Config = res.Config
	if err := req.Validate(); err != nil {
		return nil, providers.NewError(providers.ErrInvalidRequest, "", err.Error())
	}

	var lastErr error
	for _, c := range g.candidates(res.Provider) {
		provider, ok := g.providers.Get(c.name)
		if !ok {
			continue
		}
		cb := g.breaker(c.name)
		if !cb.Allow() {
			lastErr = providers.NewError(providers.ErrUnavailable, c.name, "circuit open")
			continue
		}

		callReq := req
		callReq.Config.Model = modelForCandidate(g.registry, res, c.name)

		start := time.Now()
		resp, callErr := provider.Generate(ctx, callReq)
		g.record(ctx, traceID, "generate", c.name, callReq.Config.Model, resp, callErr, start)

		if callErr == nil {
			cb.RecordSuccess()
			return resp, nil
		}

		ge, _ := providers.AsGatewayError(callErr)
		lastErr = callErr

		if ge == nil || !ge.Kind.Transferable() {
			return nil, callErr
		}

		if ge.Kind == providers.ErrRateLimited {
			// spec §4.2 outcome table: rate_limited "marks health unchanged" —
			// a provider-side 429 is not a breaker failure.
			g.jitterBackoff(ctx, ge)
		} else {
			cb.RecordFailure()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = providers.NewError(providers.ErrNoProviderAvailable, "", "no provider candidates configured")
	}
	return nil, providers.WrapError(providers.ErrNoProviderAvailable, "", lastErr)
}

// GenerateStream is the streaming counterpart of Generate. Fallback is only
// possible until the first non-error chunk is yielded by an adapter — once
// that happens, failures are surfaced to the caller rather than retried
// against the next candidate (spec §4.2 "Once the adapter yields its first
// non-error chunk, fallback is no longer possible").
func (g *Gateway) GenerateStream(ctx context.Context, agent string, req providers.GenerationRequest) (<-chan providers.StreamChunk, error) {
	traceID := logging.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = logging.NewTraceID()
	}

	res, err := g.registry.Resolve(agent, g.providerOverride, req.Config)
	if err != nil {
		return nil, g.configError(err)
	}
	req.Config = res.Config
	if err := req.Validate(); err != nil {
		return nil, providers.NewError(providers.ErrInvalidRequest, "", err.Error())
	}

	out := make(chan providers.StreamChunk)
	go g.runStream(ctx, traceID, res, req, out)
	return out, nil
}

func (g *Gateway) runStream(ctx context.Context, traceID string, res registry.Resolution, req providers.GenerationRequest, out chan<- providers.StreamChunk) {
	defer close(out)

	var lastErr error
	for _, c := range g.candidates(res.Provider) {
		provider, ok := g.providers.Get(c.name)
		if !ok {
			continue
		}
		cb := g.breaker(c.name)
		if !cb.Allow() {
			lastErr = providers.NewError(providers.ErrUnavailable, c.name, "circuit open")
			continue
		}

		callReq := req
		callReq.Config.Model = modelForCandidate(g.registry, res, c.name)

		start := time.Now()
		upstream, callErr := provider.GenerateStream(ctx, callReq)
		if callErr != nil {
			g.record(ctx, traceID, "generate_stream", c.name, callReq.Config.Model, nil, callErr, start)
			ge, _ := providers.AsGatewayError(callErr)
			lastErr = callErr
			if ge == nil || !ge.Kind.Transferable() {
				out <- providers.StreamChunk{Err: asGatewayErr(callErr)}
				return
			}
			if ge.Kind != providers.ErrRateLimited {
				cb.RecordFailure()
			}
			continue
		}

		committed := false
		for chunk := range upstream {
			if !committed {
				if chunk.Err != nil {
					g.recordStreamOutcome(ctx, traceID, c.name, callReq.Config.Model, chunk.Err, start)
					lastErr = chunk.Err
					if !chunk.Err.Kind.Transferable() {
						out <- chunk
						return
					}
					if chunk.Err.Kind != providers.ErrRateLimited {
						cb.RecordFailure()
					}
					break
				}
				committed = true
				cb.RecordSuccess()
			}
			out <- chunk
			if chunk.IsTerminal() {
				g.recordStreamOutcome(ctx, traceID, c.name, callReq.Config.Model, chunk.Err, start)
				return
			}
		}
		if committed {
			// Upstream channel closed without an explicit terminal chunk; treat
			// as a clean end so the caller isn't left hanging.
			return
		}
	}

	if lastErr == nil {
		lastErr = providers.NewError(providers.ErrNoProviderAvailable, "", "no provider candidates configured")
	}
	out <- providers.StreamChunk{Err: asGatewayErr(lastErr)}
}

func asGatewayErr(err error) *providers.GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := providers.AsGatewayError(err); ok {
		return ge
	}
	return providers.WrapError(providers.ErrUnavailable, "", err)
}

// modelForCandidate re-resolves the model string for a fallback candidate
// that isn't the originally resolved primary: each provider may name its
// tier models differently, so the primary's resolved model string cannot be
// reused verbatim across providers.
func modelForCandidate(reg *registry.Registry, primary registry.Resolution, candidateProvider string) string {
	if candidateProvider == primary.Provider {
		return primary.Model
	}
	entry, ok := reg.Provider(candidateProvider)
	if !ok || entry.Models.Default == "" {
		return primary.Model
	}
	return entry.Models.Default
}

// jitterBackoff sleeps for the back end's advertised retry-after (plus
// jitter) before trying the next candidate, bounded by ctx's deadline.
func (g *Gateway) jitterBackoff(ctx context.Context, ge *providers.GatewayError) {
	if ge.RetryAfter <= 0 {
		return
	}
	d := time.Duration(ge.RetryAfter) * time.Second
	d += time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (g *Gateway) configError(err error) error {
	var rerr *registry.ErrConfiguration
	if errors.As(err, &rerr) {
		return providers.NewError(providers.ErrConfiguration, "", rerr.Error())
	}
	return providers.WrapError(providers.ErrConfiguration, "", err)
}

func (g *Gateway) record(ctx context.Context, traceID, stage, provider, model string, resp *providers.GenerationResponse, callErr error, start time.Time) {
	entry := requestlog.Entry{
		TraceID:   traceID,
		Stage:     stage,
		Model:     model,
		Provider:  provider,
		CreatedAt: start,
	}
	if resp != nil {
		entry.InputTokens = resp.Usage.InputTokens
		entry.OutputTokens = resp.Usage.OutputTokens
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	}
	if err := g.logWriter.Write(ctx, entry); err != nil {
		g.logger.Warn("request log write failed", "error", err, "trace_id", traceID)
	}
}

func (g *Gateway) recordStreamOutcome(ctx context.Context, traceID, provider, model string, chunkErr *providers.GatewayError, start time.Time) {
	entry := requestlog.Entry{
		TraceID:   traceID,
		Stage:     "generate_stream",
		Model:     model,
		Provider:  provider,
		CreatedAt: start,
	}
	if chunkErr != nil {
		entry.ErrorMessage = chunkErr.Error()
	}
	if err := g.logWriter.Write(ctx, entry); err != nil {
		g.logger.Warn("request log write failed", "error", err, "trace_id", traceID)
	}
}
