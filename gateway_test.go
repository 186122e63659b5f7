package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aerochat-ai/gateway/internal/registry"
	"github.com/aerochat-ai/gateway/providers"
)

// fakeProvider is a test double implementing providers.Provider.
type fakeProvider struct {
	name      string
	resp      *providers.GenerationResponse
	err       error
	streamErr error
	chunks    []providers.StreamChunk
	available bool
	calls     int
}

func (f *fakeProvider) Describe() providers.ProviderDescriptor {
	return providers.ProviderDescriptor{Name: f.name, Enabled: true}
}

func (f *fakeProvider) IsAvailable(context.Context) bool { return f.available }

func (f *fakeProvider) Generate(_ context.Context, _ providers.GenerationRequest) (*providers.GenerationResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) GenerateStream(_ context.Context, _ providers.GenerationRequest) (<-chan providers.StreamChunk, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan providers.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func testRequest() providers.GenerationRequest {
	return providers.GenerationRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hello"}},
	}
}

func buildRegistry(t *testing.T, yamlDoc string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/registry.yaml"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("writing registry fixture: %v", err)
	}
	reg := registry.New()
	if err := reg.Load(path, ""); err != nil {
		t.Fatalf("loading registry fixture: %v", err)
	}
	return reg
}

const singleProviderYAML = `
providers:
  primary:
    models: {default: primary-model}
defaults:
  provider: primary
`

const fallbackYAML = `
providers:
  primary:
    models: {default: primary-model}
  backup:
    models: {default: backup-model}
defaults:
  provider: primary
  fallback_chain: [primary, backup]
`

func TestGenerate_SuccessOnPrimary(t *testing.T) {
	reg := buildRegistry(t, singleProviderYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", resp: &providers.GenerationResponse{Content: "hi", Provider: "primary"}}
	pr.Register(primary)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	resp, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Fatalf("expected content %q, got %q", "hi", resp.Content)
	}
	if primary.calls != 1 {
		t.Fatalf("expected 1 call, got %d", primary.calls)
	}
}

func TestGenerate_FallsBackOnTransferableError(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrTimeout, "primary", "timed out")}
	backup := &fakeProvider{name: "backup", resp: &providers.GenerationResponse{Content: "from backup", Provider: "backup"}}
	pr.Register(primary)
	pr.Register(backup)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	resp, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Fatalf("expected fallback response, got %q", resp.Content)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("expected one call each, got primary=%d backup=%d", primary.calls, backup.calls)
	}
}

func TestGenerate_NonTransferableErrorSurfacesImmediately(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrAuth, "primary", "bad key")}
	backup := &fakeProvider{name: "backup", resp: &providers.GenerationResponse{Content: "from backup"}}
	pr.Register(primary)
	pr.Register(backup)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	_, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	ge, ok := providers.AsGatewayError(err)
	if !ok || ge.Kind != providers.ErrAuth {
		t.Fatalf("expected auth_error, got %v", err)
	}
	if backup.calls != 0 {
		t.Fatalf("expected backup not to be tried, got %d calls", backup.calls)
	}
}

func TestGenerate_AllCandidatesExhausted(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrTimeout, "primary", "timed out")}
	backup := &fakeProvider{name: "backup", err: providers.NewError(providers.ErrTimeout, "backup", "timed out")}
	pr.Register(primary)
	pr.Register(backup)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	_, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	ge, ok := providers.AsGatewayError(err)
	if !ok || ge.Kind != providers.ErrNoProviderAvailable {
		t.Fatalf("expected no_provider_available, got %v", err)
	}
}

func TestGenerate_UnknownAgentResolvesDefaultTier(t *testing.T) {
	reg := buildRegistry(t, singleProviderYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", resp: &providers.GenerationResponse{Content: "ok"}}
	pr.Register(primary)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	if _, err := gw.Generate(context.Background(), "totally_unknown_agent", testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerateStream_FallbackBeforeFirstChunk(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", streamErr: providers.NewError(providers.ErrTimeout, "primary", "timed out")}
	backup := &fakeProvider{name: "backup", chunks: []providers.StreamChunk{
		{Delta: "he"}, {Delta: "llo", Done: true},
	}}
	pr.Register(primary)
	pr.Register(backup)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	ch, err := gw.GenerateStream(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var deltas string
	for c := range ch {
		deltas += c.Delta
	}
	if deltas != "hello" {
		t.Fatalf("expected %q, got %q", "hello", deltas)
	}
}

func TestGenerateStream_NoFallbackAfterFirstChunk(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", chunks: []providers.StreamChunk{
		{Delta: "partial"},
		{Err: providers.NewError(providers.ErrNetwork, "primary", "connection reset")},
	}}
	backup := &fakeProvider{name: "backup", chunks: []providers.StreamChunk{{Delta: "should not be used", Done: true}}}
	pr.Register(primary)
	pr.Register(backup)

	gw := New(DefaultConfig(), reg, pr, nil, nil)
	ch, err := gw.GenerateStream(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawPartial bool
	var sawErr bool
	for c := range ch {
		if c.Delta == "partial" {
			sawPartial = true
		}
		if c.Err != nil {
			sawErr = true
		}
	}
	if !sawPartial || !sawErr {
		t.Fatalf("expected partial delta then error, sawPartial=%v sawErr=%v", sawPartial, sawErr)
	}
	if backup.calls != 0 {
		t.Fatalf("expected backup not to be tried once first chunk committed, got %d calls", backup.calls)
	}
}

func TestGenerate_RateLimitedDoesNotOpenCircuit(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrRateLimited, "primary", "slow down")}
	backup := &fakeProvider{name: "backup", resp: &providers.GenerationResponse{Content: "from backup"}}
	pr.Register(primary)
	pr.Register(backup)

	cfg := DefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	gw := New(cfg, reg, pr, nil, nil)

	if _, err := gw.Generate(context.Background(), "any_agent", testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	primary.calls = 0

	// rate_limited must "mark health unchanged" (spec §4.2); the circuit
	// must still be closed, so primary is tried again.
	if _, err := gw.Generate(context.Background(), "any_agent", testRequest()); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to still be tried after a rate_limited error, got %d calls", primary.calls)
	}
}

func TestGenerate_ProviderOverrideWinsOverRegistryDefault(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", resp: &providers.GenerationResponse{Content: "from primary"}}
	backup := &fakeProvider{name: "backup", resp: &providers.GenerationResponse{Content: "from backup"}}
	pr.Register(primary)
	pr.Register(backup)

	cfg := DefaultConfig()
	cfg.ProviderOverride = "backup"
	gw := New(cfg, reg, pr, nil, nil)

	resp, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Fatalf("expected provider override to win, got %q", resp.Content)
	}
	if primary.calls != 0 {
		t.Fatalf("expected primary not to be tried, got %d calls", primary.calls)
	}
}

func TestGenerate_FallbackOverrideReplacesRegistryChain(t *testing.T) {
	reg := buildRegistry(t, singleProviderYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrTimeout, "primary", "timed out")}
	other := &fakeProvider{name: "other", resp: &providers.GenerationResponse{Content: "from other"}}
	pr.Register(primary)
	pr.Register(other)

	cfg := DefaultConfig()
	cfg.FallbackOverride = []string{"other"}
	gw := New(cfg, reg, pr, nil, nil)

	resp, err := gw.Generate(context.Background(), "any_agent", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from other" {
		t.Fatalf("expected PROVIDER_FALLBACK override candidate to be tried, got %q", resp.Content)
	}
}

func TestGenerate_CircuitOpenSkipsCandidate(t *testing.T) {
	reg := buildRegistry(t, fallbackYAML)
	pr := providers.NewRegistry()
	primary := &fakeProvider{name: "primary", err: providers.NewError(providers.ErrTimeout, "primary", "timed out")}
	backup := &fakeProvider{name: "backup", resp: &providers.GenerationResponse{Content: "from backup"}}
	pr.Register(primary)
	pr.Register(backup)

	cfg := DefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.BaseTimeout = time.Hour
	gw := New(cfg, reg, pr, nil, nil)

	// First call opens primary's circuit via its one allowed failure.
	if _, err := gw.Generate(context.Background(), "any_agent", testRequest()); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}
	primary.calls = 0

	// Second call should skip primary entirely since its circuit is open.
	if _, err := gw.Generate(context.Background(), "any_agent", testRequest()); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if primary.calls != 0 {
		t.Fatalf("expected primary to be skipped while circuit open, got %d calls", primary.calls)
	}
}
