package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aerochat-ai/gateway/providers"
)

func writeTempRegistry(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp registry file: %v", err)
	}
	return path
}

const sampleYAML = `
providers:
  openai:
    credential: OPENAI_API_KEY
    base_url: https://api.openai.com
    models:
      default: gpt-4o-mini
      fast: gpt-4o-mini
      quality: gpt-4o
  anthropic:
    credential: ANTHROPIC_API_KEY
    models:
      default: claude-3-5-haiku-20241022
      quality: claude-3-5-sonnet-20241022

defaults:
  provider: openai
  fallback_chain: [openai, anthropic, openai]

agent_assignments:
  quality:
    - research_agent
  fast:
    - greeter_agent

parameters:
  default:
    max_tokens: 512
  quality:
    max_tokens: 2048
    temperature: 0.2

agent_overrides:
  research_agent:
    temperature: 0.0

environments:
  staging:
    defaults:
      provider: anthropic
      fallback_chain: [anthropic, openai]
`

func loadSample(t *testing.T, env string) *Registry {
	t.Helper()
	path := writeTempRegistry(t, "registry.yaml", sampleYAML)
	r := New()
	if err := r.Load(path, env); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return r
}

func TestResolveKnownAgentByTier(t *testing.T) {
	r := loadSample(t, "")
	res, err := r.Resolve("research_agent", "", providers.GenConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", res.Provider)
	}
	if res.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o (quality tier), got %q", res.Model)
	}
	if res.Config.Temperature == nil || *res.Config.Temperature != 0 {
		t.Errorf("expected agent override temperature=0, got %v", res.Config.Temperature)
	}
	if res.Config.MaxTokens == nil || *res.Config.MaxTokens != 2048 {
		t.Errorf("expected tier default max_tokens=2048, got %v", res.Config.MaxTokens)
	}
}

func TestResolveUnknownAgentFallsBackToDefaultTier(t *testing.T) {
	r := loadSample(t, "")
	res, err := r.Resolve("mystery_agent", "", providers.GenConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Model != "gpt-4o-mini" {
		t.Errorf("expected default-tier model gpt-4o-mini, got %q", res.Model)
	}
	if res.Config.MaxTokens == nil || *res.Config.MaxTokens != 512 {
		t.Errorf("expected default tier max_tokens=512, got %v", res.Config.MaxTokens)
	}
}

func TestResolveExplicitProviderOverrideWins(t *testing.T) {
	r := loadSample(t, "")
	res, err := r.Resolve("mystery_agent", "anthropic", providers.GenConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("expected provider override anthropic, got %q", res.Provider)
	}
	if res.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("expected claude default model, got %q", res.Model)
	}
}

func TestResolveExplicitModelOverrideBypassesTier(t *testing.T) {
	r := loadSample(t, "")
	cfg := providers.GenConfig{}
	cfg.Model = "gpt-4o-custom"
	res, err := r.Resolve("greeter_agent", "", cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Model != "gpt-4o-custom" {
		t.Errorf("expected explicit model override, got %q", res.Model)
	}
}

func TestResolveUnregisteredProviderIsConfigurationError(t *testing.T) {
	r := loadSample(t, "")
	_, err := r.Resolve("mystery_agent", "does-not-exist", providers.GenConfig{})
	if err == nil {
		t.Fatal("expected configuration error for unregistered provider")
	}
	if _, ok := err.(*ErrConfiguration); !ok {
		t.Fatalf("expected *ErrConfiguration, got %T", err)
	}
}

func TestFallbackChainExcludesPrimaryAndDuplicates(t *testing.T) {
	r := loadSample(t, "")
	chain := r.FallbackChain("openai")
	if len(chain) != 1 || chain[0] != "anthropic" {
		t.Fatalf("expected [anthropic], got %v", chain)
	}
}

func TestEnvironmentOverlayAppliesDefaults(t *testing.T) {
	r := loadSample(t, "staging")
	res, err := r.Resolve("mystery_agent", "", providers.GenConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("expected staging overlay provider anthropic, got %q", res.Provider)
	}
}

func TestReloadRereadsFromDisk(t *testing.T) {
	path := writeTempRegistry(t, "registry.yaml", sampleYAML)
	r := New()
	if err := r.Load(path, ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	updated := sampleYAML + "\n# trailing comment to force a rewrite\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite registry file: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	res, err := r.Resolve("mystery_agent", "", providers.GenConfig{})
	if err != nil {
		t.Fatalf("resolve after reload: %v", err)
	}
	if res.Model != "gpt-4o-mini" {
		t.Errorf("expected stable resolution after reload, got %q", res.Model)
	}
}

func TestLoadRejectsUnsupportedExtension(t *testing.T) {
	path := writeTempRegistry(t, "registry.txt", sampleYAML)
	r := New()
	if err := r.Load(path, ""); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}
