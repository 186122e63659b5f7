package gateway

import (
	"errors"
	"time"
)

var errRegistryPathRequired = errors.New("gateway: registry_path is required")

// Config holds the gateway's own runtime tunables: circuit-breaker
// thresholds and the model-registry document location. Provider
// credentials, rate-limit, session, and auth settings are sourced
// directly from environment variables by cmd/gatewayd (spec §6); this
// type only covers what an operator might reasonably want in a file
// alongside the registry document.
type Config struct {
	RegistryPath string        `json:"registry_path" yaml:"registry_path"`
	Environment  string        `json:"environment" yaml:"environment"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// ProviderOverride, when set, wins outright over the registry's default
	// provider for every resolution (spec §4.1 step 1, sourced from the
	// PROVIDER env var by cmd/gatewayd).
	ProviderOverride string `json:"provider_override,omitempty" yaml:"provider_override,omitempty"`
	// FallbackOverride, when non-empty, replaces the registry document's
	// configured fallback chain (spec §6 PROVIDER_FALLBACK, a
	// comma-separated provider list sourced from the environment).
	FallbackOverride []string `json:"fallback_override,omitempty" yaml:"fallback_override,omitempty"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker (spec
// §4.2: failure threshold, success threshold, exponential backoff range).
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	BaseTimeout      time.Duration `json:"base_timeout" yaml:"base_timeout"`
	MaxTimeout       time.Duration `json:"max_timeout" yaml:"max_timeout"`
}

// DefaultConfig returns the configuration defaults applied when a field is
// left unset, matching the CircuitBreaker.New defaults.
func DefaultConfig() Config {
	return Config{
		RegistryPath: "registry.yaml",
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			BaseTimeout:      5 * time.Second,
			MaxTimeout:       5 * time.Minute,
		},
		DefaultTimeout: 60 * time.Second,
	}
}

// Validate checks Config for obviously invalid values.
func (c Config) Validate() error {
	if c.RegistryPath == "" {
		return errRegistryPathRequired
	}
	return nil
}
