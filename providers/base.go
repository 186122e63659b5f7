package providers

import "time"

// Base provides common fields and methods shared by REST-based provider
// implementations. Embed this struct to avoid repeating name, apiKey,
// baseURL, and model-table handling across providers.
type Base struct {
	name    string
	apiKey  string
	baseURL string
	models  TierModels
	timeout time.Duration
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL.
func (b *Base) BaseURL() string { return b.baseURL }

// SetDefaultModel overrides the model used when neither the call site nor
// the registry supplies one (spec §6 "<PROVIDER>_MODEL: Model override for
// that provider"). A blank model leaves the existing default untouched.
func (b *Base) SetDefaultModel(model string) {
	if model == "" {
		return
	}
	b.models.Default = model
}

// AuthHeaders returns the default bearer-token header shape. Adapters whose
// back end uses a different scheme (e.g. Anthropic's x-api-key) override this.
func (b *Base) AuthHeaders() map[string]string {
	if b.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + b.apiKey}
}

// Describe builds the static ProviderDescriptor shared by every Base-embedding
// adapter; IsAvailable and Generate/GenerateStream remain adapter-specific.
func (b *Base) Describe() ProviderDescriptor {
	credRef := "inline"
	if b.apiKey == "" {
		credRef = ""
	}
	return ProviderDescriptor{
		Name:           b.name,
		Enabled:        true,
		CredentialRef:  credRef,
		BaseURL:        b.baseURL,
		Models:         b.models,
		DefaultTimeout: b.timeout,
	}
}

// ProviderSource is a read-only view over a collection of registered providers.
type ProviderSource interface {
	Get(name string) (Provider, bool)
	List() []string
}
