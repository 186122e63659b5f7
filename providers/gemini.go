package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GeminiProvider adapts the gateway's canonical contract to the Gemini
// generateContent API: the system message is hoisted into a dedicated
// system-instruction field, the remaining alternating messages become
// contents[] with roles "user"/"model", and streaming delivers
// incremental candidate deltas.
type GeminiProvider struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	name        string
	models      TierModels
	timeout     time.Duration
	tokenSource oauth2.TokenSource // optional, set when using a service account
}

// GeminiOption configures an optional GeminiProvider behavior.
type GeminiOption func(*GeminiProvider)

// WithGeminiServiceAccount configures OAuth2 service-account credentials
// (workload identity) instead of a raw API key, for deployments where a
// static key is unavailable or disallowed.
func WithGeminiServiceAccount(ctx context.Context, credentialsJSON []byte) GeminiOption {
	return func(p *GeminiProvider) {
		creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, "https://www.googleapis.com/auth/generative-language")
		if err != nil {
			return
		}
		p.tokenSource = creds.TokenSource
	}
}

// NewGemini creates a new Google Gemini provider.
func NewGemini(apiKey, baseURL string, opts ...GeminiOption) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	p := &GeminiProvider{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		baseURL:    baseURL,
		name:       "gemini",
		timeout:    60 * time.Second,
		models: TierModels{
			Default: "gemini-1.5-flash",
			Fast:    "gemini-2.0-flash-lite",
			Quality: "gemini-1.5-pro",
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string { return p.name }

// BaseURL returns the provider's root API URL.
func (p *GeminiProvider) BaseURL() string { return p.baseURL }

// SetDefaultModel overrides the model used when neither the call site nor
// the registry supplies one (spec §6 "<PROVIDER>_MODEL").
func (p *GeminiProvider) SetDefaultModel(model string) {
	if model != "" {
		p.models.Default = model
	}
}

// IsAvailable reports whether a credential (API key or OAuth2 token
// source) is configured, without a network round-trip.
func (p *GeminiProvider) IsAvailable(_ context.Context) bool {
	return p.apiKey != "" || p.tokenSource != nil
}

// Describe returns static identity/capability information for this adapter.
func (p *GeminiProvider) Describe() ProviderDescriptor {
	credRef := "inline"
	if p.apiKey == "" && p.tokenSource == nil {
		credRef = ""
	}
	return ProviderDescriptor{
		Name:           p.name,
		Enabled:        true,
		CredentialRef:  credRef,
		BaseURL:        p.baseURL,
		Models:         p.models,
		DefaultTimeout: p.timeout,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig  `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content struct {
		Parts []geminiPart `json:"parts"`
		Role  string       `json:"role"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// convertMessagesToGemini splits the leading system message into a
// system-instruction block and converts the remaining alternating
// messages into Gemini's contents[] shape.
func convertMessagesToGemini(messages []Message) (*geminiSystemInstruction, []geminiContent) {
	var systemInstruction *geminiSystemInstruction
	var contents []geminiContent

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			systemInstruction = &geminiSystemInstruction{Parts: []geminiPart{{Text: msg.Content}}}
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}
	return systemInstruction, contents
}

func geminiFinishReason(reason string) FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION":
		return FinishFilter
	default:
		return FinishStop
	}
}

func (p *GeminiProvider) buildRequest(req GenerationRequest) geminiRequest {
	sysInstr, contents := convertMessagesToGemini(req.Messages)
	gr := geminiRequest{Contents: contents, SystemInstruction: sysInstr}
	if req.Config.Temperature != nil || req.Config.MaxTokens != nil || req.Config.TopP != nil || len(req.Config.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Config.Temperature,
			TopP:            req.Config.TopP,
			MaxOutputTokens: req.Config.MaxTokens,
			StopSequences:   req.Config.Stop,
		}
	}
	return gr
}

func (p *GeminiProvider) authenticate(ctx context.Context, httpReq *http.Request, url string) (string, error) {
	if p.tokenSource != nil {
		tok, err := p.tokenSource.Token()
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		return url, nil
	}
	return url + "&key=" + p.apiKey, nil
}

// Generate sends a non-streaming completion request to Gemini.
func (p *GeminiProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	model := req.Config.Model
	if model == "" {
		model = p.models.Default
	}
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?alt=json", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	finalURL, err := p.authenticate(ctx, httpReq, url)
	if err != nil {
		return nil, WrapError(ErrAuth, p.name, err)
	}
	httpReq.URL, _ = httpReq.URL.Parse(finalURL)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		var errResp geminiErrorResponse
		_ = json.NewDecoder(httpResp.Body).Decode(&errResp)
		kind := classifyHTTPStatus(httpResp.StatusCode, httpResp.Header.Get("Retry-After"))
		msg := errResp.Error.Message
		if msg == "" {
			msg = httpResp.Status
		}
		ge := NewError(kind, p.name, msg)
		ge.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"))
		return nil, ge
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, WrapError(ErrUnavailable, p.name, err)
	}

	var content string
	finish := FinishStop
	if len(geminiResp.Candidates) > 0 {
		c := geminiResp.Candidates[0]
		for _, part := range c.Content.Parts {
			content += part.Text
		}
		finish = geminiFinishReason(c.FinishReason)
	}

	return &GenerationResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		},
		FinishReason: finish,
		Model:        model,
		Provider:     p.name,
	}, nil
}

// GenerateStream sends a streaming completion request to Gemini.
func (p *GeminiProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	model := req.Config.Model
	if model == "" {
		model = p.models.Default
	}
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	finalURL, err := p.authenticate(ctx, httpReq, url)
	if err != nil {
		return nil, WrapError(ErrAuth, p.name, err)
	}
	httpReq.URL, _ = httpReq.URL.Parse(finalURL)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		var errResp geminiErrorResponse
		_ = json.NewDecoder(httpResp.Body).Decode(&errResp)
		kind := classifyHTTPStatus(httpResp.StatusCode, httpResp.Header.Get("Retry-After"))
		msg := errResp.Error.Message
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, NewError(kind, p.name, msg)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = httpResp.Body.Close() }()

		var usage *Usage
		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				ch <- StreamChunk{Err: NewError(ErrCanceled, p.name, "context canceled")}
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var chunk geminiResponse
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			if chunk.UsageMetadata.TotalTokenCount > 0 {
				usage = &Usage{
					InputTokens:  chunk.UsageMetadata.PromptTokenCount,
					OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			c := chunk.Candidates[0]
			var text string
			for _, part := range c.Content.Parts {
				text += part.Text
			}
			if text != "" {
				ch <- StreamChunk{Delta: text}
			}
			if c.FinishReason != "" {
				ch <- StreamChunk{Done: true, FinishReason: geminiFinishReason(c.FinishReason), Usage: usage}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: WrapError(classifyTransportErr(ctx, err), p.name, err)}
			return
		}
		ch <- StreamChunk{Done: true, FinishReason: FinishStop, Usage: usage}
	}()

	return ch, nil
}
