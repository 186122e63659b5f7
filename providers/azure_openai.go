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
)

// AzureOpenAIProvider adapts the gateway's canonical contract to an Azure
// OpenAI deployment: the same OpenAI-compatible chat-completions dialect
// as OpenAIProvider, but addressed via a deployment-scoped URL and
// authenticated with a static api-key header instead of a bearer token.
type AzureOpenAIProvider struct {
	Base
	httpClient     *http.Client
	deploymentName string
	apiVersion     string
}

// NewAzureOpenAI creates a new Azure OpenAI provider.
func NewAzureOpenAI(apiKey, baseURL, deploymentName, apiVersion string) *AzureOpenAIProvider {
	baseURL = strings.TrimRight(baseURL, "/")
	if apiVersion == "" {
		apiVersion = "2024-10-21"
	}

	return &AzureOpenAIProvider{
		Base: Base{
			name:    "azure-openai",
			apiKey:  apiKey,
			baseURL: baseURL,
			timeout: 60 * time.Second,
			models:  TierModels{Default: deploymentName},
		},
		httpClient:     &http.Client{},
		deploymentName: deploymentName,
		apiVersion:     apiVersion,
	}
}

// AuthHeaders overrides Base's bearer-token default with Azure's api-key scheme.
func (p *AzureOpenAIProvider) AuthHeaders() map[string]string {
	return map[string]string{"api-key": p.apiKey}
}

// IsAvailable reports whether a credential is configured without a network
// round-trip, per spec §4.3.
func (p *AzureOpenAIProvider) IsAvailable(_ context.Context) bool {
	return p.apiKey != "" && p.deploymentName != ""
}

func (p *AzureOpenAIProvider) endpoint() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", p.baseURL, p.deploymentName, p.apiVersion)
}

type azureOpenAIRequest struct {
	Messages    []azureOpenAIMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Stop        []string             `json:"stop,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type azureOpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type azureOpenAIChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type azureOpenAIResponse struct {
	Model   string              `json:"model"`
	Choices []azureOpenAIChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type azureOpenAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func azureBuildRequest(req GenerationRequest, stream bool) azureOpenAIRequest {
	messages := make([]azureOpenAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, azureOpenAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return azureOpenAIRequest{
		Messages:    messages,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.Stop,
		Stream:      stream,
	}
}

// Generate sends a non-streaming chat completion request to an Azure
// OpenAI deployment.
func (p *AzureOpenAIProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	body, err := json.Marshal(azureBuildRequest(req, false))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	for k, v := range p.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		var errResp azureOpenAIErrorResponse
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

	var azureResp azureOpenAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&azureResp); err != nil {
		return nil, WrapError(ErrUnavailable, p.name, err)
	}

	var content string
	finish := FinishStop
	if len(azureResp.Choices) > 0 {
		content = azureResp.Choices[0].Message.Content
		finish = openAIFinishReason(azureResp.Choices[0].FinishReason)
	}

	return &GenerationResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  azureResp.Usage.PromptTokens,
			OutputTokens: azureResp.Usage.CompletionTokens,
		},
		FinishReason: finish,
		Model:        p.deploymentName,
		Provider:     p.name,
	}, nil
}

type azureOpenAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream sends a streaming chat completion request to an Azure
// OpenAI deployment.
func (p *AzureOpenAIProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	body, err := json.Marshal(azureBuildRequest(req, true))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	for k, v := range p.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		var errResp azureOpenAIErrorResponse
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
			if data == SSEDone {
				ch <- StreamChunk{Done: true, FinishReason: FinishStop}
				return
			}

			var chunk azureOpenAIStreamChunk
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- StreamChunk{Delta: c.Delta.Content}
			}
			if c.FinishReason != "" {
				ch <- StreamChunk{Done: true, FinishReason: openAIFinishReason(c.FinishReason)}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: WrapError(classifyTransportErr(ctx, err), p.name, err)}
			return
		}
		ch <- StreamChunk{Done: true, FinishReason: FinishStop}
	}()

	return ch, nil
}
