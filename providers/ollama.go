package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider adapts the gateway's canonical contract to a local Ollama
// runtime's OpenAI-compatible endpoint. No credential is required or sent.
type OllamaProvider struct {
	Base
	httpClient *http.Client
}

// NewOllama creates a new Ollama provider.
func NewOllama(baseURL string, models TierModels) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if models.Default == "" {
		models.Default = "llama3.2"
	}

	return &OllamaProvider{
		Base: Base{
			name:    "ollama",
			baseURL: baseURL,
			timeout: 120 * time.Second,
			models:  models,
		},
		httpClient: &http.Client{},
	}
}

// AuthHeaders returns nil: a local Ollama server takes no credential.
func (p *OllamaProvider) AuthHeaders() map[string]string { return nil }

// IsAvailable reports true unconditionally: Ollama requires no credential,
// so spec §4.3's cheap-probe contract is satisfied by presence of a base
// URL rather than a reachability check.
func (p *OllamaProvider) IsAvailable(_ context.Context) bool {
	return p.baseURL != ""
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model       string          `json:"model"`
	Messages    []ollamaMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type ollamaChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type ollamaResponse struct {
	Model   string         `json:"model"`
	Choices []ollamaChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type ollamaErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func ollamaBuildRequest(req GenerationRequest, defaultModel string, stream bool) ollamaRequest {
	model := req.Config.Model
	if model == "" {
		model = defaultModel
	}
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	return ollamaRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.Stop,
		Stream:      stream,
	}
}

// Generate sends a non-streaming chat completion request to Ollama.
func (p *OllamaProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	ollamaReq := ollamaBuildRequest(req, p.models.Default, false)
	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(httpResp.Body).Decode(&errResp)
		kind := classifyHTTPStatus(httpResp.StatusCode, httpResp.Header.Get("Retry-After"))
		msg := errResp.Error.Message
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, NewError(kind, p.name, msg)
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ollamaResp); err != nil {
		return nil, WrapError(ErrUnavailable, p.name, err)
	}

	var content string
	finish := FinishStop
	if len(ollamaResp.Choices) > 0 {
		content = ollamaResp.Choices[0].Message.Content
		finish = openAIFinishReason(ollamaResp.Choices[0].FinishReason)
	}

	return &GenerationResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  ollamaResp.Usage.PromptTokens,
			OutputTokens: ollamaResp.Usage.CompletionTokens,
		},
		FinishReason: finish,
		Model:        ollamaReq.Model,
		Provider:     p.name,
	}, nil
}

type ollamaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream sends a streaming chat completion request to Ollama.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	ollamaReq := ollamaBuildRequest(req, p.models.Default, true)
	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		var errResp ollamaErrorResponse
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

			var chunk ollamaStreamChunk
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
