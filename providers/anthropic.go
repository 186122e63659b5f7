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

// AnthropicProvider adapts the gateway's canonical contract to Anthropic's
// native Messages API: the system message is hoisted into a dedicated
// field, the remaining sequence is sent verbatim as role-tagged messages,
// and streaming delivers text-delta events that are concatenated per chunk.
type AnthropicProvider struct {
	Base
	httpClient *http.Client
}

// NewAnthropic creates a new Anthropic provider. The optional baseURL
// parameter allows overriding the API endpoint (pass "" for the default).
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &AnthropicProvider{
		Base: Base{
			name:    "anthropic",
			apiKey:  apiKey,
			baseURL: baseURL,
			timeout: 60 * time.Second,
			models: TierModels{
				Default: "claude-3-5-sonnet-20241022",
				Fast:    "claude-3-haiku-20240307",
				Quality: "claude-sonnet-4-20250514",
				Legacy:  "claude-3-opus-20240229",
			},
		},
		httpClient: &http.Client{},
	}
}

// AuthHeaders overrides Base's bearer-token default with Anthropic's scheme.
func (p *AnthropicProvider) AuthHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

// IsAvailable reports whether a credential is configured; Anthropic has no
// cheap unauthenticated ping endpoint, so absence of a credential is
// detected without a network round-trip as required by spec §4.3.
func (p *AnthropicProvider) IsAvailable(_ context.Context) bool {
	return p.apiKey != ""
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func anthropicFinishReason(stopReason string) FinishReason {
	switch stopReason {
	case "max_tokens":
		return FinishLength
	case "stop_sequence", "end_turn":
		return FinishStop
	default:
		return FinishStop
	}
}

func (p *AnthropicProvider) buildRequest(req GenerationRequest, stream bool) anthropicRequest {
	var system string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: string(msg.Role), Content: msg.Content})
	}

	maxTokens := 1024
	if req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}
	model := req.Config.Model
	if model == "" {
		model = p.models.Default
	}

	return anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		StopSeqs:    req.Config.Stop,
		Stream:      stream,
	}
}

// Generate sends a non-streaming completion request to Anthropic.
func (p *AnthropicProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	for k, v := range p.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("content-type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var anthropicResp anthropicResponse
	dec := json.NewDecoder(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		var errResp anthropicErrorResponse
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

	if err := dec.Decode(&anthropicResp); err != nil {
		return nil, WrapError(ErrUnavailable, p.name, err)
	}

	var content strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == ContentTypeText {
			content.WriteString(block.Text)
		}
	}

	return &GenerationResponse{
		Content: content.String(),
		Usage: Usage{
			InputTokens:  anthropicResp.Usage.InputTokens,
			OutputTokens: anthropicResp.Usage.OutputTokens,
		},
		FinishReason: anthropicFinishReason(anthropicResp.StopReason),
		Model:        anthropicResp.Model,
		Provider:     p.name,
	}, nil
}

type anthropicStreamContentDelta struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicStreamMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

// GenerateStream sends a streaming completion request to Anthropic.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}
	for k, v := range p.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(classifyTransportErr(ctx, err), p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		var errResp anthropicErrorResponse
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

			var raw map[string]interface{}
			if json.Unmarshal([]byte(data), &raw) != nil {
				continue
			}
			eventType, _ := raw["type"].(string)
			switch eventType {
			case "content_block_delta":
				var evt anthropicStreamContentDelta
				if json.Unmarshal([]byte(data), &evt) == nil && evt.Delta.Text != "" {
					ch <- StreamChunk{Delta: evt.Delta.Text}
				}
			case "message_delta":
				var evt anthropicStreamMessageDelta
				if json.Unmarshal([]byte(data), &evt) == nil {
					ch <- StreamChunk{
						Done:         true,
						FinishReason: anthropicFinishReason(evt.Delta.StopReason),
						Usage: &Usage{
							InputTokens:  evt.Usage.InputTokens,
							OutputTokens: evt.Usage.OutputTokens,
						},
					}
					return
				}
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
