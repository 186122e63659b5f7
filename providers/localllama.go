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

// LocalLlamaProvider adapts the gateway's canonical contract to a
// self-hosted Llama-family inference server exposing the llama.cpp-style
// completion API: a single templated prompt string (built with the same
// Llama-3 instruct template as providers/bedrock.go's Llama dialect)
// posted to /completion, rather than a messages[] array. No credential
// is required or sent, matching providers/ollama.go's local-runtime shape.
type LocalLlamaProvider struct {
	Base
	httpClient *http.Client
}

// NewLocalLlama creates a new local Llama-family provider.
func NewLocalLlama(baseURL string, models TierModels) *LocalLlamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if models.Default == "" {
		models.Default = "llama-3-8b-instruct"
	}

	return &LocalLlamaProvider{
		Base: Base{
			name:    "local-llama",
			baseURL: baseURL,
			timeout: 120 * time.Second,
			models:  models,
		},
		httpClient: &http.Client{},
	}
}

// AuthHeaders returns nil: a local inference server takes no credential.
func (p *LocalLlamaProvider) AuthHeaders() map[string]string { return nil }

// IsAvailable reports true unconditionally, matching the no-credential
// local-runtime contract in providers/ollama.go.
func (p *LocalLlamaProvider) IsAvailable(_ context.Context) bool {
	return p.baseURL != ""
}

type localLlamaRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NPredict    *int     `json:"n_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type localLlamaResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

type localLlamaErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func localLlamaBuildRequest(req GenerationRequest, stream bool) localLlamaRequest {
	return localLlamaRequest{
		Prompt:      llamaPromptTemplate(req.Messages),
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		NPredict:    req.Config.MaxTokens,
		Stop:        req.Config.Stop,
		Stream:      stream,
	}
}

func localLlamaFinishReason(resp localLlamaResponse) FinishReason {
	if resp.StoppedLimit {
		return FinishLength
	}
	return FinishStop
}

// Generate sends a non-streaming completion request to the local runtime.
func (p *LocalLlamaProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	body, err := json.Marshal(localLlamaBuildRequest(req, false))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/completion", bytes.NewReader(body))
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
		var errResp localLlamaErrorResponse
		_ = json.NewDecoder(httpResp.Body).Decode(&errResp)
		kind := classifyHTTPStatus(httpResp.StatusCode, httpResp.Header.Get("Retry-After"))
		msg := errResp.Error.Message
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, NewError(kind, p.name, msg)
	}

	var resp localLlamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, WrapError(ErrUnavailable, p.name, err)
	}

	model := req.Config.Model
	if model == "" {
		model = p.models.Default
	}

	return &GenerationResponse{
		Content:      resp.Content,
		Usage:        Usage{InputTokens: resp.TokensEvaluated, OutputTokens: resp.TokensPredicted},
		FinishReason: localLlamaFinishReason(resp),
		Model:        model,
		Provider:     p.name,
	}, nil
}

// GenerateStream sends a streaming completion request to the local runtime.
// Each line is a JSON object (not SSE-framed) carrying an incremental
// content fragment, terminating on the chunk with stop=true.
func (p *LocalLlamaProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	body, err := json.Marshal(localLlamaBuildRequest(req, true))
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/completion", bytes.NewReader(body))
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
		var errResp localLlamaErrorResponse
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
			data := line
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
			if data == "" {
				continue
			}

			var chunk localLlamaResponse
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			if chunk.Content != "" {
				ch <- StreamChunk{Delta: chunk.Content}
			}
			if chunk.Stop {
				ch <- StreamChunk{
					Done:         true,
					FinishReason: localLlamaFinishReason(chunk),
					Usage:        &Usage{InputTokens: chunk.TokensEvaluated, OutputTokens: chunk.TokensPredicted},
				}
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
