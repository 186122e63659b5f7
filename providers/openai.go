package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider adapts the gateway's canonical contract to the OpenAI
// Chat Completions API: messages[] sent with roles as-is, streaming via
// server-sent events with choices[].delta.content, terminal on a
// non-null finish_reason.
type OpenAIProvider struct {
	Base
	client openai.Client
}

// NewOpenAI creates a new OpenAI provider. The optional baseURL parameter
// allows overriding the API endpoint (pass "" for the default).
func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	resolvedBase := "https://api.openai.com"
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
		resolvedBase = baseURL
	}
	return &OpenAIProvider{
		Base: Base{
			name:    "openai",
			apiKey:  apiKey,
			baseURL: resolvedBase,
			timeout: 60 * time.Second,
			models: TierModels{
				Default: "gpt-4o",
				Fast:    "gpt-4o-mini",
				Quality: "gpt-4-turbo",
				Legacy:  "gpt-3.5-turbo",
			},
		},
		client: openai.NewClient(opts...),
	}
}

// IsAvailable reports whether a credential is configured without a network
// round-trip, per spec §4.3.
func (p *OpenAIProvider) IsAvailable(_ context.Context) bool {
	return p.apiKey != ""
}

// classifyOpenAIErr translates an openai-go SDK error into the canonical
// taxonomy using the HTTP status code the SDK surfaces on API errors.
func classifyOpenAIErr(ctx context.Context, err error) *GatewayError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind := classifyHTTPStatus(apiErr.StatusCode, apiErr.Response.Header.Get("Retry-After"))
		ge := NewError(kind, "openai", apiErr.Message)
		ge.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		return ge
	}
	return WrapError(classifyTransportErr(ctx, err), "openai", err)
}

func openAIFinishReason(fr string) FinishReason {
	switch fr {
	case "length":
		return FinishLength
	case "content_filter":
		return FinishFilter
	case "stop", "":
		return FinishStop
	default:
		return FinishStop
	}
}

// Generate sends a non-streaming chat completion request to OpenAI.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	params := buildOpenAIParams(req, p.models.Default)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIErr(ctx, err)
	}

	var content string
	finish := FinishStop
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
		finish = openAIFinishReason(string(completion.Choices[0].FinishReason))
	}

	return &GenerationResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		FinishReason: finish,
		Model:        completion.Model,
		Provider:     p.name,
	}, nil
}

// GenerateStream sends a streaming chat completion request to OpenAI.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	params := buildOpenAIParams(req, p.models.Default)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for stream.Next() {
			select {
			case <-ctx.Done():
				ch <- StreamChunk{Err: NewError(ErrCanceled, p.name, "context canceled")}
				return
			default:
			}

			chunk := stream.Current()
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
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: classifyOpenAIErr(ctx, err)}
			return
		}
		ch <- StreamChunk{Done: true, FinishReason: FinishStop}
	}()

	return ch, nil
}

// buildOpenAIMessages converts canonical Messages to the openai-go SDK union type.
func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// buildOpenAIParams builds the SDK params struct from a canonical request,
// applying the default model when the caller left Config.Model empty.
func buildOpenAIParams(req GenerationRequest, defaultModel string) openai.ChatCompletionNewParams {
	model := req.Config.Model
	if model == "" {
		model = defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    model,
	}
	if req.Config.Temperature != nil {
		params.Temperature = openai.Float(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		params.TopP = openai.Float(*req.Config.TopP)
	}
	if req.Config.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.Config.MaxTokens))
	}
	if len(req.Config.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Config.Stop}
	}
	if len(req.Config.Tools) > 0 {
		// req.Config.Validate (called before an adapter is ever reached)
		// already rejected malformed parameter schemas; just forward them.
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Config.Tools))
		for _, t := range req.Config.Tools {
			var paramSchema openai.FunctionParameters
			if len(t.Function.Parameters) > 0 {
				_ = json.Unmarshal(t.Function.Parameters, &paramSchema)
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  paramSchema,
					Strict:      openai.Bool(t.Function.Strict),
				},
			})
		}
		params.Tools = tools
	}
	return params
}
