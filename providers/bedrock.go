package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockProvider adapts the gateway's canonical contract to AWS Bedrock's
// InvokeModel API. A single adapter covers three wire dialects, dispatched
// by model-ID prefix: Anthropic Claude (messages + system field, matching
// providers/anthropic.go's shape), Amazon Titan (flattened prompt with a
// nested textGenerationConfig), and Meta Llama (a single templated prompt
// string with special tokens). Streaming is implemented for all three via
// InvokeModelWithResponseStream.
type BedrockProvider struct {
	Base
	client *bedrockruntime.Client
	region string
}

// NewBedrock creates a new AWS Bedrock provider. region defaults to us-east-1.
func NewBedrock(region string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(cfg)
	return &BedrockProvider{
		Base: Base{
			name:    "bedrock",
			baseURL: fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region),
			timeout: 60 * time.Second,
			models: TierModels{
				Default: "anthropic.claude-3-5-sonnet-20241022-v2:0",
				Fast:    "anthropic.claude-3-5-haiku-20241022-v1:0",
				Quality: "anthropic.claude-3-opus-20240229-v1:0",
				Legacy:  "meta.llama3-8b-instruct-v1:0",
			},
		},
		client: client,
		region: region,
	}, nil
}

// IsAvailable reports whether the adapter has a usable AWS SDK client;
// credential resolution (environment, instance profile, SSO) happened at
// construction time, so this is a cheap presence check rather than a
// network probe, per spec §4.3.
func (p *BedrockProvider) IsAvailable(_ context.Context) bool {
	return p.client != nil
}

// classifyBedrockErr translates an AWS SDK error into the canonical
// taxonomy using the smithy API error code Bedrock returns.
func classifyBedrockErr(ctx context.Context, err error) *GatewayError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return NewError(ErrAuth, "bedrock", apiErr.ErrorMessage())
		case "ThrottlingException", "ServiceQuotaExceededException":
			return NewError(ErrRateLimited, "bedrock", apiErr.ErrorMessage())
		case "ResourceNotFoundException":
			return NewError(ErrModelNotFound, "bedrock", apiErr.ErrorMessage())
		case "ValidationException":
			return NewError(ErrInvalidRequest, "bedrock", apiErr.ErrorMessage())
		case "ModelTimeoutException":
			return NewError(ErrTimeout, "bedrock", apiErr.ErrorMessage())
		default:
			return NewError(ErrUnavailable, "bedrock", apiErr.ErrorMessage())
		}
	}
	return WrapError(classifyTransportErr(ctx, err), "bedrock", err)
}

func bedrockModelFamily(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(modelID, "amazon.titan"):
		return "titan"
	case strings.HasPrefix(modelID, "meta.llama"):
		return "llama"
	default:
		return ""
	}
}

// ── Anthropic Claude on Bedrock ───────────────────────────────────────────────

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
	Temperature      *float64                  `json:"temperature,omitempty"`
	TopP             *float64                  `json:"top_p,omitempty"`
	StopSequences    []string                  `json:"stop_sequences,omitempty"`
	System           string                    `json:"system,omitempty"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func bedrockBuildAnthropic(req GenerationRequest) bedrockAnthropicRequest {
	var system string
	var messages []bedrockAnthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = msg.Content
			continue
		}
		messages = append(messages, bedrockAnthropicMessage{Role: string(msg.Role), Content: msg.Content})
	}
	maxTokens := 1024
	if req.Config.MaxTokens != nil {
		maxTokens = *req.Config.MaxTokens
	}
	return bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		StopSequences:    req.Config.Stop,
		System:           system,
	}
}

// ── Amazon Titan ─────────────────────────────────────────────────────────────

type bedrockTitanRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   float64  `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
		StopSequences []string `json:"stopSequences,omitempty"`
	} `json:"textGenerationConfig"`
}

type bedrockTitanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int    `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

func bedrockFlattenMessages(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func bedrockBuildTitan(req GenerationRequest) bedrockTitanRequest {
	titanReq := bedrockTitanRequest{InputText: bedrockFlattenMessages(req.Messages)}
	if req.Config.MaxTokens != nil {
		titanReq.TextGenerationConfig.MaxTokenCount = *req.Config.MaxTokens
	}
	if req.Config.Temperature != nil {
		titanReq.TextGenerationConfig.Temperature = *req.Config.Temperature
	}
	titanReq.TextGenerationConfig.TopP = req.Config.TopP
	titanReq.TextGenerationConfig.StopSequences = req.Config.Stop
	return titanReq
}

func titanFinishReason(reason string) FinishReason {
	switch reason {
	case "LENGTH":
		return FinishLength
	case "CONTENT_FILTERED":
		return FinishFilter
	default:
		return FinishStop
	}
}

// ── Meta Llama ────────────────────────────────────────────────────────────────

type bedrockLlamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

// llamaPromptTemplate renders the Llama-3 instruct chat template: a
// begin-of-text token, one start/end-header block per message carrying
// its role, and a trailing assistant header to prompt the completion.
func llamaPromptTemplate(messages []Message) string {
	var sb strings.Builder
	sb.WriteString("<|begin_of_text|>")
	for _, msg := range messages {
		fmt.Fprintf(&sb, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>\n", msg.Role, msg.Content)
	}
	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return sb.String()
}

func bedrockBuildLlama(req GenerationRequest) bedrockLlamaRequest {
	llamaReq := bedrockLlamaRequest{
		Prompt:      llamaPromptTemplate(req.Messages),
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
	}
	if req.Config.MaxTokens != nil {
		llamaReq.MaxGenLen = *req.Config.MaxTokens
	}
	return llamaReq
}

func llamaFinishReason(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

// Generate dispatches to the Anthropic, Titan, or Llama dialect based on
// the model-ID prefix and sends a single InvokeModel request.
func (p *BedrockProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	modelID := req.Config.Model
	if modelID == "" {
		modelID = p.models.Default
	}

	var body []byte
	var err error
	switch bedrockModelFamily(modelID) {
	case "anthropic":
		body, err = json.Marshal(bedrockBuildAnthropic(req))
	case "titan":
		body, err = json.Marshal(bedrockBuildTitan(req))
	case "llama":
		body, err = json.Marshal(bedrockBuildLlama(req))
	default:
		return nil, NewError(ErrModelNotFound, p.name, "unsupported Bedrock model prefix: "+modelID)
	}
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockErr(ctx, err)
	}

	switch bedrockModelFamily(modelID) {
	case "anthropic":
		var resp bedrockAnthropicResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, WrapError(ErrUnavailable, p.name, err)
		}
		var text string
		for _, c := range resp.Content {
			if c.Type == ContentTypeText {
				text += c.Text
			}
		}
		return &GenerationResponse{
			Content:      text,
			Usage:        Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
			FinishReason: anthropicFinishReason(resp.StopReason),
			Model:        modelID,
			Provider:     p.name,
		}, nil
	case "titan":
		var resp bedrockTitanResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, WrapError(ErrUnavailable, p.name, err)
		}
		var content string
		finish := FinishStop
		outputTokens := 0
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			finish = titanFinishReason(resp.Results[0].CompletionReason)
			for _, r := range resp.Results {
				outputTokens += r.TokenCount
			}
		}
		return &GenerationResponse{
			Content:      content,
			Usage:        Usage{InputTokens: resp.InputTextTokenCount, OutputTokens: outputTokens},
			FinishReason: finish,
			Model:        modelID,
			Provider:     p.name,
		}, nil
	default: // llama
		var resp bedrockLlamaResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, WrapError(ErrUnavailable, p.name, err)
		}
		return &GenerationResponse{
			Content:      resp.Generation,
			Usage:        Usage{InputTokens: resp.PromptTokenCount, OutputTokens: resp.GenerationTokenCount},
			FinishReason: llamaFinishReason(resp.StopReason),
			Model:        modelID,
			Provider:     p.name,
		}, nil
	}
}

// GenerateStream dispatches to the Anthropic, Titan, or Llama dialect and
// sends a streaming InvokeModelWithResponseStream request.
func (p *BedrockProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	modelID := req.Config.Model
	if modelID == "" {
		modelID = p.models.Default
	}
	family := bedrockModelFamily(modelID)

	var body []byte
	var err error
	switch family {
	case "anthropic":
		body, err = json.Marshal(bedrockBuildAnthropic(req))
	case "titan":
		body, err = json.Marshal(bedrockBuildTitan(req))
	case "llama":
		body, err = json.Marshal(bedrockBuildLlama(req))
	default:
		return nil, NewError(ErrModelNotFound, p.name, "unsupported Bedrock model prefix: "+modelID)
	}
	if err != nil {
		return nil, WrapError(ErrInvalidRequest, p.name, err)
	}

	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockErr(ctx, err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		var usage *Usage
		finish := FinishStop
		for event := range stream.Events() {
			select {
			case <-ctx.Done():
				ch <- StreamChunk{Err: NewError(ErrCanceled, p.name, "context canceled")}
				return
			default:
			}

			chunkEvent, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			switch family {
			case "anthropic":
				var evt struct {
					Type  string `json:"type"`
					Delta struct {
						Type       string `json:"type"`
						Text       string `json:"text"`
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						InputTokens  int `json:"input_tokens"`
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if json.Unmarshal(chunkEvent.Value.Bytes, &evt) != nil {
					continue
				}
				switch evt.Type {
				case "content_block_delta":
					if evt.Delta.Text != "" {
						ch <- StreamChunk{Delta: evt.Delta.Text}
					}
				case "message_delta":
					finish = anthropicFinishReason(evt.Delta.StopReason)
					usage = &Usage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
				}
			case "titan":
				var evt struct {
					OutputText       string `json:"outputText"`
					CompletionReason string `json:"completionReason"`
					TotalOutputTextTokenCount int `json:"totalOutputTextTokenCount"`
				}
				if json.Unmarshal(chunkEvent.Value.Bytes, &evt) != nil {
					continue
				}
				if evt.OutputText != "" {
					ch <- StreamChunk{Delta: evt.OutputText}
				}
				if evt.CompletionReason != "" {
					finish = titanFinishReason(evt.CompletionReason)
					usage = &Usage{OutputTokens: evt.TotalOutputTextTokenCount}
				}
			default: // llama
				var evt struct {
					Generation           string `json:"generation"`
					StopReason           string `json:"stop_reason"`
					PromptTokenCount     int    `json:"prompt_token_count"`
					GenerationTokenCount int    `json:"generation_token_count"`
				}
				if json.Unmarshal(chunkEvent.Value.Bytes, &evt) != nil {
					continue
				}
				if evt.Generation != "" {
					ch <- StreamChunk{Delta: evt.Generation}
				}
				if evt.StopReason != "" {
					finish = llamaFinishReason(evt.StopReason)
					usage = &Usage{InputTokens: evt.PromptTokenCount, OutputTokens: evt.GenerationTokenCount}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: classifyBedrockErr(ctx, err)}
			return
		}
		ch <- StreamChunk{Done: true, FinishReason: finish, Usage: usage}
	}()

	return ch, nil
}
