// Package providers defines the canonical generation contract and the
// shared data types every LLM back end is adapted to.
//
// The Provider interface must be implemented by any back end that
// integrates with the gateway. Providers are stateless aside from an
// HTTP/SDK client and configuration; they perform no retries of their
// own — that is the gateway's responsibility.
//
// Core types: GenerationRequest, GenConfig, GenerationResponse,
// StreamChunk, Message, ProviderDescriptor, ProviderHealth.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

// Roles recognized across every adapter dialect.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentTypeText is the content-part type for plain text (multimodal messages).
const ContentTypeText = "text"

// SSEDone is the sentinel value that marks the end of a server-sent event stream.
const SSEDone = "[DONE]"

// Provider is the contract every back end adapter satisfies.
type Provider interface {
	// Describe returns static identity/capability information for this adapter.
	Describe() ProviderDescriptor
	// IsAvailable performs a cheap reachability probe; it must not consume
	// a rate-limit budget or mutate circuit-breaker state.
	IsAvailable(ctx context.Context) bool
	// Generate performs a single, non-streaming completion.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
	// GenerateStream performs a streaming completion, emitting canonical
	// chunks on the returned channel. The channel is closed after exactly
	// one terminal chunk (done or error).
	GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error)
}

// ----------------------------------------------------------------- Message ---

// ContentPart is a single element of a multipart message content array.
// Used for vision/multimodal requests where content contains text and images.
type ContentPart struct {
	Type     string        `json:"type"`                // "text" or "image_url"
	Text     string        `json:"text,omitempty"`      // for type="text"
	ImageURL *ImageURLPart `json:"image_url,omitempty"` // for type="image_url"
}

// ImageURLPart carries the URL (or base64 data URI) for an image content part.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "auto" | "low" | "high"
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string   `json:"type"` // always "function"
	Function Function `json:"function"`
}

// Function describes the callable function within a Tool.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Parameters is the JSON Schema for the function arguments, validated
	// against the JSON Schema meta-schema before being handed to an adapter.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Strict     bool            `json:"strict,omitempty"`
}

// ToolCall is a function invocation returned by the model in its response.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the name and arguments of a model-generated function call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// Message represents a single turn in a conversation. Role must be one of
// RoleSystem, RoleUser, or RoleAssistant for generation input; RoleTool is
// accepted on round-trip for tool-result turns.
//
// The Content field holds plain-text content and is always valid for use
// with any provider. ContentParts is populated automatically when the
// incoming JSON encodes content as an array (vision / multimodal
// requests); providers that support images should check ContentParts
// first.
type Message struct {
	Role         Role          `json:"-"` // marshalled by custom JSON methods
	Content      string        `json:"-"` // plain-text content (always set)
	ContentParts []ContentPart `json:"-"` // non-nil when content is multipart
	Name         string        `json:"-"`
	ToolCalls    []ToolCall    `json:"-"` // tool calls issued by the model
	ToolCallID   string        `json:"-"` // for role="tool" result messages
}

// MarshalJSON encodes a Message to JSON. Content is written as a string unless
// ContentParts is set, in which case it is encoded as an array.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		Name       string          `json:"name,omitempty"`
		ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}
	w := wire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ContentParts) > 0 {
		b, err := json.Marshal(m.ContentParts)
		if err != nil {
			return nil, err
		}
		w.Content = b
	} else {
		b, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Message from JSON. The content field may be a plain
// string or an array of ContentPart objects; both forms are handled.
func (m *Message) UnmarshalJSON(b []byte) error {
	type wire struct {
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	// Try plain string first (common case).
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	// Fall back to content-part array (vision / multimodal).
	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return err
	}
	m.ContentParts = parts
	// Collapse text parts into Content so existing code paths keep working.
	for _, p := range parts {
		if p.Type == ContentTypeText {
			m.Content += p.Text
		}
	}
	return nil
}

// ValidateMessages checks the alternation invariant from the data model: at most
// one leading system message, then alternating user/assistant starting
// and ending with user.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return errors.New("at least one message is required")
	}
	i := 0
	if msgs[0].Role == RoleSystem {
		i = 1
	}
	if i >= len(msgs) {
		return errors.New("a trailing user message is required")
	}
	expect := RoleUser
	for ; i < len(msgs); i++ {
		m := msgs[i]
		if m.Content == "" && len(m.ContentParts) == 0 {
			return errors.New("message body must be non-empty")
		}
		if m.Role == RoleSystem {
			return errors.New("system message must be the first message only")
		}
		if m.Role != expect {
			return errors.New("messages must alternate user/assistant starting with user")
		}
		if expect == RoleUser {
			expect = RoleAssistant
		} else {
			expect = RoleUser
		}
	}
	if msgs[len(msgs)-1].Role != RoleUser {
		return errors.New("a trailing user message is required")
	}
	return nil
}

// --------------------------------------------------------- GenerationRequest --

// GenConfig carries the sampling/output parameters for one generation call.
// Every field has a registry-supplied default; a zero value means "use the
// default" except where noted.
type GenConfig struct {
	// Model is optional; when empty the registry resolves one for the
	// calling agent and provider.
	Model string `json:"model,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"` // [0,2]
	TopP        *float64 `json:"top_p,omitempty"`       // (0,1]
	MaxTokens   *int     `json:"max_tokens,omitempty"`  // >0

	// Stop holds up to 8 short stop sequences.
	Stop []string `json:"stop,omitempty"`

	// Timeout is the per-call deadline; zero means "use the adapter default".
	Timeout time.Duration `json:"timeout,omitempty"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice interface{} `json:"tool_choice,omitempty"`
}

// Validate checks GenConfig's bounded fields per the data model.
func (c GenConfig) Validate() error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return errors.New("top_p must be in (0,1]")
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if len(c.Stop) > 8 {
		return errors.New("at most 8 stop sequences are allowed")
	}
	for _, t := range c.Tools {
		if len(t.Function.Parameters) == 0 {
			continue
		}
		if err := validateToolSchema(t.Function.Name, t.Function.Parameters); err != nil {
			return err
		}
	}
	return nil
}

// Merge overlays non-zero fields of override onto a copy of c, with
// override winning — used for tier-defaults -> agent-overrides -> call-site
// composition (spec §4.1).
func (c GenConfig) Merge(override GenConfig) GenConfig {
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if len(override.Tools) > 0 {
		out.Tools = override.Tools
	}
	if override.ToolChoice != nil {
		out.ToolChoice = override.ToolChoice
	}
	return out
}

// GenerationRequest is an ordered Message sequence plus a GenConfig.
type GenerationRequest struct {
	Messages []Message `json:"messages"`
	Config   GenConfig `json:"config"`
}

// Validate checks message alternation and config bounds.
func (r GenerationRequest) Validate() error {
	if err := ValidateMessages(r.Messages); err != nil {
		return err
	}
	return r.Config.Validate()
}

// -------------------------------------------------------- GenerationResponse --

// FinishReason enumerates why a generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishFilter FinishReason = "filter"
	FinishError  FinishReason = "error"
)

// Usage carries token consumption statistics. Counts are best-effort and
// zero when the back end omits them; counts are never negative.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerationResponse is the canonical, cross-provider completion result.
type GenerationResponse struct {
	Content      string       `json:"content"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
}

// ------------------------------------------------------------- StreamChunk ---

// StreamChunk is one element of the canonical streaming response. Exactly
// one of Delta (incremental), Done (terminal), or Err (terminal) applies
// to a given chunk: a delta chunk carries non-empty Delta and Done==false
// and Err==nil; a terminal chunk has either Done==true or a non-nil Err.
type StreamChunk struct {
	Delta        string        `json:"delta,omitempty"`
	Done         bool          `json:"done,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	FinishReason FinishReason  `json:"finish_reason,omitempty"`
	Err          *GatewayError `json:"error,omitempty"`
}

// IsTerminal reports whether this chunk ends the stream.
func (c StreamChunk) IsTerminal() bool {
	return c.Done || c.Err != nil
}

// ------------------------------------------------------------ descriptors ---

// TierModels maps a capability tier to the model string a provider should
// use for it.
type TierModels struct {
	Default    string `json:"default" yaml:"default"`
	Fast       string `json:"fast,omitempty" yaml:"fast,omitempty"`
	Quality    string `json:"quality,omitempty" yaml:"quality,omitempty"`
	Evaluation string `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
	Legacy     string `json:"legacy,omitempty" yaml:"legacy,omitempty"`
}

// Model returns the model string for a tier name, falling back to Default
// when the named tier has no entry.
func (t TierModels) Model(tier string) string {
	switch tier {
	case "fast":
		if t.Fast != "" {
			return t.Fast
		}
	case "quality":
		if t.Quality != "" {
			return t.Quality
		}
	case "evaluation":
		if t.Evaluation != "" {
			return t.Evaluation
		}
	case "legacy":
		if t.Legacy != "" {
			return t.Legacy
		}
	case "default", "":
	}
	return t.Default
}

// ProviderDescriptor describes a configured provider's static identity.
type ProviderDescriptor struct {
	Name            string
	Enabled         bool
	CredentialRef   string // env-var name or "inline"
	BaseURL         string
	Models          TierModels
	DefaultTimeout  time.Duration
	AvailableModels []string
}

// HealthState enumerates the circuit-breaker states.
type HealthState string

const (
	HealthClosed   HealthState = "closed"
	HealthOpen     HealthState = "open"
	HealthHalfOpen HealthState = "half-open"
)

// ProviderHealth is the in-memory health record for one provider.
type ProviderHealth struct {
	State               HealthState
	ConsecutiveFailures int
	NextProbeDeadline   time.Time
	LastSuccess         time.Time
}
