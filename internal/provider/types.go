package provider

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// API types selecting the concrete adapter at construction time.
const (
	APITypeOpenAI = "openai"
	APITypeGemini = "gemini"
)

// ChatMessage is one turn of a conversation. The slice passed to Send is
// caller-owned and never mutated by the subsystem.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parameters is the provider-agnostic tuning set, expressed with OpenAI
// field names. Adapters translate to their own wire names. Pointer fields
// distinguish "unset" from a zero value so unset parameters are never sent.
type Parameters struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
}

// Request is one logical send to a provider.
type Request struct {
	Messages []ChatMessage
	Model    string
	Params   Parameters

	// Sink, when non-nil, selects streaming mode: each incremental text
	// delta is forwarded to it as it arrives. The returned Result still
	// carries the fully assembled content.
	Sink StreamSink
}

// StreamSink receives incremental text deltas during a streaming call.
type StreamSink func(delta string)

func (r *Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for i, m := range r.Messages {
		if m.Role != RoleSystem && m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
		if m.Content == "" && m.Role != RoleSystem {
			return fmt.Errorf("content is required for messages[%d]", i)
		}
	}
	if r.Params.Temperature != nil && (*r.Params.Temperature < 0 || *r.Params.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.Params.TopP != nil && (*r.Params.TopP < 0 || *r.Params.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a successful Send. Cached marks responses served
// from the fingerprint cache with no network call.
type Result struct {
	Content  string `json:"content"`
	Usage    Usage  `json:"usage"`
	Cached   bool   `json:"cached"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ModelInfo describes one model exposed by a provider.
type ModelInfo struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	Description       string `json:"description,omitempty"`
	ContextLength     int    `json:"context_length"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// ParameterSpec describes one tunable parameter of a model, for callers that
// surface the schema to an operator.
type ParameterSpec struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"` // float | int | bool | list | string
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Default     any     `json:"default,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Config identifies one reachable LLM endpoint. Immutable after load.
type Config struct {
	Name         string `json:"name"`
	APIType      string `json:"api_type"` // openai | gemini
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	DefaultModel string `json:"default_model"`
	TimeoutSecs  int    `json:"timeout"`
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	switch c.APIType {
	case APITypeOpenAI, APITypeGemini:
	default:
		return fmt.Errorf("unsupported api_type %q", c.APIType)
	}
	return nil
}

// ResponseCache is the fingerprint-keyed cache consulted before any network
// call. Implemented by internal/cache; accepted here as an interface so the
// adapters stay decoupled from the backend choice.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Adapter is the provider-agnostic surface over one configured AI service.
type Adapter interface {
	// Name returns the configured service name.
	Name() string

	// APIType returns the wire dialect ("openai" or "gemini").
	APIType() string

	// TestConnection issues a lightweight model-list call. It never
	// mutates adapter state.
	TestConnection(ctx context.Context) error

	// ListModels returns the provider's generation-capable models,
	// cached in-process for one hour.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// ModelParameters returns the tunable parameter schema for a model.
	ModelParameters(modelID string) []ParameterSpec

	// Send performs one chat call, consulting the response cache first.
	Send(ctx context.Context, req *Request) (*Result, error)

	// ConnStats returns a read-only snapshot of transport counters.
	ConnStats() ConnSnapshot
}
