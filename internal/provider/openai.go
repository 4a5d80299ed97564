package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// openAIAdapter speaks the OpenAI-compatible dialect: bearer-header auth,
// /v1/models for discovery, /v1/chat/completions for generation.
type openAIAdapter struct {
	adapterCore
}

func newOpenAIAdapter(cfg Config, opts Options) *openAIAdapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAIAdapter{adapterCore: newAdapterCore(cfg, opts)}
}

// ---- wire shapes ----

type openAIChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	Seed             *int64        `json:"seed,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

type openAIChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openAIChatChoice `json:"choices"`
	Usage   *openAIUsage       `json:"usage,omitempty"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chunk shape for each SSE "data:" event.
type openAIStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type openAIModelList struct {
	Data []struct {
		ID            string `json:"id"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

func (a *openAIAdapter) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.APIKey)
	h.Set("Content-Type", "application/json")
	return h
}

// TestConnection issues the lightweight model-list call.
func (a *openAIAdapter) TestConnection(ctx context.Context) error {
	resp, err := a.conn.Execute(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models", a.headers(), nil, testConnRetries)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return a.upstreamError(resp)
	}
	return nil
}

func (a *openAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if models, ok := a.cachedModels(); ok {
		return models, nil
	}

	resp, err := a.conn.Execute(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models", a.headers(), nil, testConnRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.upstreamError(resp)
	}

	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", ErrMalformedResponse)
	}

	models := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		contextLength := m.ContextLength
		if contextLength == 0 {
			contextLength = 4096
		}
		models = append(models, ModelInfo{
			ID:                m.ID,
			DisplayName:       m.ID,
			ContextLength:     contextLength,
			SupportsStreaming: true,
		})
	}

	a.storeModels(models)
	return models, nil
}

func (a *openAIAdapter) ModelParameters(string) []ParameterSpec {
	return []ParameterSpec{
		{Name: "temperature", Type: "float", Min: 0, Max: 2, Default: 0.1,
			Description: "Sampling randomness; 0 is deterministic."},
		{Name: "top_p", Type: "float", Min: 0, Max: 1, Default: 1.0,
			Description: "Nucleus sampling probability mass."},
		{Name: "max_tokens", Type: "int", Min: 1, Max: 32768,
			Description: "Maximum completion tokens; unset means model maximum."},
		{Name: "frequency_penalty", Type: "float", Min: -2, Max: 2, Default: 0.0,
			Description: "Penalizes repeated tokens."},
		{Name: "presence_penalty", Type: "float", Min: -2, Max: 2, Default: 0.0,
			Description: "Encourages new topics."},
		{Name: "stop", Type: "list",
			Description: "Sequences that stop generation."},
		{Name: "stream", Type: "bool", Default: false,
			Description: "Stream incremental deltas."},
	}
}

func (a *openAIAdapter) Send(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := checkRequestSize(req); err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(req.Model, req.Messages, req.Params)
	if cached := a.checkCache(ctx, fingerprint, req.Model); cached != nil {
		return cached, nil
	}

	streaming := req.Sink != nil || req.Params.Stream

	body, err := json.Marshal(openAIChatRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		MaxTokens:        req.Params.MaxTokens,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Stop:             req.Params.Stop,
		Seed:             req.Params.Seed,
		Stream:           streaming,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(body) > maxRequestSize {
		return nil, fmt.Errorf("request too large (%d bytes, max %d)", len(body), maxRequestSize)
	}

	url := a.cfg.BaseURL + "/v1/chat/completions"

	resp, err := a.conn.Execute(ctx, http.MethodPost, url, a.headers(), body, a.maxRetries)
	if err != nil {
		a.logger.Error("chat request failed",
			zap.String("model", req.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.upstreamError(resp)
	}

	var result *Result
	if streaming {
		result, err = a.readStream(ctx, resp.Body, req)
	} else {
		result, err = a.readResponse(resp.Body, req)
	}
	if err != nil {
		return nil, err
	}

	a.storeResponse(ctx, fingerprint, result.Content)

	a.logger.Info("chat request completed",
		zap.String("model", req.Model),
		zap.Bool("stream", streaming),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (a *openAIAdapter) readResponse(body io.Reader, req *Request) (*Result, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "empty body", Err: ErrEmptyResponse}
	}

	var pResp openAIChatResponse
	if err := json.Unmarshal(raw, &pResp); err != nil {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "unparseable body", Err: ErrMalformedResponse}
	}
	if len(pResp.Choices) == 0 {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "no choices", Err: ErrEmptyResponse}
	}

	result := &Result{
		Content:  pResp.Choices[0].Message.Content,
		Provider: a.cfg.Name,
		Model:    req.Model,
	}
	if pResp.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     pResp.Usage.PromptTokens,
			CompletionTokens: pResp.Usage.CompletionTokens,
			TotalTokens:      pResp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// readStream consumes the SSE body line by line, forwarding each content
// delta to the sink and assembling the final text. No mid-stream retries.
func (a *openAIAdapter) readStream(ctx context.Context, body io.Reader, req *Request) (*Result, error) {
	reader := bufio.NewReader(body)
	var content strings.Builder
	chunkCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read stream line: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		const prefix = "data: "
		if !bytes.HasPrefix(line, []byte(prefix)) {
			// Ignore non-data SSE lines.
			continue
		}
		payload := bytes.TrimSpace(line[len(prefix):])

		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return nil, &ProviderError{Provider: a.cfg.Name, Message: "unparseable stream chunk", Err: ErrMalformedResponse}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			chunkCount++
			content.WriteString(choice.Delta.Content)
			if req.Sink != nil {
				req.Sink(choice.Delta.Content)
			}
		}
	}

	a.logger.Debug("stream completed",
		zap.String("model", req.Model),
		zap.Int("chunks", chunkCount),
	)

	if content.Len() == 0 {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "empty stream", Err: ErrEmptyResponse}
	}
	return &Result{
		Content:  content.String(),
		Provider: a.cfg.Name,
		Model:    req.Model,
	}, nil
}

// upstreamError maps a non-2xx response to a ProviderError, preferring the
// structured API error message when the body carries one.
func (a *openAIAdapter) upstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var apiErr openAIErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &ProviderError{
			Provider: a.cfg.Name,
			Status:   resp.StatusCode,
			Message:  apiErr.Error.Message,
		}
	}
	return &ProviderError{
		Provider: a.cfg.Name,
		Status:   resp.StatusCode,
		Message:  truncate(string(raw), 200),
	}
}

// truncate limits string length for logging and error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
