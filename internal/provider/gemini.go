package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// geminiAdapter speaks the Gemini dialect: query-string key auth,
// /v1beta/models for discovery, :generateContent / :streamGenerateContent
// for generation. Shared parameter concepts are translated from the
// OpenAI-shaped names (max_tokens->maxOutputTokens, top_p->topP,
// stop->stopSequences).
type geminiAdapter struct {
	adapterCore
}

func newGeminiAdapter(cfg Config, opts Options) *geminiAdapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &geminiAdapter{adapterCore: newAdapterCore(cfg, opts)}
}

// ---- wire shapes ----

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiGenerateResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		Description                string   `json:"description"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

const maxStopSequences = 5

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

func (a *geminiAdapter) modelsURL() string {
	return a.cfg.BaseURL + "/v1beta/models?key=" + url.QueryEscape(a.cfg.APIKey)
}

func (a *geminiAdapter) generateURL(modelID string, stream bool) string {
	// Strip a "models/" prefix so discovery ids do not double up in the path.
	modelID = strings.TrimPrefix(modelID, "models/")
	method := ":generateContent"
	suffix := "?key=" + url.QueryEscape(a.cfg.APIKey)
	if stream {
		method = ":streamGenerateContent"
		suffix = "?alt=sse&key=" + url.QueryEscape(a.cfg.APIKey)
	}
	return a.cfg.BaseURL + "/v1beta/models/" + modelID + method + suffix
}

func (a *geminiAdapter) TestConnection(ctx context.Context) error {
	resp, err := a.conn.Execute(ctx, http.MethodGet, a.modelsURL(), jsonHeaders(), nil, testConnRetries)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return a.upstreamError(resp)
	}
	return nil
}

func (a *geminiAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if models, ok := a.cachedModels(); ok {
		return models, nil
	}

	resp, err := a.conn.Execute(ctx, http.MethodGet, a.modelsURL(), jsonHeaders(), nil, testConnRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.upstreamError(resp)
	}

	var list geminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", ErrMalformedResponse)
	}

	models := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		displayName := m.DisplayName
		if displayName == "" {
			displayName = strings.TrimPrefix(m.Name, "models/")
		}
		models = append(models, ModelInfo{
			// Keep the full resource name; the generate path needs it.
			ID:                m.Name,
			DisplayName:       displayName,
			Description:       m.Description,
			ContextLength:     m.InputTokenLimit,
			SupportsStreaming: true,
		})
	}

	a.storeModels(models)
	return models, nil
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func (a *geminiAdapter) ModelParameters(string) []ParameterSpec {
	return []ParameterSpec{
		{Name: "temperature", Type: "float", Min: 0, Max: 2, Default: 0.1,
			Description: "Sampling randomness; 0 is deterministic."},
		{Name: "top_p", Type: "float", Min: 0, Max: 1, Default: 0.95,
			Description: "Nucleus sampling probability mass (topP on the wire)."},
		{Name: "top_k", Type: "int", Min: 1, Max: 40,
			Description: "Token candidate cap per step (topK on the wire)."},
		{Name: "max_tokens", Type: "int", Min: 1, Max: 8192,
			Description: "Maximum output tokens (maxOutputTokens on the wire)."},
		{Name: "stop", Type: "list",
			Description: "Stop sequences, at most 5 (stopSequences on the wire)."},
		{Name: "seed", Type: "int", Min: 0, Max: 2147483647,
			Description: "Decoding seed for reproducibility."},
		{Name: "stream", Type: "bool", Default: false,
			Description: "Stream incremental deltas."},
	}
}

// translateParams maps the OpenAI-shaped parameter struct onto Gemini's
// generationConfig names. Stop sequences are capped at the API limit of 5.
func translateParams(p Parameters) *geminiGenerationConfig {
	cfg := &geminiGenerationConfig{
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		TopK:             p.TopK,
		MaxOutputTokens:  p.MaxTokens,
		Seed:             p.Seed,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
	}
	if len(p.Stop) > 0 {
		stop := p.Stop
		if len(stop) > maxStopSequences {
			stop = stop[:maxStopSequences]
		}
		cfg.StopSequences = stop
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.TopK == nil &&
		cfg.MaxOutputTokens == nil && cfg.StopSequences == nil && cfg.Seed == nil &&
		cfg.FrequencyPenalty == nil && cfg.PresencePenalty == nil {
		return nil
	}
	return cfg
}

// buildContents folds the conversation into Gemini's contents shape. Gemini
// has no system role, so system turns are prefixed onto the user content.
func buildContents(messages []ChatMessage) []geminiContent {
	var combined strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			combined.WriteString("System: ")
			combined.WriteString(m.Content)
			combined.WriteString("\n\n")
		case RoleUser:
			combined.WriteString(m.Content)
		}
	}
	return []geminiContent{
		{
			Role:  "user",
			Parts: []geminiPart{{Text: strings.TrimSpace(combined.String())}},
		},
	}
}

func (a *geminiAdapter) Send(ctx context.Context, req *Request) (*Result, error) {
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

	body, err := json.Marshal(geminiGenerateRequest{
		Contents:         buildContents(req.Messages),
		GenerationConfig: translateParams(req.Params),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(body) > maxRequestSize {
		return nil, fmt.Errorf("request too large (%d bytes, max %d)", len(body), maxRequestSize)
	}

	resp, err := a.conn.Execute(ctx, http.MethodPost, a.generateURL(req.Model, streaming), jsonHeaders(), body, a.maxRetries)
	if err != nil {
		a.logger.Error("generate request failed",
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

	a.logger.Info("generate request completed",
		zap.String("model", req.Model),
		zap.Bool("stream", streaming),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (a *geminiAdapter) readResponse(body io.Reader, req *Request) (*Result, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "empty body", Err: ErrEmptyResponse}
	}

	var pResp geminiGenerateResponse
	if err := json.Unmarshal(raw, &pResp); err != nil {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "unparseable body", Err: ErrMalformedResponse}
	}
	if len(pResp.Candidates) == 0 {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "no candidates", Err: ErrEmptyResponse}
	}

	content := joinParts(pResp.Candidates[0].Content.Parts)
	if content == "" {
		return nil, &ProviderError{Provider: a.cfg.Name, Message: "no text parts", Err: ErrEmptyResponse}
	}

	result := &Result{
		Content:  content,
		Provider: a.cfg.Name,
		Model:    req.Model,
	}
	if pResp.UsageMetadata != nil {
		result.Usage = Usage{
			PromptTokens:     pResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: pResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      pResp.UsageMetadata.TotalTokenCount,
		}
	}
	return result, nil
}

// joinParts concatenates the text parts of a candidate, skipping "thought"
// fragments emitted by reasoning models.
func joinParts(parts []geminiPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// readStream consumes the SSE body, skipping thought parts and forwarding
// each text delta to the sink. No mid-stream retries.
func (a *geminiAdapter) readStream(ctx context.Context, body io.Reader, req *Request) (*Result, error) {
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

		payload := line
		bare := true
		const prefix = "data: "
		if bytes.HasPrefix(line, []byte(prefix)) {
			payload = bytes.TrimSpace(line[len(prefix):])
			bare = false
		}
		if len(payload) == 0 {
			continue
		}

		var chunk geminiGenerateResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			if bare {
				// SSE comments, keepalives and event/id fields arrive
				// without the data prefix; only data frames must parse.
				continue
			}
			return nil, &ProviderError{Provider: a.cfg.Name, Message: "unparseable stream chunk", Err: ErrMalformedResponse}
		}

		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Thought || part.Text == "" {
					continue
				}
				chunkCount++
				content.WriteString(part.Text)
				if req.Sink != nil {
					req.Sink(part.Text)
				}
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

func (a *geminiAdapter) upstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var apiErr geminiErrorResponse
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
