package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeCache is an in-memory ResponseCache for adapter tests.
type fakeCache struct {
	mu   sync.Mutex
	m    map[string]string
	gets int
	puts int
}

func newFakeCache() *fakeCache {
	return &fakeCache{m: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *fakeCache) Put(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.m[key] = value
	return nil
}

// noSleep keeps retrying tests fast by skipping real backoff waits.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestOpenAISendSuccess(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq openAIChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		resp := openAIChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []openAIChatChoice{
				{Message: ChatMessage{Role: RoleAssistant, Content: "metformin is a biguanide"}},
			},
			Usage: &openAIUsage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	a := newOpenAIAdapterForTest(t, srv.URL, nil)

	temp := 0.1
	result, err := a.Send(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: baseMessages(),
		Params:   Parameters{Temperature: &temp},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o" || gotReq.Temperature == nil || *gotReq.Temperature != 0.1 {
		t.Fatalf("request not forwarded faithfully: %+v", gotReq)
	}
	if result.Content != "metformin is a biguanide" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.Cached {
		t.Fatalf("fresh response must not be marked cached")
	}
	if result.Usage.TotalTokens != 18 {
		t.Fatalf("usage not propagated: %+v", result.Usage)
	}
}

func TestOpenAISendServesFromCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		resp := openAIChatResponse{
			Choices: []openAIChatChoice{
				{Message: ChatMessage{Role: RoleAssistant, Content: "answer"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cache := newFakeCache()
	a := newOpenAIAdapterForTest(t, srv.URL, cache)

	req := &Request{Model: "gpt-4o", Messages: baseMessages()}

	first, err := a.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call must be a miss")
	}

	second, err := a.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call must be served from cache")
	}
	if second.Content != first.Content {
		t.Fatalf("cached content mismatch: %q vs %q", second.Content, first.Content)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("cached call must not hit the network; got %d HTTP calls", got)
	}
}

func TestOpenAISendStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req openAIChatRequest
		_ = json.Unmarshal(body, &req)
		if !req.Stream {
			t.Errorf("expected stream=true on the wire")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"metf", "ormin", " lowers glucose"}
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"index": 0, "delta": map[string]string{"content": c}},
				},
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		}
		_, _ = w.Write([]byte(": keep-alive comment\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := newOpenAIAdapterForTest(t, srv.URL, nil)

	var deltas []string
	result, err := a.Send(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: baseMessages(),
		Sink:     func(delta string) { deltas = append(deltas, delta) },
	})
	if err != nil {
		t.Fatalf("streaming Send failed: %v", err)
	}

	if result.Content != "metformin lowers glucose" {
		t.Fatalf("assembled content mismatch: %q", result.Content)
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d: %v", len(deltas), deltas)
	}
	if strings.Join(deltas, "") != result.Content {
		t.Fatalf("deltas do not assemble to the final content")
	}
}

func TestOpenAISendEmptyAndMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want error
	}{
		{"empty body", "", ErrEmptyResponse},
		{"malformed json", "{not json", ErrMalformedResponse},
		{"no choices", `{"choices":[]}`, ErrEmptyResponse},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			a := newOpenAIAdapterForTest(t, srv.URL, nil)

			_, err := a.Send(context.Background(), &Request{Model: "m", Messages: baseMessages()})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOpenAIUpstreamErrorMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
	}))
	defer srv.Close()

	a := newOpenAIAdapterForTest(t, srv.URL, nil)

	_, err := a.Send(context.Background(), &Request{Model: "m", Messages: baseMessages()})

	var pErr *ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProviderError, got %T: %v", err, err)
	}
	if pErr.Status != http.StatusUnauthorized || pErr.Message != "invalid api key" {
		t.Fatalf("unexpected provider error: %+v", pErr)
	}
}

func TestOpenAIListModelsCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o","context_length":128000},{"id":"gpt-4o-mini"}]}`))
	}))
	defer srv.Close()

	a := newOpenAIAdapterForTest(t, srv.URL, nil)

	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "gpt-4o" || models[0].ContextLength != 128000 {
		t.Fatalf("unexpected first model: %+v", models[0])
	}
	if models[1].ContextLength != 4096 {
		t.Fatalf("missing context_length must default to 4096, got %d", models[1].ContextLength)
	}

	if _, err := a.ListModels(context.Background()); err != nil {
		t.Fatalf("second ListModels failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("model list must be cached for an hour; got %d HTTP calls", got)
	}
}

func TestOpenAISendValidation(t *testing.T) {
	t.Parallel()

	a := newOpenAIAdapterForTest(t, "http://127.0.0.1:0", nil)

	if _, err := a.Send(context.Background(), &Request{Messages: baseMessages()}); err == nil {
		t.Fatalf("missing model must fail validation")
	}
	if _, err := a.Send(context.Background(), &Request{Model: "m"}); err == nil {
		t.Fatalf("empty messages must fail validation")
	}

	bad := 5.0
	_, err := a.Send(context.Background(), &Request{
		Model:    "m",
		Messages: baseMessages(),
		Params:   Parameters{Temperature: &bad},
	})
	if err == nil {
		t.Fatalf("out-of-range temperature must fail validation")
	}
}

func newOpenAIAdapterForTest(t *testing.T, baseURL string, cache ResponseCache) *openAIAdapter {
	t.Helper()
	a := newOpenAIAdapter(Config{
		Name:    "test-openai",
		APIType: APITypeOpenAI,
		BaseURL: baseURL,
		APIKey:  "test-key",
	}, Options{Cache: cache, Logger: zaptest.NewLogger(t)})
	a.conn.sleep = noSleep
	return a
}
