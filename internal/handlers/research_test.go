package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medlit-assistant/internal/cache"
	"medlit-assistant/internal/handlers"
	"medlit-assistant/internal/httpserver"
	"medlit-assistant/internal/intent"
	"medlit-assistant/internal/provider"
	"medlit-assistant/internal/review"
)

// stubAdapter satisfies provider.Adapter with scripted responses.
type stubAdapter struct {
	name    string
	sendFn  func(req *provider.Request) (*provider.Result, error)
	testErr error
	models  []provider.ModelInfo
}

func (s *stubAdapter) Name() string                         { return s.name }
func (s *stubAdapter) APIType() string                      { return provider.APITypeOpenAI }
func (s *stubAdapter) TestConnection(context.Context) error { return s.testErr }

func (s *stubAdapter) ListModels(context.Context) ([]provider.ModelInfo, error) {
	if s.models == nil {
		return nil, errors.New("unreachable")
	}
	return s.models, nil
}

func (s *stubAdapter) ModelParameters(string) []provider.ParameterSpec { return nil }

func (s *stubAdapter) Send(_ context.Context, req *provider.Request) (*provider.Result, error) {
	return s.sendFn(req)
}

func (s *stubAdapter) ConnStats() provider.ConnSnapshot { return provider.ConnSnapshot{} }

// newTestServer wires the real router, analyzer and generator over a stub
// provider so handler behavior is exercised end to end.
func newTestServer(t *testing.T, adapter provider.Adapter) (*httptest.Server, cache.ResponseCache) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	orch := provider.NewOrchestrator(adapter, nil, provider.Policy{AutoRetry: true}, logger)

	analyzer, err := intent.NewAnalyzer(orch, intent.Options{Model: "test-model"}, logger)
	require.NoError(t, err)

	generator, err := review.NewGenerator(orch, "test-model", logger)
	require.NoError(t, err)

	responseCache := cache.NewMemoryCache(10, 0)
	h := handlers.NewResearchHandler(orch, analyzer, generator, responseCache)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, h)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, responseCache
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAnalyzeIntentEndpoint(t *testing.T) {
	adapter := &stubAdapter{
		name: "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) {
			return &provider.Result{
				Content:  `{"query": "asthma[MeSH] AND children", "year_start": 2020, "keywords": ["asthma"]}`,
				Provider: "stub",
			}, nil
		},
	}
	srv, _ := newTestServer(t, adapter)

	resp := postJSON(t, srv.URL+"/v1/intent", map[string]string{"input": "asthma in children since 2020"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["analysis_id"])
	assert.Equal(t, false, body["degraded"])

	criteria := body["criteria"].(map[string]any)
	assert.Equal(t, "asthma[MeSH] AND children", criteria["query"])
	assert.Equal(t, float64(2020), criteria["year_start"])
}

func TestAnalyzeIntentDegradedFlag(t *testing.T) {
	adapter := &stubAdapter{
		name: "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) {
			return &provider.Result{Content: `something loose with "query": "copd" inside`}, nil
		},
	}
	srv, _ := newTestServer(t, adapter)

	resp := postJSON(t, srv.URL+"/v1/intent", map[string]string{"input": "copd"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["degraded"], "regex recovery must surface the degraded flag")
	assert.NotEmpty(t, body["reason"])
}

func TestAnalyzeIntentBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, &stubAdapter{
		name:   "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) { return nil, errors.New("never called") },
	})

	resp, err := http.Post(srv.URL+"/v1/intent", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/intent", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeIntentAllProvidersDown(t *testing.T) {
	adapter := &stubAdapter{
		name: "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) {
			return nil, errors.New("connection refused")
		},
	}
	srv, _ := newTestServer(t, adapter)

	resp := postJSON(t, srv.URL+"/v1/intent", map[string]string{"input": "anything"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIntentBatchEndpoint(t *testing.T) {
	adapter := &stubAdapter{
		name: "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) {
			return &provider.Result{Content: `{"query": "shared"}`}, nil
		},
	}
	srv, _ := newTestServer(t, adapter)

	resp := postJSON(t, srv.URL+"/v1/intent/batch", map[string]any{
		"inputs": []string{"first question", "second question"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "first question", first["input"])
	assert.NotNil(t, first["criteria"])
}

func TestReviewOutlineEndpoint(t *testing.T) {
	adapter := &stubAdapter{
		name: "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) {
			return &provider.Result{Content: "1. Background\n2. Evidence"}, nil
		},
	}
	srv, _ := newTestServer(t, adapter)

	resp := postJSON(t, srv.URL+"/v1/review/outline", map[string]any{
		"criteria": map[string]any{"query": "sglt2 in heart failure"},
		"articles": []map[string]any{
			{"pmid": "1", "title": "Trial A"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["outline"], "Background")
}

func TestReviewArticleEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubAdapter{
		name:   "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) { return &provider.Result{Content: "x"}, nil },
	})

	// Missing outline.
	resp := postJSON(t, srv.URL+"/v1/review/article", map[string]any{
		"criteria": map[string]any{"query": "q"},
		"articles": []map[string]any{{"pmid": "1", "title": "t"}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing articles.
	resp = postJSON(t, srv.URL+"/v1/review/article", map[string]any{
		"criteria": map[string]any{"query": "q"},
		"outline":  "1. Intro",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListModelsEndpoint(t *testing.T) {
	adapter := &stubAdapter{
		name:   "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) { return nil, nil },
		models: []provider.ModelInfo{{ID: "gpt-4o", DisplayName: "gpt-4o"}},
	}
	srv, _ := newTestServer(t, adapter)

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	providers := body["providers"].(map[string]any)
	require.Contains(t, providers, "stub")
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubAdapter{
		name:   "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) { return &provider.Result{Content: "x"}, nil },
	})

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body, "providers")
	assert.Contains(t, body, "cache")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubAdapter{
		name:   "stub",
		sendFn: func(*provider.Request) (*provider.Result, error) { return nil, nil },
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
