package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medlit-assistant/internal/provider"
)

// scriptedSender returns canned content and records the requests it saw.
type scriptedSender struct {
	mu       sync.Mutex
	requests []*provider.Request
	content  string
	err      error
}

func (s *scriptedSender) Send(_ context.Context, req *provider.Request) (*provider.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Result{Content: s.content, Provider: "scripted"}, nil
}

func newTestAnalyzer(t *testing.T, sender *scriptedSender) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(sender, Options{Model: "gpt-4o"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func TestAnalyzerRequiresModel(t *testing.T) {
	_, err := NewAnalyzer(&scriptedSender{}, Options{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestAnalyzeExtractsCriteria(t *testing.T) {
	sender := &scriptedSender{content: `{"query": "\"heart failure\"[MeSH] AND sacubitril", "year_start": 2020, "jcr_quartiles": ["Q1"]}`}
	a := newTestAnalyzer(t, sender)

	result, err := a.Analyze(context.Background(), "recent sacubitril trials in heart failure, top journals")
	require.NoError(t, err)

	assert.False(t, result.Degraded)
	assert.Equal(t, `"heart failure"[MeSH] AND sacubitril`, result.Criteria.Query)
	assert.Equal(t, []string{"Q1"}, result.Criteria.JCRQuartiles)

	require.Len(t, sender.requests, 1)
	req := sender.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, provider.RoleUser, req.Messages[1].Role)
	require.NotNil(t, req.Params.Temperature)
	assert.InDelta(t, 0.1, *req.Params.Temperature, 1e-9)
}

func TestAnalyzePromptStatesCurrentYear(t *testing.T) {
	sender := &scriptedSender{content: `{"query": "long covid outcomes"}`}
	a := newTestAnalyzer(t, sender)
	a.now = func() time.Time { return time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC) }

	_, err := a.Analyze(context.Background(), "long covid outcomes in the last three years")
	require.NoError(t, err)

	require.Len(t, sender.requests, 1)
	assert.Contains(t, sender.requests[0].Messages[0].Content, "2031",
		"system prompt must state the current year for relative-date resolution")
}

func TestAnalyzeDegradedOutput(t *testing.T) {
	sender := &scriptedSender{content: `Sorry, roughly: "query": "copd exacerbation" from 2018 to 2022`}
	a := newTestAnalyzer(t, sender)

	result, err := a.Analyze(context.Background(), "copd exacerbations")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "copd exacerbation", result.Criteria.Query)
}

func TestAnalyzeEmptyInput(t *testing.T) {
	a := newTestAnalyzer(t, &scriptedSender{content: "{}"})

	_, err := a.Analyze(context.Background(), "   ")
	require.Error(t, err)
}

func TestAnalyzeSenderError(t *testing.T) {
	sendErr := errors.New("all providers down")
	a := newTestAnalyzer(t, &scriptedSender{err: sendErr})

	_, err := a.Analyze(context.Background(), "anything")
	require.ErrorIs(t, err, sendErr)
}

func TestAnalyzeBatchPreservesOrder(t *testing.T) {
	sender := &scriptedSender{content: `{"query": "shared answer"}`}
	a := newTestAnalyzer(t, sender)

	inputs := make([]string, 10)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("question %d", i)
	}

	items := a.AnalyzeBatch(context.Background(), inputs)
	require.Len(t, items, len(inputs))
	for i, item := range items {
		assert.Equal(t, inputs[i], item.Input)
		require.NoError(t, item.Err)
		require.NotNil(t, item.Result)
	}
}

func TestAnalyzeBatchIsolatesFailures(t *testing.T) {
	sender := &scriptedSender{content: `{"query": "fine"}`}
	a := newTestAnalyzer(t, sender)

	items := a.AnalyzeBatch(context.Background(), []string{"good question", "", "another good one"})
	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.Error(t, items[1].Err, "empty input must fail its own slot only")
	assert.NoError(t, items[2].Err)
}
