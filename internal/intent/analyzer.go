// Package intent turns free-text research questions into structured PubMed
// search criteria by prompting a model and extracting the JSON it returns.
package intent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"medlit-assistant/internal/extract"
	"medlit-assistant/internal/provider"
)

const defaultBatchConcurrency = 4

// Sender is the slice of the orchestrator the analyzer needs.
type Sender interface {
	Send(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

// Analyzer prompts a model to decompose a research question into search
// criteria. It is safe for concurrent use.
type Analyzer struct {
	sender Sender
	model  string
	logger *zap.Logger

	batchConcurrency int

	// now is injectable so relative-date prompts are stable in tests.
	now func() time.Time
}

type Options struct {
	// Model used for analysis calls. Required.
	Model string

	// BatchConcurrency bounds parallel AnalyzeBatch calls. Defaults to 4.
	BatchConcurrency int
}

func NewAnalyzer(sender Sender, opts Options, logger *zap.Logger) (*Analyzer, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("intent analyzer requires a model")
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		sender:           sender,
		model:            opts.Model,
		logger:           logger.Named("intent"),
		batchConcurrency: opts.BatchConcurrency,
		now:              time.Now,
	}, nil
}

// Analyze sends one research question through the model and extracts the
// search criteria from its reply. A degraded result (regex recovery) is
// returned with a nil error; the Degraded flag tells the caller apart.
func (a *Analyzer) Analyze(ctx context.Context, userInput string) (*extract.Result, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return nil, fmt.Errorf("empty research question")
	}

	temp := 0.1
	maxTokens := 1024
	req := &provider.Request{
		Model: a.model,
		Messages: []provider.ChatMessage{
			{Role: provider.RoleSystem, Content: a.systemPrompt()},
			{Role: provider.RoleUser, Content: userInput},
		},
		Params: provider.Parameters{
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		},
	}

	start := time.Now()
	result, err := a.sender.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("intent analysis call failed: %w", err)
	}

	extracted, err := extract.Criteria(result.Content, userInput)
	if err != nil {
		return nil, err
	}

	a.logger.Info("intent analyzed",
		zap.String("provider", result.Provider),
		zap.Bool("cached", result.Cached),
		zap.Bool("degraded", extracted.Degraded),
		zap.String("query", extracted.Criteria.Query),
		zap.Duration("elapsed", time.Since(start)),
	)
	return extracted, nil
}

// BatchItem pairs one input with its outcome; exactly one of Result and Err
// is set.
type BatchItem struct {
	Input  string
	Result *extract.Result
	Err    error
}

// AnalyzeBatch runs Analyze over every input with bounded concurrency and
// returns outcomes in input order. Individual failures do not abort the
// batch.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, inputs []string) []BatchItem {
	items := make([]BatchItem, len(inputs))
	sem := make(chan struct{}, a.batchConcurrency)

	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := a.Analyze(ctx, input)
			items[i] = BatchItem{Input: input, Result: result, Err: err}
		}(i, input)
	}
	wg.Wait()
	return items
}

// systemPrompt instructs the model to return nothing but the criteria JSON.
// Relative date references in the user's question are resolved against the
// current year stated in the prompt.
func (a *Analyzer) systemPrompt() string {
	year := a.now().Year()
	return fmt.Sprintf(`You are a medical literature search assistant. Analyze the user's research question and produce PubMed search criteria.

The current year is %d. Resolve relative date references ("the last five years", "recent") against it.

Respond with a single JSON object and nothing else:
{
  "query": "PubMed search expression using MeSH terms and boolean operators",
  "year_start": null or integer publication year lower bound,
  "year_end": null or integer publication year upper bound,
  "min_if": null or minimum journal impact factor,
  "max_if": null or maximum journal impact factor,
  "cas_zones": [] or list of CAS journal zones (1-4, 1 is best),
  "jcr_quartiles": [] or list of JCR quartiles ("Q1".."Q4"),
  "keywords": [] or list of key concepts from the question
}

Rules:
- The query must be a valid PubMed expression, e.g. ("diabetes mellitus"[MeSH] AND metformin[Title/Abstract]).
- Only set filters the user actually asked for; leave the rest null or empty.
- Translate journal quality phrases: "top journals" means Q1 or CAS zone 1, "high impact" means min_if of 10.
- Do not wrap the JSON in markdown fences or add commentary.`, year)
}
