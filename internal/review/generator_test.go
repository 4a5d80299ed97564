package review

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medlit-assistant/internal/extract"
	"medlit-assistant/internal/provider"
)

type scriptedSender struct {
	mu       sync.Mutex
	requests []*provider.Request
	content  string
}

func (s *scriptedSender) Send(_ context.Context, req *provider.Request) (*provider.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return &provider.Result{Content: s.content, Provider: "scripted"}, nil
}

func sampleArticles() []Article {
	return []Article{
		{PMID: "31535829", Title: "Empagliflozin in heart failure", Journal: "N Engl J Med", Year: 2020, Abstract: "Randomized trial of empagliflozin."},
		{PMID: "32865377", Title: "Dapagliflozin outcomes", Journal: "Lancet", Year: 2021},
	}
}

func sampleCriteria() extract.SearchCriteria {
	start, end := 2019, 2024
	return extract.SearchCriteria{
		Query:     `"heart failure"[MeSH] AND SGLT2`,
		YearStart: &start,
		YearEnd:   &end,
		Keywords:  []string{"heart failure", "SGLT2 inhibitors"},
	}
}

func newTestGenerator(t *testing.T, sender *scriptedSender) *Generator {
	t.Helper()
	g, err := NewGenerator(sender, "gpt-4o", zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestGeneratorRequiresModel(t *testing.T) {
	_, err := NewGenerator(&scriptedSender{}, "", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestOutlinePromptCarriesCorpus(t *testing.T) {
	sender := &scriptedSender{content: "1. Introduction\n2. Mechanisms\n3. Trials"}
	g := newTestGenerator(t, sender)

	outline, err := g.Outline(context.Background(), sampleCriteria(), sampleArticles())
	require.NoError(t, err)
	assert.Contains(t, outline, "Introduction")

	require.Len(t, sender.requests, 1)
	user := sender.requests[0].Messages[1].Content
	assert.Contains(t, user, `"heart failure"[MeSH] AND SGLT2`)
	assert.Contains(t, user, "31535829")
	assert.Contains(t, user, "32865377")
	assert.Contains(t, user, "2019 - 2024")
}

func TestOutlineRejectsEmptyCorpus(t *testing.T) {
	g := newTestGenerator(t, &scriptedSender{content: "x"})

	_, err := g.Outline(context.Background(), sampleCriteria(), nil)
	require.Error(t, err)
}

func TestSectionTargetsOneSection(t *testing.T) {
	sender := &scriptedSender{content: "Mechanistic studies show..."}
	g := newTestGenerator(t, sender)

	_, err := g.Section(context.Background(), sampleCriteria(), sampleArticles(),
		"1. Introduction\n2. Mechanisms", "2. Mechanisms")
	require.NoError(t, err)

	require.Len(t, sender.requests, 1)
	user := sender.requests[0].Messages[1].Content
	assert.Contains(t, user, `"2. Mechanisms"`)
	assert.Contains(t, user, "1. Introduction", "the outline travels with the request")
}

func TestSectionFullArticleWhenUntargeted(t *testing.T) {
	sender := &scriptedSender{content: "Full review text."}
	g := newTestGenerator(t, sender)

	_, err := g.Section(context.Background(), sampleCriteria(), sampleArticles(), "outline", "")
	require.NoError(t, err)

	user := sender.requests[0].Messages[1].Content
	assert.Contains(t, user, "complete review article")
}

func TestCorpusPromptTruncatesAbstracts(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	articles := []Article{{PMID: "1", Title: "t", Abstract: string(long)}}

	prompt := buildCorpusPrompt(sampleCriteria(), articles, "")
	assert.Less(t, len(prompt), 4000, "oversized abstracts must be truncated")
	assert.Contains(t, prompt, "...")
}
