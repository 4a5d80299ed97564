// Package review drafts literature-review outlines and full review articles
// from retrieved article summaries.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"medlit-assistant/internal/extract"
	"medlit-assistant/internal/provider"
)

// Article is one retrieved paper as the generator sees it. Abstract may be
// empty when PubMed has none.
type Article struct {
	PMID     string `json:"pmid"`
	Title    string `json:"title"`
	Journal  string `json:"journal,omitempty"`
	Year     int    `json:"year,omitempty"`
	Abstract string `json:"abstract,omitempty"`
}

// Sender is the slice of the orchestrator the generator needs.
type Sender interface {
	Send(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

// Generator drafts outlines and review text over a set of articles. Safe for
// concurrent use.
type Generator struct {
	sender Sender
	model  string
	logger *zap.Logger
}

func NewGenerator(sender Sender, model string, logger *zap.Logger) (*Generator, error) {
	if model == "" {
		return nil, fmt.Errorf("review generator requires a model")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		sender: sender,
		model:  model,
		logger: logger.Named("review"),
	}, nil
}

// Outline drafts a section outline for a review covering the given articles,
// guided by the criteria that retrieved them.
func (g *Generator) Outline(ctx context.Context, criteria extract.SearchCriteria, articles []Article) (string, error) {
	if len(articles) == 0 {
		return "", fmt.Errorf("no articles to outline")
	}

	temp := 0.4
	maxTokens := 2048
	req := &provider.Request{
		Model: g.model,
		Messages: []provider.ChatMessage{
			{Role: provider.RoleSystem, Content: outlineSystemPrompt},
			{Role: provider.RoleUser, Content: buildCorpusPrompt(criteria, articles, "Draft the outline.")},
		},
		Params: provider.Parameters{
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		},
	}
	return g.generate(ctx, "outline", req)
}

// Section writes one section of the review article from the outline and the
// articles. sectionTitle selects which outline section to expand; an empty
// title asks for the full article in one pass.
func (g *Generator) Section(ctx context.Context, criteria extract.SearchCriteria, articles []Article, outline, sectionTitle string) (string, error) {
	if len(articles) == 0 {
		return "", fmt.Errorf("no articles to write from")
	}

	instruction := "Write the complete review article following the outline."
	if sectionTitle != "" {
		instruction = fmt.Sprintf("Write only the section %q of the outline.", sectionTitle)
	}

	var sb strings.Builder
	sb.WriteString(buildCorpusPrompt(criteria, articles, ""))
	sb.WriteString("\n\nOutline:\n")
	sb.WriteString(outline)
	sb.WriteString("\n\n")
	sb.WriteString(instruction)

	temp := 0.5
	maxTokens := 4096
	req := &provider.Request{
		Model: g.model,
		Messages: []provider.ChatMessage{
			{Role: provider.RoleSystem, Content: articleSystemPrompt},
			{Role: provider.RoleUser, Content: sb.String()},
		},
		Params: provider.Parameters{
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		},
	}
	return g.generate(ctx, "section", req)
}

func (g *Generator) generate(ctx context.Context, kind string, req *provider.Request) (string, error) {
	start := time.Now()
	result, err := g.sender.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("review %s generation failed: %w", kind, err)
	}

	g.logger.Info("review text generated",
		zap.String("kind", kind),
		zap.String("provider", result.Provider),
		zap.Bool("cached", result.Cached),
		zap.Int("chars", len(result.Content)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result.Content, nil
}

const outlineSystemPrompt = `You are an experienced medical review author. Given a research topic and a set of retrieved articles, produce a numbered section outline for a narrative literature review. Each section gets a one-sentence scope note and the PMIDs it will draw on. Output plain text, no markdown fences.`

const articleSystemPrompt = `You are an experienced medical review author. Write formal academic prose. Cite evidence inline as (PMID: xxxxxxx) and never invent citations: only the provided articles may be cited. Output plain text, no markdown fences.`

// buildCorpusPrompt renders the criteria and article summaries as the user
// message body. Abstracts are truncated so a large corpus cannot blow the
// context window on its own.
func buildCorpusPrompt(criteria extract.SearchCriteria, articles []Article, tail string) string {
	var sb strings.Builder

	sb.WriteString("Research topic: ")
	sb.WriteString(criteria.Query)
	sb.WriteString("\n")
	if criteria.YearStart != nil || criteria.YearEnd != nil {
		sb.WriteString(fmt.Sprintf("Publication window: %s - %s\n",
			yearOrOpen(criteria.YearStart), yearOrOpen(criteria.YearEnd)))
	}
	if len(criteria.Keywords) > 0 {
		sb.WriteString("Key concepts: ")
		sb.WriteString(strings.Join(criteria.Keywords, ", "))
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("\nRetrieved articles (%d):\n", len(articles)))
	for i, a := range articles {
		sb.WriteString(fmt.Sprintf("\n[%d] PMID %s", i+1, a.PMID))
		if a.Year > 0 {
			sb.WriteString(fmt.Sprintf(" (%d)", a.Year))
		}
		sb.WriteString("\n")
		sb.WriteString("Title: ")
		sb.WriteString(a.Title)
		sb.WriteString("\n")
		if a.Journal != "" {
			sb.WriteString("Journal: ")
			sb.WriteString(a.Journal)
			sb.WriteString("\n")
		}
		if a.Abstract != "" {
			sb.WriteString("Abstract: ")
			sb.WriteString(truncate(a.Abstract, 1500))
			sb.WriteString("\n")
		}
	}

	if tail != "" {
		sb.WriteString("\n")
		sb.WriteString(tail)
	}
	return sb.String()
}

func yearOrOpen(y *int) string {
	if y == nil {
		return "open"
	}
	return fmt.Sprintf("%d", *y)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
