// Package query answers natural-language questions from indexed chunks.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/campuskb/campuskb/config"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/metrics"
	"github.com/campuskb/campuskb/internal/store"
	"github.com/campuskb/campuskb/provider"
)

// NoMatchAnswer is returned verbatim when retrieval finds nothing.
const NoMatchAnswer = "I couldn't find relevant documents. Please try rephrasing your question."

const defaultSystemPrompt = `You are a helpful assistant answering questions about an educational institution.
Answer using ONLY the provided context. If the context does not contain the
answer, say you don't have that information. Be concise and factual.`

var (
	ErrEmptyQuestion = errors.New("question must not be empty")
	ErrInvalidTopK   = errors.New("topK out of range")
)

// SourceRef is one ranked retrieval hit attributed to its source.
type SourceRef struct {
	SourceID    string  `json:"source_id"`
	ChunkID     string  `json:"chunk_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Result is a synthesized answer with its supporting sources and suggested
// follow-up questions.
type Result struct {
	Answer    string      `json:"answer"`
	Sources   []SourceRef `json:"sources"`
	Followups []string    `json:"followup_questions"`
	Matched   bool        `json:"matched"`
}

// Engine runs retrieval and answer synthesis.
type Engine struct {
	embedder  provider.Embedder
	generator provider.Generator
	vectors   index.VectorIndex
	keyword   *index.Keyword
	cfg       config.QueryConfig
	logger    *log.Logger
}

// NewEngine builds a query engine. keyword may be nil; hybrid retrieval is
// used only when both the config flag is on and a keyword index is supplied.
func NewEngine(embedder provider.Embedder, generator provider.Generator, vectors index.VectorIndex, keyword *index.Keyword, cfg config.QueryConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stdout, "[QUERY] ", log.LstdFlags)
	}
	return &Engine{
		embedder:  embedder,
		generator: generator,
		vectors:   vectors,
		keyword:   keyword,
		cfg:       cfg.Normalize(),
		logger:    logger,
	}
}

// Answer retrieves the topK most relevant chunks for the question and
// synthesizes an answer from them.
func (e *Engine) Answer(ctx context.Context, ownerID, question string, topK int) (Result, error) {
	started := time.Now()
	defer func() { metrics.QueryLatency.Observe(time.Since(started).Seconds()) }()

	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, ErrEmptyQuestion
	}
	if topK == 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK < 1 || topK > e.cfg.MaxTopK {
		return Result{}, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidTopK, topK, e.cfg.MaxTopK)
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancelEmbed()
	vecs, err := e.embedder.Embed(embedCtx, []string{question})
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		metrics.Queries.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}

	matches, err := e.vectors.Query(ctx, ownerID, vecs[0], topK)
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("vector query: %w", err)
	}

	texts, sources := e.rank(question, matches, topK)
	if len(texts) == 0 {
		metrics.Queries.WithLabelValues("no_match").Inc()
		return Result{
			Answer:    NoMatchAnswer,
			Followups: Followups(question),
		}, nil
	}

	contextBlock := strings.Join(texts, "\n\n")
	if len(contextBlock) > e.cfg.ContextBudget {
		contextBlock = contextBlock[:e.cfg.ContextBudget]
	}
	systemPrompt := e.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	userPrompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, question)

	genCtx, cancelGen := context.WithTimeout(ctx, e.cfg.AnswerTimeout)
	defer cancelGen()
	answer, err := e.generator.Generate(genCtx, systemPrompt, userPrompt)
	if err != nil {
		metrics.Queries.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("generate answer: %w", err)
	}

	metrics.Queries.WithLabelValues("answered").Inc()
	return Result{
		Answer:    answer,
		Sources:   sources,
		Followups: Followups(question + " " + answer),
		Matched:   true,
	}, nil
}

// rank orders retrieval hits (fusing keyword hits when hybrid is on) and
// returns the context blocks plus source attributions, best first. Each
// block carries the source's title and description alongside the chunk text
// so the model can cite where a fact came from.
func (e *Engine) rank(question string, matches []store.ChunkMatch, topK int) ([]string, []SourceRef) {
	byID := make(map[string]store.ChunkMatch, len(matches))
	vecHits := make([]index.Hit, 0, len(matches))
	for i, m := range matches {
		byID[m.ID] = m
		vecHits = append(vecHits, index.Hit{ID: m.ID, Score: m.Score, Rank: i + 1})
	}

	ranked := vecHits
	if e.cfg.Hybrid && e.keyword != nil {
		kwHits, err := e.keyword.Search(question, topK)
		if err != nil {
			e.logger.Printf("keyword search failed, using vector hits only: %v", err)
		} else if len(kwHits) > 0 {
			ranked = index.FuseRRF(vecHits, kwHits, topK)
		}
	}

	var (
		blocks  []string
		sources []SourceRef
	)
	for _, hit := range ranked {
		ref := SourceRef{ChunkID: hit.ID, Score: hit.Score}
		var text string
		if m, ok := byID[hit.ID]; ok {
			ref.SourceID = m.SourceID
			text, _ = m.Metadata["text"].(string)
			ref.Title, _ = m.Metadata["title"].(string)
			ref.Description, _ = m.Metadata["description"].(string)
		} else if e.keyword != nil {
			if meta, ok := e.keyword.Meta(hit.ID); ok {
				ref.SourceID = meta.SourceID
				ref.Title = meta.Title
				ref.Description = meta.Description
				text = meta.Text
			}
		}
		if text == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("Title: %s\nDescription: %s\nContent: %s", ref.Title, ref.Description, text))
		sources = append(sources, ref)
	}
	return blocks, sources
}
