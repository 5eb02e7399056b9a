package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"compactbot/internal/config"
	"compactbot/internal/index"
	"compactbot/internal/llmservice"
	"compactbot/internal/models"
	"compactbot/internal/prompt"
)

// Engine answers one question per call within a session. A failed turn leaves
// the session's history untouched.
type Engine interface {
	Ask(ctx context.Context, s *Session, question string) (*models.PromptResponse, error)
	// AskStream returns the answer as fragments. History is recorded once the
	// stream has ended without error or cancellation.
	AskStream(ctx context.Context, s *Session, question string) (<-chan llmservice.Fragment, error)
}

// NewEngine returns the pipeline for the configured variant.
func NewEngine(cfg *config.Config, idx index.VectorIndex, assembler *prompt.Assembler, client *llmservice.Client) (Engine, error) {
	switch cfg.RAG.Variant {
	case config.VariantDirect:
		return NewDirectRAG(idx, assembler, client, cfg.RAG.TopK), nil
	case config.VariantChain:
		return NewChainRAG(idx, assembler, client, cfg.RAG.TopK), nil
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", models.ErrInvalidConfig, cfg.RAG.Variant)
	}
}

// DirectRAG retrieves, assembles and completes by hand, keeping the history as
// an explicit list of turns.
type DirectRAG struct {
	index     index.VectorIndex
	assembler *prompt.Assembler
	client    *llmservice.Client
	topK      int
}

func NewDirectRAG(idx index.VectorIndex, assembler *prompt.Assembler, client *llmservice.Client, topK int) *DirectRAG {
	return &DirectRAG{index: idx, assembler: assembler, client: client, topK: topK}
}

func (r *DirectRAG) Ask(ctx context.Context, s *Session, question string) (*models.PromptResponse, error) {
	p, results, err := r.prepare(ctx, s, question)
	if err != nil {
		return nil, err
	}

	answer, err := r.client.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := record(ctx, s, question, answer); err != nil {
		return nil, err
	}

	return &models.PromptResponse{
		Query:   question,
		Source:  describeSources(results),
		Content: answer,
		Sources: results,
	}, nil
}

func (r *DirectRAG) AskStream(ctx context.Context, s *Session, question string) (<-chan llmservice.Fragment, error) {
	p, _, err := r.prepare(ctx, s, question)
	if err != nil {
		return nil, err
	}
	return relay(ctx, s, question, r.client.Stream(ctx, p), true), nil
}

// prepare renders the history before the new question is recorded.
func (r *DirectRAG) prepare(ctx context.Context, s *Session, question string) (string, []models.SearchResult, error) {
	results, err := r.index.Search(ctx, question, r.topK)
	if err != nil {
		return "", nil, err
	}
	log.Debug().Int("results", len(results)).Str("session", s.ID.String()).Msg("Retrieved context")

	contextChunks := make([]string, len(results))
	for i, res := range results {
		contextChunks[i] = res.Content
	}

	rendered, err := s.History.Render(ctx)
	if err != nil {
		return "", nil, err
	}

	p, err := r.assembler.Build(contextChunks, rendered, question)
	if err != nil {
		return "", nil, err
	}
	return p, results, nil
}

func record(ctx context.Context, s *Session, question, answer string) error {
	if err := s.History.Append(ctx, models.RoleUser, question); err != nil {
		return err
	}
	return s.History.Append(ctx, models.RoleAssistant, answer)
}

// relay forwards a stream to the caller. When save is set the turn is
// appended to the history after a clean end, before the channel closes.
func relay(ctx context.Context, s *Session, question string, in <-chan llmservice.Fragment, save bool) <-chan llmservice.Fragment {
	out := make(chan llmservice.Fragment)

	go func() {
		defer close(out)

		var answer strings.Builder
		for f := range in {
			select {
			case out <- f:
			case <-ctx.Done():
				// drain so the producer can exit
				for range in {
				}
				return
			}
			if f.Err != nil {
				return
			}
			answer.WriteString(f.Text)
		}

		if !save || ctx.Err() != nil {
			return
		}
		if err := record(ctx, s, question, answer.String()); err != nil {
			log.Error().Err(err).Str("session", s.ID.String()).Msg("Failed to record turn")
		}
	}()

	return out
}

// describeSources lists the distinct files behind the retrieved chunks, in rank order.
func describeSources(results []models.SearchResult) string {
	var sources []string
	seen := make(map[string]bool)
	for _, r := range results {
		key := fmt.Sprintf("%s (p. %d)", r.Source, r.PageNumber)
		if !seen[key] {
			seen[key] = true
			sources = append(sources, key)
		}
	}
	return strings.Join(sources, ", ")
}

// IsTurnError reports whether err only fails the current turn, as opposed to
// a configuration problem that will fail every turn.
func IsTurnError(err error) bool {
	return errors.Is(err, models.ErrCompletion) ||
		errors.Is(err, models.ErrEmbedding) ||
		errors.Is(err, models.ErrPromptTooLarge)
}
