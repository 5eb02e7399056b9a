package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/schema"

	"compactbot/internal/history"
	"compactbot/internal/index"
	"compactbot/internal/llmservice"
	"compactbot/internal/models"
	"compactbot/internal/prompt"
)

const sourceDocumentsKey = "source_documents"

// retriever exposes a vector index as a langchaingo retriever.
type retriever struct {
	index index.VectorIndex
	topK  int
}

var _ schema.Retriever = retriever{}

func (r retriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	results, err := r.index.Search(ctx, query, r.topK)
	if err != nil {
		return nil, err
	}
	docs := make([]schema.Document, len(results))
	for i, res := range results {
		docs[i] = schema.Document{
			PageContent: res.Content,
			Metadata: map[string]any{
				models.MetaSource:     res.Source,
				models.MetaPageNumber: res.PageNumber,
				models.MetaChunkID:    res.ChunkID,
				models.MetaStart:      res.Start,
				models.MetaEnd:        res.End,
			},
			Score: res.Similarity,
		}
	}
	return docs, nil
}

// ChainRAG runs a langchaingo RetrievalQA chain. The session history is the
// chain's memory, so the chain records each successful turn itself.
type ChainRAG struct {
	index     index.VectorIndex
	assembler *prompt.Assembler
	client    *llmservice.Client
	topK      int
}

func NewChainRAG(idx index.VectorIndex, assembler *prompt.Assembler, client *llmservice.Client, topK int) *ChainRAG {
	return &ChainRAG{index: idx, assembler: assembler, client: client, topK: topK}
}

func (r *ChainRAG) newChain(s *Session) chains.RetrievalQA {
	llmChain := chains.NewLLMChain(r.client.Model(), r.assembler)
	llmChain.Memory = s.History

	qa := chains.NewRetrievalQA(chains.NewStuffDocuments(llmChain), retriever{index: r.index, topK: r.topK})
	qa.ReturnSourceDocuments = true
	return qa
}

func (r *ChainRAG) Ask(ctx context.Context, s *Session, question string) (*models.PromptResponse, error) {
	out, err := chains.Call(ctx, r.newChain(s), map[string]any{"query": question},
		chains.WithTemperature(r.client.Temperature()))
	if err != nil {
		return nil, wrapChainError(err)
	}

	answer, ok := out[history.OutputKey].(string)
	if !ok {
		return nil, fmt.Errorf("%w: chain returned no text", models.ErrCompletion)
	}
	docs, _ := out[sourceDocumentsKey].([]schema.Document)
	results := fromDocuments(docs)

	return &models.PromptResponse{
		Query:   question,
		Source:  describeSources(results),
		Content: answer,
		Sources: results,
	}, nil
}

func (r *ChainRAG) AskStream(ctx context.Context, s *Session, question string) (<-chan llmservice.Fragment, error) {
	qa := r.newChain(s)
	stream := llmservice.StreamFrom(ctx, func(ctx context.Context, sink func(context.Context, []byte) error) error {
		_, err := chains.Call(ctx, qa, map[string]any{"query": question},
			chains.WithTemperature(r.client.Temperature()),
			chains.WithStreamingFunc(sink),
		)
		return err
	})
	return relay(ctx, s, question, stream, false), nil
}

// wrapChainError marks chain failures as completion failures unless they
// already carry a more specific kind.
func wrapChainError(err error) error {
	if errors.Is(err, models.ErrEmbedding) || errors.Is(err, models.ErrPromptTooLarge) || errors.Is(err, models.ErrCompletion) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrCompletion, err)
}

func fromDocuments(docs []schema.Document) []models.SearchResult {
	results := make([]models.SearchResult, len(docs))
	for i, d := range docs {
		results[i] = models.SearchResult{
			Chunk: models.Chunk{
				Content:    d.PageContent,
				Source:     fmt.Sprint(d.Metadata[models.MetaSource]),
				PageNumber: metaInt(d.Metadata, models.MetaPageNumber),
				ChunkID:    metaInt(d.Metadata, models.MetaChunkID),
				Start:      metaInt(d.Metadata, models.MetaStart),
				End:        metaInt(d.Metadata, models.MetaEnd),
			},
			Similarity: d.Score,
		}
	}
	return results
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
