package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"compactbot/internal/config"
	"compactbot/internal/models"
)

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func TestGenerateEmbedding_PairsChunksWithVectors(t *testing.T) {
	ctx := context.Background()
	embedder := new(MockEmbedder)
	chunks := []models.Chunk{
		{Content: "first", Source: "a.pdf", ChunkID: 1},
		{Content: "second", Source: "a.pdf", ChunkID: 2},
	}
	embedder.On("EmbedDocuments", ctx, []string{"first", "second"}).
		Return([][]float32{{1, 0}, {0, 1}}, nil)

	got, err := GenerateEmbedding(ctx, embedder, chunks)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chunks[0], got[0].Chunk)
	assert.Equal(t, []float32{0, 1}, got[1].Embedding)
	embedder.AssertExpectations(t)
}

func TestGenerateEmbedding_NoChunks(t *testing.T) {
	embedder := new(MockEmbedder)

	got, err := GenerateEmbedding(context.Background(), embedder, nil)

	require.NoError(t, err)
	assert.Nil(t, got)
	embedder.AssertNotCalled(t, "EmbedDocuments")
}

func TestGenerateEmbedding_APIError(t *testing.T) {
	embedder := new(MockEmbedder)
	embedder.On("EmbedDocuments", mock.Anything, mock.Anything).
		Return(nil, errors.New("rate limit exceeded"))

	_, err := GenerateEmbedding(context.Background(), embedder, []models.Chunk{{Content: "x"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmbedding)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestGenerateEmbedding_CountMismatch(t *testing.T) {
	embedder := new(MockEmbedder)
	embedder.On("EmbedDocuments", mock.Anything, mock.Anything).
		Return([][]float32{{1}}, nil)

	_, err := GenerateEmbedding(context.Background(), embedder, []models.Chunk{{Content: "x"}, {Content: "y"}})

	assert.ErrorIs(t, err, models.ErrEmbedding)
}

func TestEmbeddingFunc(t *testing.T) {
	ctx := context.Background()
	embedder := new(MockEmbedder)
	embedder.On("EmbedQuery", ctx, "counter").Return([]float32{0.5, 0.5}, nil)
	embedder.On("EmbedQuery", ctx, "boom").Return(nil, errors.New("down"))

	fn := EmbeddingFunc(embedder)

	vector, err := fn(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vector)

	_, err = fn(ctx, "boom")
	assert.ErrorIs(t, err, models.ErrEmbedding)
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	_, err := NewEmbedder(&config.LLMConfig{Provider: "bedrock"})

	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestNewEmbedder_OpenAI(t *testing.T) {
	embedder, err := NewEmbedder(&config.LLMConfig{
		Provider:  config.ProviderOpenAI,
		Model:     "text-embedding-3-small",
		Key:       "Bearer sk-test",
		BatchSize: 16,
	})

	require.NoError(t, err)
	assert.Equal(t, 16, embedder.BatchSize)
}
