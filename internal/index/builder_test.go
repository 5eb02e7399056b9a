package index

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compactbot/internal/config"
	"compactbot/internal/models"
	"compactbot/internal/parser"
)

const dims = 16

// wordEmbedder hashes words into a small vector. The last component is
// constant so no vector is ever zero.
type wordEmbedder struct {
	docCalls atomic.Int32
	fail     error
}

func (e *wordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.docCalls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.EmbedQuery(ctx, t)
	}
	return out, nil
}

func (e *wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%(dims-1)]++
	}
	v[dims-1] = 0.1
	return v, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.RAG.DocsDir = filepath.Join(root, "Docs")
	cfg.RAG.PersistDir = filepath.Join(root, "chroma_db")
	cfg.RAG.Extensions = []string{".txt"}
	cfg.RAG.ChunkSize = 40
	cfg.RAG.ChunkOverlap = 5
	require.NoError(t, os.Mkdir(cfg.RAG.DocsDir, 0o755))
	return cfg
}

func writeDoc(t *testing.T, cfg *config.Config, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.RAG.DocsDir, name), []byte(content), 0o644))
}

func seedCorpus(t *testing.T, cfg *config.Config) {
	writeDoc(t, cfg, "counter.txt", "The Counter ledger type supports increment and decrement operations on a shared value.")
	writeDoc(t, cfg, "circuits.txt", "Exported circuits are entry points. Witnesses supply private data to circuits.")
}

func TestGetOrBuild_BuildsAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)
	embedder := &wordEmbedder{}

	idx, err := NewBuilder(cfg, embedder).GetOrBuild(ctx)
	require.NoError(t, err)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)

	manifest, err := ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, n, manifest.Chunks)
	assert.Equal(t, 2, manifest.Documents)
	assert.Equal(t, config.BackendChromem, manifest.Backend)
}

func TestGetOrBuild_LoadPathEqualsBuildPath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	built, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(ctx)
	require.NoError(t, err)
	want, err := built.Search(ctx, "counter increment", 3)
	require.NoError(t, err)

	second := &wordEmbedder{}
	loaded, err := NewBuilder(cfg, second).GetOrBuild(ctx)
	require.NoError(t, err)
	got, err := loaded.Search(ctx, "counter increment", 3)
	require.NoError(t, err)

	assert.Zero(t, second.docCalls.Load(), "persisted index must not be re-embedded")
	assert.Equal(t, want, got)
}

func TestGetOrBuild_CachesResult(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)
	embedder := &wordEmbedder{}
	b := NewBuilder(cfg, embedder)

	first, err := b.GetOrBuild(ctx)
	require.NoError(t, err)
	second, err := b.GetOrBuild(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, embedder.docCalls.Load())
}

func TestGetOrBuild_FingerprintChangeRebuilds(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	_, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(ctx)
	require.NoError(t, err)
	before, err := ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)

	writeDoc(t, cfg, "witness.txt", "Witness functions run locally.")
	embedder := &wordEmbedder{}
	idx, err := NewBuilder(cfg, embedder).GetOrBuild(ctx)
	require.NoError(t, err)

	after, err := ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)
	assert.EqualValues(t, 1, embedder.docCalls.Load())
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.Equal(t, 3, after.Documents)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, after.Chunks, n)
}

func TestGetOrBuild_SkipFingerprintReusesIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	_, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(ctx)
	require.NoError(t, err)

	writeDoc(t, cfg, "witness.txt", "Witness functions run locally.")
	cfg.RAG.SkipFingerprint = true
	embedder := &wordEmbedder{}
	_, err = NewBuilder(cfg, embedder).GetOrBuild(ctx)
	require.NoError(t, err)

	assert.Zero(t, embedder.docCalls.Load())
}

func TestGetOrBuild_EmptyCorpus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	idx, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(ctx)
	require.NoError(t, err)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	results, err := idx.Search(ctx, "anything", 4)
	require.NoError(t, err)
	assert.Empty(t, results)

	manifest, err := ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Zero(t, manifest.Chunks)
}

func TestGetOrBuild_MissingCorpusPersistsNothing(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Remove(cfg.RAG.DocsDir))

	_, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCorpusLoad)
	_, statErr := os.Stat(cfg.RAG.PersistDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGetOrBuild_EmbeddingFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)
	embedder := &wordEmbedder{fail: errors.New("quota exceeded")}
	b := NewBuilder(cfg, embedder)

	_, err := b.GetOrBuild(ctx)
	require.ErrorIs(t, err, models.ErrEmbedding)
	_, statErr := os.Stat(ManifestPath(cfg))
	assert.True(t, os.IsNotExist(statErr))

	embedder.fail = nil
	idx, err := b.GetOrBuild(ctx)
	require.NoError(t, err)
	assert.NotNil(t, idx)
	assert.EqualValues(t, 2, embedder.docCalls.Load())
}

func TestSearch_BoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	idx, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(ctx)
	require.NoError(t, err)
	n, err := idx.Count(ctx)
	require.NoError(t, err)

	for _, k := range []int{1, 2, n, n + 5} {
		results, err := idx.Search(ctx, "circuits witnesses", k)
		require.NoError(t, err)
		assert.Len(t, results, min(k, n))
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
		}
	}
}

func TestRebuild_ForcesBuild(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedCorpus(t, cfg)
	embedder := &wordEmbedder{}
	b := NewBuilder(cfg, embedder)

	_, err := b.GetOrBuild(ctx)
	require.NoError(t, err)
	idx, stats, err := b.Rebuild(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 2, embedder.docCalls.Load())
	assert.Equal(t, 2, stats.Documents)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, n)
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t)
	seedCorpus(t, cfg)
	embedder := &wordEmbedder{}

	stats, err := NewBuilder(cfg, embedder).Plan()
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Documents)
	assert.Positive(t, stats.Chunks)
	assert.NotEmpty(t, stats.Fingerprint)
	assert.Zero(t, embedder.docCalls.Load())
	_, statErr := os.Stat(cfg.RAG.PersistDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFingerprint_SensitiveToSettings(t *testing.T) {
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	a, err := CurrentFingerprint(cfg)
	require.NoError(t, err)
	b, err := CurrentFingerprint(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cfg.RAG.ChunkOverlap = 6
	c, err := CurrentFingerprint(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFingerprint_CoversParsedBytes(t *testing.T) {
	cfg := testConfig(t)
	seedCorpus(t, cfg)

	idx, err := NewBuilder(cfg, &wordEmbedder{}).GetOrBuild(context.Background())
	require.NoError(t, err)
	defer idx.Close()

	manifest, err := ReadManifest(ManifestPath(cfg))
	require.NoError(t, err)
	docs, err := parser.LoadDirectory(cfg.RAG.DocsDir, cfg.RAG.Extensions)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(cfg, docs), manifest.Fingerprint)

	// the stored fingerprint follows the documents, not whatever is on disk later
	edited := append([]models.Document(nil), docs...)
	edited[0].Digest = parser.Digest([]byte("edited after load"))
	assert.NotEqual(t, manifest.Fingerprint, Fingerprint(cfg, edited))

	current, err := CurrentFingerprint(cfg)
	require.NoError(t, err)
	assert.Equal(t, manifest.Fingerprint, current)
}
