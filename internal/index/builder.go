package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"compactbot/internal/chromemdb"
	"compactbot/internal/config"
	"compactbot/internal/db"
	"compactbot/internal/embedding"
	"compactbot/internal/models"
	"compactbot/internal/parser"
)

// BuildStats summarises what a build did or would do.
type BuildStats struct {
	Documents   int
	Chunks      int
	Fingerprint string
}

// Builder returns the vector index for the configured corpus, building it on
// first use and reusing the persisted one afterwards. The result is cached for
// the lifetime of the Builder.
type Builder struct {
	cfg      *config.Config
	embedder embeddings.Embedder

	mu     sync.Mutex
	cached VectorIndex
}

func NewBuilder(cfg *config.Config, embedder embeddings.Embedder) *Builder {
	return &Builder{cfg: cfg, embedder: embedder}
}

// GetOrBuild returns the cached index, the persisted one when its manifest is
// current, or a freshly built one. Failures are not cached.
func (b *Builder) GetOrBuild(ctx context.Context) (VectorIndex, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		return b.cached, nil
	}

	idx, err := b.loadPersisted(ctx)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx, _, err = b.build(ctx)
		if err != nil {
			return nil, err
		}
	}
	b.cached = idx
	return idx, nil
}

// Rebuild ignores any persisted index and builds from the corpus.
func (b *Builder) Rebuild(ctx context.Context) (VectorIndex, BuildStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		if err := b.cached.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close previous index")
		}
		b.cached = nil
	}

	idx, stats, err := b.build(ctx)
	if err != nil {
		return nil, stats, err
	}
	b.cached = idx
	return idx, stats, nil
}

// Plan loads and chunks the corpus without embedding or storing anything.
func (b *Builder) Plan() (BuildStats, error) {
	docs, chunks, err := b.loadCorpus()
	if err != nil {
		return BuildStats{}, err
	}
	return BuildStats{Documents: len(docs), Chunks: len(chunks), Fingerprint: Fingerprint(b.cfg, docs)}, nil
}

// loadPersisted returns nil when no usable index is on disk.
func (b *Builder) loadPersisted(ctx context.Context) (VectorIndex, error) {
	path := ManifestPath(b.cfg)
	manifest, err := ReadManifest(path)
	if err != nil {
		log.Warn().Err(err).Str("manifest", path).Msg("Ignoring unreadable manifest")
		return nil, nil
	}
	if manifest == nil {
		log.Info().Str("persist_dir", b.cfg.RAG.PersistDir).Msg("No persisted index found")
		return nil, nil
	}

	if !b.cfg.RAG.SkipFingerprint {
		fp, err := CurrentFingerprint(b.cfg)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Could not fingerprint corpus, reusing persisted index")
		case fp != manifest.Fingerprint:
			log.Info().
				Str("persisted", manifest.Fingerprint).
				Str("current", fp).
				Msg("Corpus or settings changed, rebuilding index")
			return nil, nil
		}
	}

	idx, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("chunks", manifest.Chunks).
		Time("built_at", manifest.BuiltAt).
		Msg("Loaded persisted index")
	return idx, nil
}

func (b *Builder) loadCorpus() ([]models.Document, []models.Chunk, error) {
	docs, err := parser.LoadDirectory(b.cfg.RAG.DocsDir, b.cfg.RAG.Extensions)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := parser.SplitDocuments(docs, b.cfg.RAG.ChunkSize, b.cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, nil, err
	}
	return docs, chunks, nil
}

// build runs load, chunk, embed, then store. The backend is only opened once
// the corpus has been embedded, and the manifest is written last.
func (b *Builder) build(ctx context.Context) (VectorIndex, BuildStats, error) {
	start := time.Now()

	docs, chunks, err := b.loadCorpus()
	if err != nil {
		return nil, BuildStats{}, err
	}
	// hash what was parsed, not a second read of the files
	fp := Fingerprint(b.cfg, docs)
	stats := BuildStats{Documents: len(docs), Chunks: len(chunks), Fingerprint: fp}
	log.Info().Int("documents", stats.Documents).Int("chunks", stats.Chunks).Msg("Building index")

	entries, err := embedding.GenerateEmbedding(ctx, b.embedder, chunks)
	if err != nil {
		return nil, stats, err
	}

	path := ManifestPath(b.cfg)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, stats, fmt.Errorf("failed to invalidate manifest: %w", err)
	}

	idx, err := b.open(ctx)
	if err != nil {
		return nil, stats, err
	}
	if err := b.fill(ctx, idx, entries); err != nil {
		idx.Close()
		return nil, stats, err
	}

	err = writeManifest(path, &Manifest{
		Fingerprint:    fp,
		Backend:        b.cfg.RAG.Backend,
		Collection:     b.cfg.RAG.Collection,
		EmbeddingModel: b.cfg.EmbedLLM.Model,
		ChunkSize:      b.cfg.RAG.ChunkSize,
		ChunkOverlap:   b.cfg.RAG.ChunkOverlap,
		Documents:      stats.Documents,
		Chunks:         stats.Chunks,
		BuiltAt:        time.Now().UTC(),
	})
	if err != nil {
		idx.Close()
		return nil, stats, err
	}

	log.Info().Dur("took", time.Since(start)).Int("chunks", stats.Chunks).Msg("Index built")
	return idx, stats, nil
}

func (b *Builder) fill(ctx context.Context, idx VectorIndex, entries []models.ChunkEmbedding) error {
	if err := idx.Reset(ctx); err != nil {
		return err
	}
	return idx.Add(ctx, entries)
}

func (b *Builder) open(ctx context.Context) (VectorIndex, error) {
	r := b.cfg.RAG
	switch r.Backend {
	case config.BackendPgvector:
		d := b.cfg.Database
		return db.NewVectorStore(ctx, db.NewDB(db.ConnectDB(d.DSN, d.Password), d.Debug), r.Collection, b.embedder)
	case config.BackendChromem:
		return chromemdb.NewVectorDBManager(r.PersistDir, r.Collection, false, r.EncryptionKey, embedding.EmbeddingFunc(b.embedder))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", models.ErrInvalidConfig, r.Backend)
	}
}
