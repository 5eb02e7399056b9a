package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"compactbot/internal/models"
)

const insertBatchSize = 500

// ChunkRecord is one embedded chunk. Rows of every collection share the table.
type ChunkRecord struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            int64           `bun:"id,pk,autoincrement"`
	Collection    string          `bun:"collection,notnull"`
	Source        string          `bun:"source,notnull"`
	Content       string          `bun:"content,notnull"`
	PageNumber    int             `bun:"page_number,notnull"`
	ChunkID       int             `bun:"chunk_id,notnull"`
	StartOffset   int             `bun:"start_offset,notnull"`
	EndOffset     int             `bun:"end_offset,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`

	Similarity float32 `bun:"similarity,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn, password string) *sql.DB {
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if password != "" {
		opts = append(opts, pgdriver.WithPassword(password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...))
}

// InitDB enables the vector extension and creates the chunks table.
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}
	_, err := db.NewCreateTable().Model((*ChunkRecord)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	return nil
}

// drop table chunks
func DropChunks(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*ChunkRecord)(nil)).IfExists().Exec(ctx)
	return err
}

// VectorStore is a pgvector backed index over one collection.
type VectorStore struct {
	db         *bun.DB
	collection string
	embedder   embeddings.Embedder
}

// NewVectorStore prepares the schema and returns a store for collection.
// Queries are embedded with embedder. The store owns db: it is closed by
// Close, or right away when the schema can't be prepared.
func NewVectorStore(ctx context.Context, db *bun.DB, collection string, embedder embeddings.Embedder) (*VectorStore, error) {
	if err := InitDB(ctx, db); err != nil {
		if cerr := db.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close database")
		}
		return nil, err
	}
	return &VectorStore{db: db, collection: collection, embedder: embedder}, nil
}

func (s *VectorStore) Add(ctx context.Context, entries []models.ChunkEmbedding) error {
	for start := 0; start < len(entries); start += insertBatchSize {
		batch := entries[start:min(start+insertBatchSize, len(entries))]
		records := make([]ChunkRecord, len(batch))
		for i, e := range batch {
			records[i] = ChunkRecord{
				Collection:  s.collection,
				Source:      e.Source,
				Content:     e.Content,
				PageNumber:  e.PageNumber,
				ChunkID:     e.ChunkID,
				StartOffset: e.Start,
				EndOffset:   e.End,
				Embedding:   pgvector.NewVector(e.Embedding),
			}
		}
		if _, err := s.db.NewInsert().Model(&records).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}
	log.Debug().Int("documents", len(entries)).Str("collection", s.collection).Msg("Stored chunks")
	return nil
}

// Search ranks the collection by cosine similarity (1 - cosine distance). A
// blank query matches nothing.
func (s *VectorStore) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	count, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbedding, err)
	}
	vec := pgvector.NewVector(embedding)

	var rows []ChunkRecord
	err = s.db.NewSelect().
		Model(&rows).
		Column("id", "collection", "source", "content", "page_number", "chunk_id", "start_offset", "end_offset").
		ColumnExpr("1 - (embedding <=> ?) AS similarity", vec).
		Where("collection = ?", s.collection).
		OrderExpr("embedding <=> ?", vec).
		OrderExpr("id").
		Limit(min(k, count)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	results := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = models.SearchResult{
			Chunk: models.Chunk{
				Content:    r.Content,
				Source:     r.Source,
				PageNumber: r.PageNumber,
				ChunkID:    r.ChunkID,
				Start:      r.StartOffset,
				End:        r.EndOffset,
			},
			Similarity: r.Similarity,
		}
	}
	return results, nil
}

func (s *VectorStore) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*ChunkRecord)(nil)).Where("collection = ?", s.collection).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Reset deletes the collection's rows.
func (s *VectorStore) Reset(ctx context.Context) error {
	_, err := s.db.NewDelete().Model((*ChunkRecord)(nil)).Where("collection = ?", s.collection).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *VectorStore) Close() error {
	return s.db.Close()
}
