package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"compactbot/internal/models"
)

// VectorDBManager encapsulates the chromem-go database operations for one
// collection of chunk embeddings.
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	embed         chromem.EmbeddingFunc
	dbPath        string
	compress      bool
	encryptionKey string
}

const (
	compress = false
	// snapshots are always gzipped
	exportCompress = true
)

// NewVectorDBManager opens (or creates) the database at dbPath and the named
// collection. embed turns query text into a vector; it must use the same model
// the stored embeddings were made with.
func NewVectorDBManager(dbPath, collectionName string, inMemory bool, encryptionKey string, embed chromem.EmbeddingFunc) (*VectorDBManager, error) {
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}

	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:            db,
		embed:         embed,
		dbPath:        dbPath,
		compress:      compress,
		encryptionKey: encryptionKey,
	}
	if _, err := m.GetOrCreateCollection(collectionName); err != nil {
		return nil, err
	}
	return m, nil
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, m.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

// Add stores chunk embeddings. An empty batch is a no-op.
func (m *VectorDBManager) Add(ctx context.Context, entries []models.ChunkEmbedding) error {
	if len(entries) == 0 {
		return nil
	}

	documents := make([]chromem.Document, len(entries))
	for i, e := range entries {
		documents[i] = toDocument(e)
	}

	err := m.collection.AddDocuments(ctx, documents, runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	log.Debug().Int("documents", len(documents)).Str("collection", m.collection.Name).Msg("Added documents")
	return nil
}

// Search returns at most k chunks most similar to query, best first. A blank
// query matches nothing.
func (m *VectorDBManager) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	count := m.collection.Count()
	if k <= 0 || count == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	k = min(k, count)

	results, err := m.SearchWithQueryOptions(ctx, chromem.QueryOptions{
		QueryText: query,
		NResults:  k,
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, fromResult(r))
	}
	return out, nil
}

// SearchWithQueryOptions runs a raw chromem query.
func (m *VectorDBManager) SearchWithQueryOptions(ctx context.Context, opts chromem.QueryOptions) ([]chromem.Result, error) {
	// exit if query or embedding is not provided
	if opts.QueryText == "" && opts.QueryEmbedding == nil {
		return nil, fmt.Errorf("%w: either query or embedding must be provided", models.ErrInvalidConfig)
	}

	results, err := m.collection.QueryWithOptions(ctx, opts)
	if err != nil {
		if errors.Is(err, models.ErrEmbedding) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	return results, nil
}

func (m *VectorDBManager) Count(_ context.Context) (int, error) {
	return m.collection.Count(), nil
}

// Reset drops the collection and recreates it empty.
func (m *VectorDBManager) Reset(_ context.Context) error {
	name := m.collection.Name
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	_, err := m.GetOrCreateCollection(name)
	return err
}

func (m *VectorDBManager) Close() error {
	return nil
}

// Export writes a gzipped snapshot of the collection to filePath, AES
// encrypted when an encryption key is configured.
func (m *VectorDBManager) Export(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("file path is required")
	}

	log.Debug().
		Str("collection", m.collection.Name).
		Str("file", filePath).
		Bool("encrypted", m.encryptionKey != "").
		Msg("Exporting collection")

	err := m.db.ExportToFile(filePath, exportCompress, m.encryptionKey, m.collection.Name)
	if err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import replaces the collection with the one stored in a snapshot.
func (m *VectorDBManager) Import(filePath string) error {
	name := m.collection.Name
	err := m.db.ImportFromFile(filePath, m.encryptionKey, name)
	if err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	_, err = m.GetOrCreateCollection(name)
	return err
}

// documentID is unique per corpus: file names within the corpus directory are unique.
func documentID(c models.Chunk) string {
	return c.Source + "#" + strconv.Itoa(c.ChunkID)
}

func toDocument(e models.ChunkEmbedding) chromem.Document {
	return chromem.Document{
		ID:      documentID(e.Chunk),
		Content: e.Content,
		Metadata: map[string]string{
			models.MetaSource:     e.Source,
			models.MetaPageNumber: strconv.Itoa(e.PageNumber),
			models.MetaChunkID:    strconv.Itoa(e.ChunkID),
			models.MetaStart:      strconv.Itoa(e.Start),
			models.MetaEnd:        strconv.Itoa(e.End),
		},
		Embedding: e.Embedding,
	}
}

func fromResult(r chromem.Result) models.SearchResult {
	atoi := func(key string) int {
		// metadata is only ever written by toDocument
		n, _ := strconv.Atoi(r.Metadata[key])
		return n
	}
	return models.SearchResult{
		Chunk: models.Chunk{
			Content:    r.Content,
			Source:     r.Metadata[models.MetaSource],
			PageNumber: atoi(models.MetaPageNumber),
			ChunkID:    atoi(models.MetaChunkID),
			Start:      atoi(models.MetaStart),
			End:        atoi(models.MetaEnd),
		},
		Similarity: r.Similarity,
	}
}
