package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"compactbot/internal/config"
	"compactbot/internal/helper"
	"compactbot/internal/models"
	"compactbot/internal/parser"
)

const manifestFile = "manifest.yaml"

// VectorIndex stores chunk embeddings and answers nearest neighbour queries.
type VectorIndex interface {
	Add(ctx context.Context, entries []models.ChunkEmbedding) error
	// Search returns at most k results ordered by non-increasing similarity.
	// k is clamped to Count; k <= 0 or an empty index give no results.
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Close() error
}

// Manifest describes a completed build. It is written after every entry has
// been stored, so its presence marks the index as usable.
type Manifest struct {
	Fingerprint    string    `yaml:"fingerprint"`
	Backend        string    `yaml:"backend"`
	Collection     string    `yaml:"collection"`
	EmbeddingModel string    `yaml:"embedding_model"`
	ChunkSize      int       `yaml:"chunk_size"`
	ChunkOverlap   int       `yaml:"chunk_overlap"`
	Documents      int       `yaml:"documents"`
	Chunks         int       `yaml:"chunks"`
	BuiltAt        time.Time `yaml:"built_at"`
}

// ManifestPath is where the manifest for cfg lives.
func ManifestPath(cfg *config.Config) string {
	return filepath.Join(cfg.RAG.PersistDir, manifestFile)
}

// ReadManifest returns nil and no error when no manifest exists.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := helper.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Fingerprint hashes the corpus file names and digests together with every
// setting that changes the stored vectors. docs must be in corpus order.
func Fingerprint(cfg *config.Config, docs []models.Document) string {
	h := sha256.New()
	for _, s := range []string{
		cfg.RAG.Backend,
		cfg.RAG.Collection,
		cfg.EmbedLLM.Provider,
		cfg.EmbedLLM.Model,
		strconv.Itoa(cfg.RAG.ChunkSize),
		strconv.Itoa(cfg.RAG.ChunkOverlap),
	} {
		writeField(h, []byte(s))
	}

	for _, d := range docs {
		writeField(h, []byte(d.Source))
		writeField(h, []byte(d.Digest))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentFingerprint fingerprints the corpus as it is on disk now.
func CurrentFingerprint(cfg *config.Config) (string, error) {
	docs, err := parser.DigestDirectory(cfg.RAG.DocsDir, cfg.RAG.Extensions)
	if err != nil {
		return "", err
	}
	return Fingerprint(cfg, docs), nil
}

// writeField length-prefixes b so adjacent fields can't run together.
func writeField(w io.Writer, b []byte) {
	fmt.Fprintf(w, "%d:", len(b))
	w.Write(b)
}
