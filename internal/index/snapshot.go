package index

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"compactbot/internal/models"
)

// Exporter is implemented by backends that can snapshot themselves to a file.
type Exporter interface {
	Export(filePath string) error
}

// Importer replaces a backend's contents with a snapshot written by Exporter.
type Importer interface {
	Import(filePath string) error
}

// SnapshotManifestPath is where Export puts the manifest of a snapshot.
func SnapshotManifestPath(snapshot string) string {
	return snapshot + ".manifest.yaml"
}

// Export snapshots the current index to path and writes its manifest next to it.
func (b *Builder) Export(ctx context.Context, path string) error {
	idx, err := b.GetOrBuild(ctx)
	if err != nil {
		return err
	}
	exporter, ok := idx.(Exporter)
	if !ok {
		return fmt.Errorf("%w: backend %q does not support snapshots", models.ErrInvalidConfig, b.cfg.RAG.Backend)
	}

	manifest, err := ReadManifest(ManifestPath(b.cfg))
	if err != nil {
		return err
	}
	if manifest == nil {
		return fmt.Errorf("no manifest at %s", ManifestPath(b.cfg))
	}

	if err := exporter.Export(path); err != nil {
		return err
	}
	if err := writeManifest(SnapshotManifestPath(path), manifest); err != nil {
		return err
	}
	log.Info().Str("file", path).Int("chunks", manifest.Chunks).Msg("Exported vector index")
	return nil
}

// Import replaces the persisted index with a snapshot and installs the
// snapshot's manifest. The fingerprint is kept as exported, so a snapshot of a
// different corpus is rebuilt on the next load.
func (b *Builder) Import(ctx context.Context, path string) (VectorIndex, error) {
	manifestPath := SnapshotManifestPath(path)
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: snapshot manifest %s not found", models.ErrInvalidConfig, manifestPath)
	}
	if manifest.Backend != b.cfg.RAG.Backend || manifest.Collection != b.cfg.RAG.Collection {
		return nil, fmt.Errorf("%w: snapshot holds %s collection %q, config uses %s collection %q",
			models.ErrInvalidConfig, manifest.Backend, manifest.Collection, b.cfg.RAG.Backend, b.cfg.RAG.Collection)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil {
		if err := b.cached.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close previous index")
		}
		b.cached = nil
	}

	target := ManifestPath(b.cfg)
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to invalidate manifest: %w", err)
	}

	idx, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.restore(ctx, idx, path, manifest); err != nil {
		idx.Close()
		return nil, err
	}
	if err := writeManifest(target, manifest); err != nil {
		idx.Close()
		return nil, err
	}

	if fp, err := CurrentFingerprint(b.cfg); err == nil && fp != manifest.Fingerprint {
		log.Warn().Str("file", path).Msg("Snapshot does not match the corpus, it will be rebuilt on the next load")
	}
	log.Info().Str("file", path).Int("chunks", manifest.Chunks).Msg("Imported vector index")

	b.cached = idx
	return idx, nil
}

func (b *Builder) restore(ctx context.Context, idx VectorIndex, path string, manifest *Manifest) error {
	importer, ok := idx.(Importer)
	if !ok {
		return fmt.Errorf("%w: backend %q does not support snapshots", models.ErrInvalidConfig, b.cfg.RAG.Backend)
	}
	if err := idx.Reset(ctx); err != nil {
		return err
	}
	if err := importer.Import(path); err != nil {
		return err
	}

	n, err := idx.Count(ctx)
	if err != nil {
		return err
	}
	if n != manifest.Chunks {
		return fmt.Errorf("snapshot %s holds %d chunks, manifest says %d", path, n, manifest.Chunks)
	}
	return nil
}
