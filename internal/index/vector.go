// Package index provides the retrieval surfaces: a pgvector-backed vector
// index and an in-memory bleve keyword index, fused with reciprocal-rank
// fusion for hybrid queries.
package index

import (
	"context"

	"github.com/campuskb/campuskb/internal/store"
)

// VectorIndex stores and queries chunk embeddings keyed by chunk id.
// Upserts with an existing id overwrite, which makes re-ingestion idempotent.
type VectorIndex interface {
	Upsert(ctx context.Context, records []store.ChunkEmbedding) error
	Query(ctx context.Context, ownerID string, vector []float32, topK int) ([]store.ChunkMatch, error)
	DeleteBySource(ctx context.Context, sourceID string) error
	DeleteAll(ctx context.Context, ownerID string) (int64, error)
}

// PgVector implements VectorIndex on the Postgres store's pgvector column.
type PgVector struct {
	store *store.Store
	dims  int
}

func NewPgVector(s *store.Store, dims int) *PgVector {
	if dims <= 0 {
		dims = store.DefaultEmbeddingDimensions
	}
	return &PgVector{store: s, dims: dims}
}

func (p *PgVector) Upsert(ctx context.Context, records []store.ChunkEmbedding) error {
	return p.store.UpsertChunkEmbeddings(ctx, p.dims, records)
}

func (p *PgVector) Query(ctx context.Context, ownerID string, vector []float32, topK int) ([]store.ChunkMatch, error) {
	return p.store.SearchChunkEmbeddings(ctx, ownerID, vector, topK)
}

func (p *PgVector) DeleteBySource(ctx context.Context, sourceID string) error {
	return p.store.DeleteChunksBySource(ctx, sourceID)
}

func (p *PgVector) DeleteAll(ctx context.Context, ownerID string) (int64, error) {
	return p.store.DeleteAllChunks(ctx, ownerID)
}
