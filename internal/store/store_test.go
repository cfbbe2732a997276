package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestTransitionStatusCAS(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sources SET status=\$2`).
		WithArgs("src-1", StatusPending, `{"unknown","error"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TransitionStatus(context.Background(), "src-1", StatusPending, []string{StatusUnknown, StatusError}, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatalf("expected transition to win")
	}

	// Second caller loses the race: zero rows affected.
	mock.ExpectExec(`UPDATE sources SET status=\$2`).
		WithArgs("src-1", StatusPending, `{"unknown","error"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.TransitionStatus(context.Background(), "src-1", StatusPending, []string{StatusUnknown, StatusError}, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatalf("expected transition to lose when status not in allowed set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertChunkEmbeddingsDimensionMismatch(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.UpsertChunkEmbeddings(context.Background(), 4, []ChunkEmbedding{
		{ID: "a-chunk-0", SourceID: "a", Vector: []float32{1, 2, 3}},
	})
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestUpsertChunkEmbeddingsBatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO chunk_embeddings`)
	mock.ExpectExec(`INSERT INTO chunk_embeddings`).
		WithArgs("a-chunk-0", "a", "owner", 0, "[0.1,0.2,0.3]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO chunk_embeddings`).
		WithArgs("a-chunk-1", "a", "owner", 1, "[0.4,0.5,0.6]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertChunkEmbeddings(context.Background(), 3, []ChunkEmbedding{
		{ID: "a-chunk-0", SourceID: "a", OwnerID: "owner", ChunkIndex: 0, Vector: []float32{0.1, 0.2, 0.3}},
		{ID: "a-chunk-1", SourceID: "a", OwnerID: "owner", ChunkIndex: 1, Vector: []float32{0.4, 0.5, 0.6}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchChunkEmbeddings(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "source_id", "chunk_index", "metadata", "score"}).
		AddRow("a-chunk-0", "a", 0, []byte(`{"text":"hello"}`), 0.91).
		AddRow("b-chunk-2", "b", 2, []byte(`{}`), 0.42)
	// The owner filter must be a plain uuid comparison; conditional text
	// predicates on the same parameter do not type-check in Postgres.
	mock.ExpectQuery(`SELECT id, source_id, chunk_index, metadata, 1 - \(embedding <=> \$1::vector\)(?s:.*)WHERE owner_id = \$2`).
		WithArgs("[1,0]", "owner", 5).
		WillReturnRows(rows)

	matches, err := s.SearchChunkEmbeddings(context.Background(), "owner", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "a-chunk-0" || matches[0].Score != 0.91 {
		t.Fatalf("unexpected first match: %+v", matches[0])
	}
	if got := matches[0].Metadata["text"]; got != "hello" {
		t.Fatalf("metadata not decoded: %v", got)
	}
}

func TestSearchChunkEmbeddingsRequiresOwner(t *testing.T) {
	s, _ := newMockStore(t)
	if _, err := s.SearchChunkEmbeddings(context.Background(), "", []float32{1, 0}, 5); err == nil {
		t.Fatalf("expected error for empty owner")
	}
}

func TestGetSourceNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, kind, origin`).
		WithArgs("nope", "owner").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetSource(context.Background(), "nope", "owner")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSourceNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM sources`).
		WithArgs("nope", "owner").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteSource(context.Background(), "nope", "owner"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSourceActive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sources SET status=\$2, status_detail=\$3, last_scraped=NOW\(\)`).
		WithArgs("src-1", StatusActive, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkSourceActive(context.Background(), "src-1", 7); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScanSourceDecodesDetail(t *testing.T) {
	s, mock := newMockStore(t)

	detail := []byte(`{"current_attempt":3,"max_attempts":3,"status_code":503,"last_error":"server returned 503","last_update":"2026-01-02T03:04:05Z"}`)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "kind", "origin", "title", "status", "status_detail", "owner_id",
		"last_scraped", "embedding_count", "embeddings_updated", "created_at", "updated_at",
	}).AddRow("src-1", KindURL, "https://example.edu", "Example", StatusError, detail, "owner", nil, 0, nil, now, now)

	mock.ExpectQuery(`SELECT id, kind, origin`).
		WithArgs("src-1", "owner").
		WillReturnRows(rows)

	src, err := s.GetSource(context.Background(), "src-1", "owner")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.Status != StatusError {
		t.Fatalf("status = %q", src.Status)
	}
	if src.Detail.CurrentAttempt != 3 || src.Detail.StatusCode != 503 {
		t.Fatalf("detail not decoded: %+v", src.Detail)
	}
}

func TestEncodeVectorLiteral(t *testing.T) {
	got, err := encodeVectorLiteral([]float32{0.5, -1, 2.25})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != "[0.5,-1,2.25]" {
		t.Fatalf("literal = %q", got)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}
