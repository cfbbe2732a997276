package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// ErrNotFound is returned when a row does not exist or belongs to another owner.
var ErrNotFound = errors.New("not found")

// Source statuses; transitions are driven exclusively by the ingestion pipeline.
const (
	StatusUnknown    = "unknown"
	StatusPending    = "pending"
	StatusScraping   = "scraping"
	StatusProcessing = "processing"
	StatusEmbedding  = "embedding"
	StatusActive     = "active"
	StatusError      = "error"
)

// Source kinds.
const (
	KindURL      = "url"
	KindDocument = "document"
)

// InFlightStatuses are the states a source occupies while an ingestion run owns it.
var InFlightStatuses = []string{StatusPending, StatusScraping, StatusProcessing, StatusEmbedding}

// DefaultEmbeddingDimensions indicates the expected length of vectors stored in the pgvector column.
const DefaultEmbeddingDimensions = 1536

// Progress reports how far an in-flight ingestion run has advanced.
type Progress struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// StatusDetail is the embedded per-run status block on a source.
type StatusDetail struct {
	CurrentAttempt int       `json:"current_attempt,omitempty"`
	MaxAttempts    int       `json:"max_attempts,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Progress       *Progress `json:"progress,omitempty"`
	LastUpdate     time.Time `json:"last_update"`
}

// Source is a registered origin tracked through the ingestion state machine.
type Source struct {
	ID                string       `json:"id"`
	Kind              string       `json:"kind"`
	Origin            string       `json:"origin"`
	Title             string       `json:"title,omitempty"`
	Status            string       `json:"status"`
	Detail            StatusDetail `json:"status_detail"`
	OwnerID           string       `json:"owner_id"`
	LastScraped       *time.Time   `json:"last_scraped,omitempty"`
	EmbeddingCount    int          `json:"embedding_count"`
	EmbeddingsUpdated *time.Time   `json:"embeddings_updated,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// SourceContent is the extracted payload of a source's latest successful fetch.
type SourceContent struct {
	SourceID      string    `json:"source_id"`
	OwnerID       string    `json:"owner_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Body          string    `json:"body"`
	ContentLength int       `json:"content_length"`
	StatusCode    int       `json:"status_code"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// ChunkEmbedding is one stored vector with its chunk metadata.
// ID follows the "{sourceID}-chunk-{index}" scheme so re-ingestion overwrites.
type ChunkEmbedding struct {
	ID         string
	SourceID   string
	OwnerID    string
	ChunkIndex int
	Vector     []float32
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// ChunkMatch is a similarity search hit.
type ChunkMatch struct {
	ID         string
	SourceID   string
	ChunkIndex int
	Score      float64
	Metadata   map[string]interface{}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash, created_at)
VALUES ($1,$2,$3,NOW())
`, uuid.NewString(), email, passwordHash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, passwordHash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &passwordHash)
	return
}

// Source operations

// CreateSource registers a new source in the unknown state.
// A duplicate (owner_id, origin) pair surfaces as a pq unique violation.
func (s *Store) CreateSource(ctx context.Context, ownerID, kind, origin, title string) (Source, error) {
	id := uuid.NewString()
	detail, _ := json.Marshal(StatusDetail{LastUpdate: time.Now().UTC()})
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (id, kind, origin, title, status, status_detail, owner_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
RETURNING created_at, updated_at
`, id, kind, origin, nullableString(title), StatusUnknown, detail, ownerID)
	src := Source{ID: id, Kind: kind, Origin: origin, Title: title, Status: StatusUnknown, OwnerID: ownerID}
	if err := row.Scan(&src.CreatedAt, &src.UpdatedAt); err != nil {
		return Source{}, err
	}
	return src, nil
}

func (s *Store) GetSource(ctx context.Context, id, ownerID string) (Source, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, kind, origin, title, status, status_detail, owner_id, last_scraped, embedding_count, embeddings_updated, created_at, updated_at
FROM sources WHERE id=$1 AND owner_id=$2
`, id, ownerID)
	return scanSource(row)
}

func (s *Store) ListSources(ctx context.Context, ownerID string) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, kind, origin, title, status, status_detail, owner_id, last_scraped, embedding_count, embeddings_updated, created_at, updated_at
FROM sources WHERE owner_id=$1 ORDER BY created_at
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ListActiveSourcesScrapedBefore returns active URL sources whose last scrape predates cutoff.
// Used by the scheduled refresh loop.
func (s *Store) ListActiveSourcesScrapedBefore(ctx context.Context, cutoff time.Time) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, kind, origin, title, status, status_detail, owner_id, last_scraped, embedding_count, embeddings_updated, created_at, updated_at
FROM sources WHERE status=$1 AND kind=$2 AND last_scraped IS NOT NULL AND last_scraped < $3
`, StatusActive, KindURL, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSource(ctx context.Context, id, ownerID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus atomically moves a source from one of the allowed statuses
// to the target status. Returns false when the source is not in an allowed
// status, which is how concurrent triggers lose the race.
func (s *Store) TransitionStatus(ctx context.Context, id, to string, from []string, detail *StatusDetail) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if detail != nil {
		d := *detail
		d.LastUpdate = time.Now().UTC()
		detailBytes, mErr := json.Marshal(d)
		if mErr != nil {
			return false, fmt.Errorf("marshal status detail: %w", mErr)
		}
		res, err = s.DB.ExecContext(ctx, `
UPDATE sources SET status=$2, status_detail=$3, updated_at=NOW()
WHERE id=$1 AND status = ANY($4)
`, id, to, detailBytes, arrayLiteral(from))
	} else {
		res, err = s.DB.ExecContext(ctx, `
UPDATE sources SET status=$2, updated_at=NOW()
WHERE id=$1 AND status = ANY($3)
`, id, to, arrayLiteral(from))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatusDetail overwrites the detail block without changing the status.
func (s *Store) UpdateStatusDetail(ctx context.Context, id string, detail StatusDetail) error {
	detail.LastUpdate = time.Now().UTC()
	detailBytes, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal status detail: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE sources SET status_detail=$2, updated_at=NOW() WHERE id=$1
`, id, detailBytes)
	return err
}

// MarkSourceActive finalizes a successful run: active status, scrape timestamp,
// embedding bookkeeping, completed progress and cleared error fields.
func (s *Store) MarkSourceActive(ctx context.Context, id string, chunkCount int) error {
	detail := StatusDetail{
		Progress:   &Progress{Phase: "completed", Current: chunkCount, Total: chunkCount},
		LastUpdate: time.Now().UTC(),
	}
	detailBytes, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal status detail: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE sources SET status=$2, status_detail=$3, last_scraped=NOW(), embedding_count=$4, embeddings_updated=NOW(), updated_at=NOW()
WHERE id=$1
`, id, StatusActive, detailBytes, chunkCount)
	return err
}

// MarkSourceError records a failed run. Background failures land here and
// are never surfaced to the triggering caller.
func (s *Store) MarkSourceError(ctx context.Context, id string, detail StatusDetail) error {
	detail.LastUpdate = time.Now().UTC()
	detailBytes, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal status detail: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE sources SET status=$2, status_detail=$3, updated_at=NOW() WHERE id=$1
`, id, StatusError, detailBytes)
	return err
}

// ResetSources returns all of an owner's sources to the unknown state and
// clears embedding bookkeeping. Used by bulk re-ingest and bulk delete.
func (s *Store) ResetSources(ctx context.Context, ownerID string) error {
	detail, _ := json.Marshal(StatusDetail{LastUpdate: time.Now().UTC()})
	_, err := s.DB.ExecContext(ctx, `
UPDATE sources SET status=$2, status_detail=$3, embedding_count=0, embeddings_updated=NULL, updated_at=NOW()
WHERE owner_id=$1
`, ownerID, StatusUnknown, detail)
	return err
}

// Source content operations

// UpsertSourceContent creates or replaces the extracted payload for a source.
func (s *Store) UpsertSourceContent(ctx context.Context, c SourceContent) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO source_contents (source_id, owner_id, title, description, body, content_length, status_code, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (source_id) DO UPDATE SET
  owner_id = EXCLUDED.owner_id,
  title = EXCLUDED.title,
  description = EXCLUDED.description,
  body = EXCLUDED.body,
  content_length = EXCLUDED.content_length,
  status_code = EXCLUDED.status_code,
  fetched_at = EXCLUDED.fetched_at;
`, c.SourceID, c.OwnerID, c.Title, c.Description, c.Body, c.ContentLength, c.StatusCode, c.FetchedAt)
	return err
}

func (s *Store) GetSourceContent(ctx context.Context, sourceID, ownerID string) (SourceContent, error) {
	var c SourceContent
	err := s.DB.QueryRowContext(ctx, `
SELECT source_id, owner_id, title, description, body, content_length, status_code, fetched_at
FROM source_contents WHERE source_id=$1 AND owner_id=$2
`, sourceID, ownerID).Scan(&c.SourceID, &c.OwnerID, &c.Title, &c.Description, &c.Body, &c.ContentLength, &c.StatusCode, &c.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceContent{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListSourceContents(ctx context.Context, ownerID string) ([]SourceContent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT source_id, owner_id, title, description, body, content_length, status_code, fetched_at
FROM source_contents WHERE owner_id=$1
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceContent
	for rows.Next() {
		var c SourceContent
		if err := rows.Scan(&c.SourceID, &c.OwnerID, &c.Title, &c.Description, &c.Body, &c.ContentLength, &c.StatusCode, &c.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSourceContents(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM source_contents WHERE owner_id=$1`, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Chunk embedding operations (pgvector)

// UpsertChunkEmbeddings writes a batch of vectors in a single transaction.
// Vector length is validated against dims before touching the database so a
// provider/model mismatch cannot poison the index.
func (s *Store) UpsertChunkEmbeddings(ctx context.Context, dims int, records []ChunkEmbedding) (err error) {
	if len(records) == 0 {
		return nil
	}
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}
	for _, rec := range records {
		if len(rec.Vector) != dims {
			return fmt.Errorf("embedding dimensions mismatch for %s (got %d want %d)", rec.ID, len(rec.Vector), dims)
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_embeddings (id, source_id, owner_id, chunk_index, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
  source_id = EXCLUDED.source_id,
  owner_id = EXCLUDED.owner_id,
  chunk_index = EXCLUDED.chunk_index,
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata,
  created_at = NOW();
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		vectorLiteral, vErr := encodeVectorLiteral(rec.Vector)
		if vErr != nil {
			err = vErr
			return err
		}
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		metaBytes, mErr := json.Marshal(meta)
		if mErr != nil {
			err = fmt.Errorf("marshal metadata: %w", mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, rec.ID, rec.SourceID, rec.OwnerID, rec.ChunkIndex, vectorLiteral, metaBytes); err != nil {
			return err
		}
	}
	return nil
}

// SearchChunkEmbeddings returns the topK closest chunks owned by ownerID for
// the supplied vector, scored as cosine similarity (1 - distance), best first.
func (s *Store) SearchChunkEmbeddings(ctx context.Context, ownerID string, vector []float32, topK int) ([]ChunkMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("ownerID must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, chunk_index, metadata, 1 - (embedding <=> $1::vector) AS score
FROM chunk_embeddings
WHERE owner_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, ownerID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []ChunkMatch
	for rows.Next() {
		var (
			m         ChunkMatch
			metaBytes []byte
		)
		if err := rows.Scan(&m.ID, &m.SourceID, &m.ChunkIndex, &metaBytes, &m.Score); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &m.Metadata)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) ListChunksBySource(ctx context.Context, sourceID, ownerID string) ([]ChunkEmbedding, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, owner_id, chunk_index, metadata, created_at
FROM chunk_embeddings WHERE source_id=$1 AND owner_id=$2 ORDER BY chunk_index
`, sourceID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkEmbedding
	for rows.Next() {
		var (
			rec       ChunkEmbedding
			metaBytes []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.OwnerID, &rec.ChunkIndex, &metaBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAllChunks streams every stored chunk's id, source and metadata, without
// vectors. Used to rebuild the in-memory keyword index at startup.
func (s *Store) ListAllChunks(ctx context.Context) ([]ChunkEmbedding, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, owner_id, chunk_index, metadata, created_at FROM chunk_embeddings
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkEmbedding
	for rows.Next() {
		var (
			rec       ChunkEmbedding
			metaBytes []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.OwnerID, &rec.ChunkIndex, &metaBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChunksBySource(ctx context.Context, sourceID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE source_id=$1`, sourceID)
	return err
}

func (s *Store) DeleteAllChunks(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE owner_id=$1`, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (Source, error) {
	var (
		src          Source
		title        sql.NullString
		detailBytes  []byte
		lastScraped  sql.NullTime
		embUpdated   sql.NullTime
		embeddingCnt sql.NullInt64
	)
	err := row.Scan(&src.ID, &src.Kind, &src.Origin, &title, &src.Status, &detailBytes, &src.OwnerID,
		&lastScraped, &embeddingCnt, &embUpdated, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, err
	}
	src.Title = title.String
	if len(detailBytes) > 0 {
		_ = json.Unmarshal(detailBytes, &src.Detail)
	}
	if lastScraped.Valid {
		t := lastScraped.Time
		src.LastScraped = &t
	}
	if embUpdated.Valid {
		t := embUpdated.Time
		src.EmbeddingsUpdated = &t
	}
	src.EmbeddingCount = int(embeddingCnt.Int64)
	return src, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// arrayLiteral renders a text[] literal for = ANY($n) parameters.
func arrayLiteral(items []string) string {
	escaped := make([]string, len(items))
	for i, it := range items {
		escaped[i] = `"` + strings.ReplaceAll(it, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
