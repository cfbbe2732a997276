// Package ingest runs the source ingestion pipeline: fetch, extract, chunk,
// embed and index, driving each source through its status state machine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campuskb/campuskb/config"
	"github.com/campuskb/campuskb/internal/fetch"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/metrics"
	"github.com/campuskb/campuskb/internal/store"
	"github.com/campuskb/campuskb/provider"
)

var (
	// ErrInFlight means another run already owns the source.
	ErrInFlight = errors.New("ingestion already in progress for source")
	// ErrQueueFull means the worker pool cannot accept more work right now.
	ErrQueueFull = errors.New("ingestion queue is full")
)

const (
	lockPrefix = "campuskb:ingest:lock:"
	lockTTL    = 10 * time.Minute
)

type job struct {
	source store.Source
}

// BulkResult is the per-source outcome of a bulk operation.
type BulkResult struct {
	SourceID string `json:"source_id"`
	Origin   string `json:"origin"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Orchestrator owns the ingestion worker pool and the per-source state
// machine transitions.
type Orchestrator struct {
	store    *store.Store
	fetcher  fetch.Fetcher
	embedder provider.Embedder
	vectors  index.VectorIndex
	keyword  *index.Keyword
	redis    *redis.Client
	cfg      config.IngestConfig
	logger   *log.Logger

	jobs chan job
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New builds an orchestrator. keyword and redisClient may be nil; without
// redis the SQL status CAS alone guards against duplicate runs.
func New(s *store.Store, fetcher fetch.Fetcher, embedder provider.Embedder, vectors index.VectorIndex, keyword *index.Keyword, redisClient *redis.Client, cfg config.IngestConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stdout, "[INGEST] ", log.LstdFlags)
	}
	cfg = cfg.Normalize()
	return &Orchestrator{
		store:    s,
		fetcher:  fetcher,
		embedder: embedder,
		vectors:  vectors,
		keyword:  keyword,
		redis:    redisClient,
		cfg:      cfg,
		logger:   logger,
		jobs:     make(chan job, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(workers int) {
	if workers <= 0 {
		workers = o.cfg.BulkConcurrency
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop drains the pool. In-flight runs finish; queued jobs are abandoned.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stop) })
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case j := <-o.jobs:
			o.run(context.Background(), j.source)
		case <-o.stop:
			return
		}
	}
}

// Trigger starts an asynchronous ingestion run for the source. It returns
// immediately once the source has been claimed and queued; run outcomes are
// recorded in the source's status, never returned to the caller.
func (o *Orchestrator) Trigger(ctx context.Context, sourceID, ownerID string) error {
	src, err := o.store.GetSource(ctx, sourceID, ownerID)
	if err != nil {
		return err
	}
	claimed, err := o.store.TransitionStatus(ctx, sourceID, store.StatusPending,
		[]string{store.StatusUnknown, store.StatusError, store.StatusActive}, &store.StatusDetail{})
	if err != nil {
		return fmt.Errorf("claim source: %w", err)
	}
	if !claimed {
		return ErrInFlight
	}
	if !o.acquireLock(ctx, sourceID) {
		// Lost the distributed lock despite winning the SQL CAS: another
		// instance owns the source. Put it back.
		_, _ = o.store.TransitionStatus(ctx, sourceID, src.Status, []string{store.StatusPending}, nil)
		return ErrInFlight
	}
	src.Status = store.StatusPending
	select {
	case o.jobs <- job{source: src}:
		return nil
	default:
		o.releaseLock(context.Background(), sourceID)
		metrics.IngestionRuns.WithLabelValues("rejected").Inc()
		_ = o.store.MarkSourceError(ctx, sourceID, store.StatusDetail{LastError: "ingestion queue full"})
		return ErrQueueFull
	}
}

// run drives one source through scraping, processing and embedding. Any
// failure lands the source in the error status with diagnostic detail.
func (o *Orchestrator) run(ctx context.Context, src store.Source) {
	defer o.releaseLock(ctx, src.ID)
	o.logger.Printf("ingesting source %s (%s)", src.ID, src.Origin)

	content, err := o.scrape(ctx, src)
	if err != nil {
		o.fail(ctx, src.ID, err)
		return
	}

	if _, err := o.store.TransitionStatus(ctx, src.ID, store.StatusProcessing, []string{store.StatusScraping}, nil); err != nil {
		o.fail(ctx, src.ID, fmt.Errorf("transition to processing: %w", err))
		return
	}
	chunks := SplitText(content.Body, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		o.fail(ctx, src.ID, fetch.ErrNoContent)
		return
	}

	if _, err := o.store.TransitionStatus(ctx, src.ID, store.StatusEmbedding, []string{store.StatusProcessing}, &store.StatusDetail{
		Progress: &store.Progress{Phase: "embedding", Current: 0, Total: len(chunks)},
	}); err != nil {
		o.fail(ctx, src.ID, fmt.Errorf("transition to embedding: %w", err))
		return
	}

	records, err := o.embedChunks(ctx, src, content, chunks)
	if err != nil {
		o.fail(ctx, src.ID, err)
		return
	}

	// Replace rather than merge so a shrunken source leaves no stale chunks.
	if err := o.vectors.DeleteBySource(ctx, src.ID); err != nil {
		o.fail(ctx, src.ID, fmt.Errorf("clear old vectors: %w", err))
		return
	}
	if o.keyword != nil {
		_ = o.keyword.DeleteBySource(src.ID)
	}
	for start := 0; start < len(records); start += o.cfg.UpsertBatchSize {
		end := start + o.cfg.UpsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := o.vectors.Upsert(ctx, records[start:end]); err != nil {
			o.fail(ctx, src.ID, fmt.Errorf("upsert vectors: %w", err))
			return
		}
	}
	if o.keyword != nil {
		for i, rec := range records {
			_ = o.keyword.Index(rec.ID, index.ChunkMeta{
				SourceID:    src.ID,
				Title:       content.Title,
				Description: content.Description,
				Text:        chunks[i],
			})
		}
	}

	if err := o.store.MarkSourceActive(ctx, src.ID, len(records)); err != nil {
		o.logger.Printf("mark active %s: %v", src.ID, err)
		return
	}
	metrics.IngestionRuns.WithLabelValues("active").Inc()
	metrics.IngestionChunks.Add(float64(len(records)))
	o.logger.Printf("source %s active with %d chunks", src.ID, len(records))
}

// scrape moves the source to scraping and produces its content: fetched and
// extracted for URL sources, loaded from storage for document sources.
func (o *Orchestrator) scrape(ctx context.Context, src store.Source) (store.SourceContent, error) {
	if _, err := o.store.TransitionStatus(ctx, src.ID, store.StatusScraping, []string{store.StatusPending}, &store.StatusDetail{
		CurrentAttempt: 1,
		MaxAttempts:    o.cfg.MaxAttempts,
	}); err != nil {
		return store.SourceContent{}, fmt.Errorf("transition to scraping: %w", err)
	}

	if src.Kind == store.KindDocument {
		content, err := o.store.GetSourceContent(ctx, src.ID, src.OwnerID)
		if err != nil {
			return store.SourceContent{}, fmt.Errorf("load document body: %w", err)
		}
		return content, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout*time.Duration(o.cfg.MaxAttempts)+time.Minute)
	defer cancel()
	res, err := o.fetcher.Fetch(fetchCtx, src.Origin)
	if err != nil {
		return store.SourceContent{}, err
	}
	content := store.SourceContent{
		SourceID:      src.ID,
		OwnerID:       src.OwnerID,
		Title:         res.Title,
		Description:   res.Description,
		Body:          res.Body,
		ContentLength: res.ContentLength,
		StatusCode:    res.StatusCode,
		FetchedAt:     res.FetchedAt,
	}
	if err := o.store.UpsertSourceContent(ctx, content); err != nil {
		return store.SourceContent{}, fmt.Errorf("store content: %w", err)
	}
	return content, nil
}

// embedChunks batches chunk texts through the embedder and builds the vector
// records, reporting progress into the status detail as batches complete.
func (o *Orchestrator) embedChunks(ctx context.Context, src store.Source, content store.SourceContent, chunks []string) ([]store.ChunkEmbedding, error) {
	records := make([]store.ChunkEmbedding, 0, len(chunks))
	for start := 0; start < len(chunks); start += o.cfg.EmbedBatchSize {
		end := start + o.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		vecs, err := o.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d..%d: %w", start, end-1, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed chunks: got %d vectors for %d texts", len(vecs), end-start)
		}
		for i, vec := range vecs {
			idx := start + i
			records = append(records, store.ChunkEmbedding{
				ID:         fmt.Sprintf("%s-chunk-%d", src.ID, idx),
				SourceID:   src.ID,
				OwnerID:    src.OwnerID,
				ChunkIndex: idx,
				Vector:     vec,
				Metadata: map[string]interface{}{
					"text":        chunks[idx],
					"url":         src.Origin,
					"source_id":   src.ID,
					"title":       content.Title,
					"description": content.Description,
					"chunk_index": idx,
				},
			})
		}
		_ = o.store.UpdateStatusDetail(ctx, src.ID, store.StatusDetail{
			Progress: &store.Progress{Phase: "embedding", Current: end, Total: len(chunks)},
		})
	}
	return records, nil
}

// fail records a terminal run failure in the source's status detail.
func (o *Orchestrator) fail(ctx context.Context, sourceID string, runErr error) {
	detail := store.StatusDetail{LastError: runErr.Error()}
	var fe *fetch.Error
	if errors.As(runErr, &fe) {
		detail.CurrentAttempt = fe.Attempts
		detail.MaxAttempts = o.cfg.MaxAttempts
		detail.StatusCode = fe.StatusCode
	}
	if err := o.store.MarkSourceError(ctx, sourceID, detail); err != nil {
		o.logger.Printf("mark error %s: %v", sourceID, err)
	}
	metrics.IngestionRuns.WithLabelValues("error").Inc()
	o.logger.Printf("source %s failed: %v", sourceID, runErr)
}

// ReingestAll wipes an owner's derived data and re-runs ingestion for every
// source, a few at a time with a fixed pause between batches. It blocks until
// all sources have finished and returns per-source outcomes.
func (o *Orchestrator) ReingestAll(ctx context.Context, ownerID string) ([]BulkResult, error) {
	sources, err := o.store.ListSources(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	if _, err := o.DeleteAll(ctx, ownerID); err != nil {
		return nil, err
	}

	results := make([]BulkResult, 0, len(sources))
	for start := 0; start < len(sources); start += o.cfg.BulkConcurrency {
		end := start + o.cfg.BulkConcurrency
		if end > len(sources) {
			end = len(sources)
		}
		batch := sources[start:end]

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, src := range batch {
			wg.Add(1)
			go func(src store.Source) {
				defer wg.Done()
				res := o.reingestOne(ctx, src)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}(src)
		}
		wg.Wait()

		if end < len(sources) {
			select {
			case <-time.After(o.cfg.BulkBatchDelay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
	}
	return results, nil
}

// reingestOne claims and runs a single source synchronously, bypassing the
// async queue so the bulk batch loop controls concurrency directly.
func (o *Orchestrator) reingestOne(ctx context.Context, src store.Source) BulkResult {
	claimed, err := o.store.TransitionStatus(ctx, src.ID, store.StatusPending,
		[]string{store.StatusUnknown, store.StatusError, store.StatusActive}, &store.StatusDetail{})
	if err != nil {
		return BulkResult{SourceID: src.ID, Origin: src.Origin, Status: store.StatusError, Error: err.Error()}
	}
	if !claimed {
		return BulkResult{SourceID: src.ID, Origin: src.Origin, Status: src.Status, Error: ErrInFlight.Error()}
	}
	if !o.acquireLock(ctx, src.ID) {
		_, _ = o.store.TransitionStatus(ctx, src.ID, src.Status, []string{store.StatusPending}, nil)
		return BulkResult{SourceID: src.ID, Origin: src.Origin, Status: src.Status, Error: ErrInFlight.Error()}
	}
	src.Status = store.StatusPending
	o.run(ctx, src)

	final, err := o.store.GetSource(ctx, src.ID, src.OwnerID)
	if err != nil {
		return BulkResult{SourceID: src.ID, Origin: src.Origin, Status: store.StatusError, Error: err.Error()}
	}
	res := BulkResult{SourceID: final.ID, Origin: final.Origin, Status: final.Status}
	if final.Status == store.StatusError {
		res.Error = final.Detail.LastError
	}
	return res
}

// DeleteAll removes an owner's stored contents and vectors and resets every
// source to unknown. Destructive; callers gate access to it.
func (o *Orchestrator) DeleteAll(ctx context.Context, ownerID string) (deletedVectors int64, err error) {
	if _, err := o.store.DeleteSourceContents(ctx, ownerID); err != nil {
		return 0, fmt.Errorf("delete contents: %w", err)
	}
	deleted, err := o.vectors.DeleteAll(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	if o.keyword != nil {
		sources, err := o.store.ListSources(ctx, ownerID)
		if err == nil {
			for _, src := range sources {
				_ = o.keyword.DeleteBySource(src.ID)
			}
		}
	}
	if err := o.store.ResetSources(ctx, ownerID); err != nil {
		return deleted, fmt.Errorf("reset sources: %w", err)
	}
	return deleted, nil
}

// DeleteSource removes one source and its derived data.
func (o *Orchestrator) DeleteSource(ctx context.Context, sourceID, ownerID string) error {
	if err := o.vectors.DeleteBySource(ctx, sourceID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if o.keyword != nil {
		_ = o.keyword.DeleteBySource(sourceID)
	}
	return o.store.DeleteSource(ctx, sourceID, ownerID)
}

func (o *Orchestrator) acquireLock(ctx context.Context, sourceID string) bool {
	if o.redis == nil {
		return true
	}
	ok, err := o.redis.SetNX(ctx, lockPrefix+sourceID, "1", lockTTL).Result()
	if err != nil {
		o.logger.Printf("redis lock %s: %v (proceeding on SQL claim)", sourceID, err)
		return true
	}
	return ok
}

func (o *Orchestrator) releaseLock(ctx context.Context, sourceID string) {
	if o.redis == nil {
		return
	}
	if err := o.redis.Del(ctx, lockPrefix+sourceID).Err(); err != nil {
		o.logger.Printf("redis unlock %s: %v", sourceID, err)
	}
}
