package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"
)

// rrfK is the reciprocal-rank-fusion constant.
const rrfK = 60

// Hit is one ranked result from either retrieval surface.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

type keywordDoc struct {
	Text string `json:"text"`
}

// ChunkMeta is what the keyword index remembers about an indexed chunk, so
// fused keyword-only hits can still contribute their text and attribution.
type ChunkMeta struct {
	SourceID    string
	Title       string
	Description string
	Text        string
}

// Keyword is a memory-only BM25 index over chunk text. It is rebuilt from
// stored contents at startup and updated as sources are (re)ingested.
type Keyword struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]ChunkMeta
}

func NewKeyword() (*Keyword, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve: %w", err)
	}
	return &Keyword{index: idx, meta: make(map[string]ChunkMeta)}, nil
}

func (k *Keyword) Index(id string, m ChunkMeta) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.index.Index(id, keywordDoc{Text: m.Text}); err != nil {
		return err
	}
	k.meta[id] = m
	return nil
}

func (k *Keyword) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.meta, id)
	return k.index.Delete(id)
}

// DeleteBySource drops every chunk indexed for the source.
func (k *Keyword) DeleteBySource(sourceID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, m := range k.meta {
		if m.SourceID == sourceID {
			if err := k.index.Delete(id); err != nil {
				return err
			}
			delete(k.meta, id)
		}
	}
	return nil
}

// Meta returns the remembered metadata for an indexed chunk.
func (k *Keyword) Meta(id string) (ChunkMeta, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.meta[id]
	return m, ok
}

func (k *Keyword) Search(q string, topK int) ([]Hit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, topK*3, 0, false)
	res, err := k.index.Search(req)
	if err != nil {
		return nil, err
	}
	var out []Hit
	for i, hit := range res.Hits {
		out = append(out, Hit{ID: hit.ID, Score: hit.Score, Rank: i + 1})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// FuseRRF merges two ranked lists with reciprocal-rank fusion and returns the
// top k ids by fused score.
func FuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		item  Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			x, ok := m[h.ID]
			if !ok {
				x = &agg{item: h}
				m[h.ID] = x
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)

	fused := make([]Hit, 0, len(m))
	for _, v := range m {
		h := v.item
		h.Score = v.score
		fused = append(fused, h)
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	if len(fused) > k {
		fused = fused[:k]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}
	return fused
}
