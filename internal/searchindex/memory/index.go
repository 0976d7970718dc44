// Package memory implements the search index in process with a TF-IDF
// more-like-this query. Useful for tests and single-host runs without a search engine.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"skulink/internal/domain"
)

// Config controls query term selection, matching the search engine's more-like-this knobs.
type Config struct {
	MinTermFreq   int
	MinDocFreq    int
	MaxQueryTerms int
}

type document struct {
	seq   int
	terms map[string]int
}

type pendingDoc struct {
	id  uuid.UUID
	doc *document
}

// Index keeps searchable documents plus writes not yet made visible by Refresh.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	tok     *tokenizer
	docs    map[uuid.UUID]*document
	df      map[string]int
	pending []pendingDoc
	nextSeq int
}

// New returns an empty index.
func New(cfg Config) *Index {
	if cfg.MinTermFreq <= 0 {
		cfg.MinTermFreq = 1
	}
	if cfg.MinDocFreq <= 0 {
		cfg.MinDocFreq = 1
	}
	if cfg.MaxQueryTerms <= 0 {
		cfg.MaxQueryTerms = 12
	}
	return &Index{
		cfg:  cfg,
		tok:  newTokenizer(),
		docs: make(map[uuid.UUID]*document),
		df:   make(map[string]int),
	}
}

func (x *Index) Init(ctx context.Context) error { return ctx.Err() }

// Replicate stages one document per SKU. Documents become searchable on Refresh.
func (x *Index) Replicate(ctx context.Context, skus []domain.SKU) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := make([]pendingDoc, 0, len(skus))
	for _, sku := range skus {
		terms := x.tok.documentTerms(domain.NewSearchDocument(sku))
		staged = append(staged, pendingDoc{id: sku.UUID, doc: &document{terms: terms}})
	}
	x.mu.Lock()
	x.pending = append(x.pending, staged...)
	x.mu.Unlock()
	return nil
}

// Refresh applies staged documents in order, replacing earlier versions of the same id.
func (x *Index) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range x.pending {
		if old, ok := x.docs[p.id]; ok {
			p.doc.seq = old.seq
			x.adjustDF(old.terms, -1)
		} else {
			p.doc.seq = x.nextSeq
			x.nextSeq++
		}
		x.docs[p.id] = p.doc
		x.adjustDF(p.doc.terms, 1)
	}
	x.pending = nil
	return nil
}

func (x *Index) adjustDF(terms map[string]int, delta int) {
	for t := range terms {
		x.df[t] += delta
		if x.df[t] <= 0 {
			delete(x.df, t)
		}
	}
}

// Reset drops every document, including staged ones.
func (x *Index) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[uuid.UUID]*document)
	x.df = make(map[string]int)
	x.pending = nil
	x.nextSeq = 0
	return nil
}

// Len returns the number of searchable documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

type hit struct {
	id    uuid.UUID
	seq   int
	score float64
}

// FindSimilar picks the seed's highest weighted terms and ranks every other document
// by cosine similarity over those terms. Equal scores keep indexing order.
func (x *Index) FindSimilar(ctx context.Context, id uuid.UUID, maxResults int) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	seed, ok := x.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	query := x.queryTerms(seed)
	if len(query) == 0 {
		return []uuid.UUID{}, nil
	}

	hits := make([]hit, 0)
	for did, d := range x.docs {
		if did == id {
			continue
		}
		if score := x.score(query, d); score > 0 {
			hits = append(hits, hit{id: did, seq: d.seq, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (x *Index) idf(term string) float64 {
	n := float64(len(x.docs))
	return math.Log((1+n)/(1+float64(x.df[term]))) + 1.0
}

// queryTerms returns the L2-normalized weights of the seed's top terms.
func (x *Index) queryTerms(seed *document) map[string]float64 {
	type weighted struct {
		term string
		w    float64
	}
	cands := make([]weighted, 0, len(seed.terms))
	for t, tf := range seed.terms {
		if tf < x.cfg.MinTermFreq || x.df[t] < x.cfg.MinDocFreq {
			continue
		}
		cands = append(cands, weighted{term: t, w: float64(tf) * x.idf(t)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].w != cands[j].w {
			return cands[i].w > cands[j].w
		}
		return cands[i].term < cands[j].term
	})
	if len(cands) > x.cfg.MaxQueryTerms {
		cands = cands[:x.cfg.MaxQueryTerms]
	}
	q := make(map[string]float64, len(cands))
	norm := 0.0
	for _, c := range cands {
		q[c.term] = c.w
		norm += c.w * c.w
	}
	norm = math.Sqrt(norm)
	for t := range q {
		q[t] /= norm
	}
	return q
}

func (x *Index) score(query map[string]float64, d *document) float64 {
	norm := 0.0
	for t, tf := range d.terms {
		w := float64(tf) * x.idf(t)
		norm += w * w
	}
	if norm == 0 {
		return 0
	}
	sum := 0.0
	for t, qw := range query {
		if tf, ok := d.terms[t]; ok {
			sum += qw * float64(tf) * x.idf(t)
		}
	}
	return sum / math.Sqrt(norm)
}

func (x *Index) Close() error { return nil }

var _ domain.SearchIndex = (*Index)(nil)
