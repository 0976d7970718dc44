// Package elastic implements the search index on Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"skulink/internal/domain"
)

// Config configures the Elasticsearch client and the more-like-this query.
type Config struct {
	URL           string
	Username      string
	Password      string
	Index         string
	Timeout       time.Duration
	MinTermFreq   int
	MinDocFreq    int
	MaxQueryTerms int
}

// Index is a search index backed by one Elasticsearch index.
type Index struct {
	es        *elasticsearch.Client
	transport *http.Transport
	cfg       Config
}

// similarityFields are the document fields the more-like-this query scores.
var similarityFields = []string{"title", "description", "features_text"}

const mapping = `{
  "settings": {
    "analysis": {
      "analyzer": {
        "html_text": {
          "type": "custom",
          "tokenizer": "standard",
          "char_filter": ["html_strip"],
          "filter": ["lowercase"]
        }
      }
    }
  },
  "mappings": {
    "properties": {
      "uuid":           {"type": "keyword"},
      "marketplace_id": {"type": "integer"},
      "product_id":     {"type": "long"},
      "title":          {"type": "text"},
      "description":    {"type": "text", "analyzer": "html_text"},
      "brand":          {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "features":       {"type": "flattened"},
      "features_text":  {"type": "text"}
    }
  }
}`

// New creates a client for cfg.URL. No request is made until Init.
func New(cfg Config) (*Index, error) {
	if cfg.Index == "" {
		cfg.Index = "products"
	}
	if cfg.MinTermFreq <= 0 {
		cfg.MinTermFreq = 1
	}
	if cfg.MinDocFreq <= 0 {
		cfg.MinDocFreq = 1
	}
	if cfg.MaxQueryTerms <= 0 {
		cfg.MaxQueryTerms = 12
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Index{es: es, transport: transport, cfg: cfg}, nil
}

func (x *Index) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, x.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Init creates the index with its mapping when it does not exist yet.
func (x *Index) Init(ctx context.Context) error {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()

	res, err := x.es.Indices.Exists([]string{x.cfg.Index}, x.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", x.cfg.Index, err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: %s: %w", x.cfg.Index, res.Status(), domain.ErrSearchRejected)
	}

	res, err = x.es.Indices.Create(x.cfg.Index,
		x.es.Indices.Create.WithBody(strings.NewReader(mapping)),
		x.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", x.cfg.Index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s: %w", x.cfg.Index, readError(res), domain.ErrSearchRejected)
	}
	return nil
}

// Reset deletes the index and recreates it empty.
func (x *Index) Reset(ctx context.Context) error {
	dctx, cancel := x.opCtx(ctx)
	res, err := x.es.Indices.Delete([]string{x.cfg.Index}, x.es.Indices.Delete.WithContext(dctx))
	if err != nil {
		cancel()
		return fmt.Errorf("delete index %s: %w", x.cfg.Index, err)
	}
	status := res.StatusCode
	var msg string
	if res.IsError() {
		msg = readError(res)
	}
	drain(res)
	cancel()
	if status != http.StatusNotFound && msg != "" {
		return fmt.Errorf("delete index %s: %s: %w", x.cfg.Index, msg, domain.ErrSearchRejected)
	}
	return x.Init(ctx)
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Replicate sends one bulk request indexing a document per SKU under its UUID,
// replacing any previous version. Any rejected item fails the whole call.
func (x *Index) Replicate(ctx context.Context, skus []domain.SKU) error {
	if len(skus) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, sku := range skus {
		meta := map[string]map[string]string{"index": {"_id": sku.UUID.String()}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(domain.NewSearchDocument(sku)); err != nil {
			return fmt.Errorf("encode document %s: %w", sku.UUID, err)
		}
	}

	ctx, cancel := x.opCtx(ctx)
	defer cancel()
	res, err := x.es.Bulk(&buf,
		x.es.Bulk.WithIndex(x.cfg.Index),
		x.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk request: %s: %w", readError(res), domain.ErrSearchRejected)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil
	}
	failed := 0
	var first string
	for _, item := range br.Items {
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				continue
			}
			failed++
			if first == "" {
				first = r.ID
				if r.Error != nil {
					first += ": " + r.Error.Type + ": " + r.Error.Reason
				}
			}
		}
	}
	return fmt.Errorf("bulk: %d of %d documents failed (first %s): %w", failed, len(skus), first, domain.ErrSearchRejected)
}

// Refresh makes all replicated documents searchable.
func (x *Index) Refresh(ctx context.Context) error {
	ctx, cancel := x.opCtx(ctx)
	defer cancel()
	res, err := x.es.Indices.Refresh(
		x.es.Indices.Refresh.WithIndex(x.cfg.Index),
		x.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", x.cfg.Index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refresh %s: %s: %w", x.cfg.Index, readError(res), domain.ErrSearchRejected)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID    string  `json:"_id"`
			Score float64 `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// FindSimilar runs a more-like-this query seeded by the stored document id, so the
// engine uses its own term statistics. Ordering among equal scores is engine-defined.
func (x *Index) FindSimilar(ctx context.Context, id uuid.UUID, maxResults int) ([]uuid.UUID, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	query := map[string]any{
		"_source": false,
		"query": map[string]any{
			"more_like_this": map[string]any{
				"fields":          similarityFields,
				"like":            []map[string]string{{"_index": x.cfg.Index, "_id": id.String()}},
				"min_term_freq":   x.cfg.MinTermFreq,
				"min_doc_freq":    x.cfg.MinDocFreq,
				"max_query_terms": x.cfg.MaxQueryTerms,
			},
		},
	}
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(query); err != nil {
		return nil, err
	}

	ctx, cancel := x.opCtx(ctx)
	defer cancel()
	res, err := x.es.Search(
		x.es.Search.WithContext(ctx),
		x.es.Search.WithIndex(x.cfg.Index),
		x.es.Search.WithBody(&body),
		x.es.Search.WithSize(maxResults),
	)
	if err != nil {
		return nil, fmt.Errorf("similar to %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("similar to %s: %s: %w", id, readError(res), domain.ErrSearchRejected)
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hid, err := uuid.Parse(h.ID)
		if err != nil {
			return nil, fmt.Errorf("search hit %q: %w", h.ID, err)
		}
		ids = append(ids, hid)
	}
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

// Close releases idle connections.
func (x *Index) Close() error {
	x.transport.CloseIdleConnections()
	return nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

func readError(res *esapi.Response) string {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	if len(data) == 0 {
		return res.Status()
	}
	return res.Status() + " " + string(bytes.TrimSpace(data))
}

var _ domain.SearchIndex = (*Index)(nil)
