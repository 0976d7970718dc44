package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skulink/internal/catalog/sqlite"
	"skulink/internal/domain"
	"skulink/internal/logging"
	"skulink/internal/searchindex/memory"
)

func str(s string) *string { return &s }

const phoneFeed = `<?xml version="1.0" encoding="UTF-8"?>
<yml_catalog>
  <shop>
    <offers>
      <offer id="42">
        <name>Phone X 128GB blue</name>
        <description><![CDATA[<p>Smartphone with OLED screen</p>]]></description>
        <vendor>Acme</vendor>
        <price>199.99</price>
        <categoryId>7</categoryId>
        <param name="color">blue</param>
      </offer>
      <offer id="43">
        <name>Phone X 128GB black</name>
        <description><![CDATA[<p>Smartphone with OLED screen</p>]]></description>
        <vendor>Acme</vendor>
        <price>189.99</price>
        <categoryId>7</categoryId>
        <param name="color">black</param>
      </offer>
      <offer id="44">
        <name>Electric kettle</name>
        <description>Steel kettle</description>
        <categoryId>999</categoryId>
      </offer>
    </offers>
  </shop>
</yml_catalog>`

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offers.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func numberedFeed(ids ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><yml_catalog><shop><offers>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<offer id="%s"><name>item %s</name></offer>`, id, id)
	}
	b.WriteString(`</offers></shop></yml_catalog>`)
	return b.String()
}

func seq(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	return ids
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Bootstrap(ctx))
	return st
}

func allSKUs(t *testing.T, st domain.CatalogStore) []domain.SKU {
	t.Helper()
	var out []domain.SKU
	require.NoError(t, st.Scan(context.Background(), 100, func(page []domain.SKU) error {
		out = append(out, page...)
		return nil
	}))
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	require.NoError(t, st.PutCategories(ctx, []domain.Category{
		{ID: 7, Path: domain.CategoryPath{Lvl1: str("Electronics"), Lvl2: str("Phones"), Lvl3: str("Smartphones")}},
	}))
	idx := memory.New(memory.Config{})

	p := NewPipeline(st, idx, Options{MarketplaceID: 1, BatchSize: 2}, logging.Nop())
	sum, err := p.Run(ctx, writeFeed(t, phoneFeed))
	require.NoError(t, err)
	assert.Equal(t, Summary{Ingested: 3, Replicated: 3, Linked: 3}, sum)

	byProduct := map[int64]domain.SKU{}
	for _, s := range allSKUs(t, st) {
		byProduct[s.ProductID] = s
	}
	require.Len(t, byProduct, 3)

	a, b, kettle := byProduct[42], byProduct[43], byProduct[44]
	assert.Equal(t, 1, a.MarketplaceID)
	assert.Equal(t, "Phone X 128GB blue", *a.Title)
	assert.Equal(t, "Acme", *a.Brand)
	assert.Equal(t, "Smartphones", *a.Category.Lvl3)
	assert.Equal(t, 199.99, a.PriceBeforeDiscounts)
	assert.Equal(t, 199.99, a.PriceAfterDiscounts)
	assert.Equal(t, map[string]string{"color": "blue"}, a.Features)
	assert.Equal(t, domain.CategoryPath{}, kettle.Category)
	assert.Equal(t, 0.0, kettle.PriceAfterDiscounts)

	require.NotEmpty(t, a.SimilarSKU)
	require.NotEmpty(t, b.SimilarSKU)
	assert.Equal(t, b.UUID, a.SimilarSKU[0])
	assert.Equal(t, a.UUID, b.SimilarSKU[0])
	for _, s := range byProduct {
		assert.NotContains(t, s.SimilarSKU, s.UUID)
		assert.LessOrEqual(t, len(s.SimilarSKU), 5)
	}
}

func TestIngest_DistinctIDsAcrossBatches(t *testing.T) {
	st := openStore(t)
	p := NewPipeline(st, memory.New(memory.Config{}), Options{BatchSize: 100}, logging.Nop())

	n, skipped, err := p.Ingest(context.Background(), writeFeed(t, numberedFeed(seq(250)...)))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Zero(t, skipped)

	recs := allSKUs(t, st)
	require.Len(t, recs, 250)
	seen := map[uuid.UUID]struct{}{}
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.ProductID)
		seen[r.UUID] = struct{}{}
	}
	assert.Len(t, seen, 250)
}

type failingStore struct {
	domain.CatalogStore
	calls  int
	failOn int
}

func (f *failingStore) InsertBatch(ctx context.Context, skus []domain.SKU) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("connection reset")
	}
	return f.CatalogStore.InsertBatch(ctx, skus)
}

func TestIngest_FailedBatchKeepsCommittedBatches(t *testing.T) {
	st := openStore(t)
	fs := &failingStore{CatalogStore: st, failOn: 2}
	p := NewPipeline(fs, memory.New(memory.Config{}), Options{BatchSize: 2}, logging.Nop())

	n, _, err := p.Ingest(context.Background(), writeFeed(t, numberedFeed(seq(7)...)))
	require.Error(t, err)
	assert.Equal(t, 2, n)
	recs := allSKUs(t, st)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].ProductID)
	assert.Equal(t, int64(2), recs[1].ProductID)
}

// openStrictStore pre-creates the sku table with a NOT NULL title so that an
// offer without a name fails its batch inside the database.
func openStrictStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE sku (
		uuid                   TEXT PRIMARY KEY,
		marketplace_id         INTEGER NOT NULL,
		product_id             INTEGER NOT NULL,
		title                  TEXT NOT NULL,
		description            TEXT,
		brand                  TEXT,
		category_lvl_1         TEXT,
		category_lvl_2         TEXT,
		category_lvl_3         TEXT,
		category_remaining     TEXT,
		features               TEXT NOT NULL DEFAULT '{}',
		price_before_discounts REAL,
		price_after_discounts  REAL,
		similar_sku            TEXT NOT NULL DEFAULT '[]',
		seller_id              INTEGER,
		seller_name            TEXT,
		inserted_at            TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at             TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	st, err := sqlite.Open(ctx, path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Bootstrap(ctx))
	return st
}

func TestIngest_NotNullViolationRollsBackBatch(t *testing.T) {
	st := openStrictStore(t)
	p := NewPipeline(st, memory.New(memory.Config{}), Options{BatchSize: 2}, logging.Nop())

	body := `<?xml version="1.0" encoding="UTF-8"?><yml_catalog><shop><offers>
		<offer id="1"><name>item 1</name></offer>
		<offer id="2"><name>item 2</name></offer>
		<offer id="3"><name>item 3</name></offer>
		<offer id="4"><price>10</price></offer>
		<offer id="5"><name>item 5</name></offer>
		<offer id="6"><name>item 6</name></offer>
		<offer id="7"><name>item 7</name></offer>
	</offers></shop></yml_catalog>`
	n, _, err := p.Ingest(context.Background(), writeFeed(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT NULL")
	assert.Equal(t, 2, n)

	var ids []int64
	for _, s := range allSKUs(t, st) {
		ids = append(ids, s.ProductID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestPrepare_TruncateResetsIndex(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	idx := memory.New(memory.Config{})
	p := NewPipeline(st, idx, Options{}, logging.Nop())
	_, err := p.Run(ctx, writeFeed(t, phoneFeed))
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())

	p = NewPipeline(st, idx, Options{Truncate: true}, logging.Nop())
	require.NoError(t, p.Prepare(ctx))
	assert.Empty(t, allSKUs(t, st))
	assert.Zero(t, idx.Len())
}

func TestPrepare_TruncateNeedsIndex(t *testing.T) {
	p := NewPipeline(openStore(t), nil, Options{Truncate: true}, logging.Nop())
	err := p.Prepare(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestIngest_MalformedOffer(t *testing.T) {
	feedPath := writeFeed(t, numberedFeed("1", "x2", "3"))

	t.Run("fail fast", func(t *testing.T) {
		st := openStore(t)
		p := NewPipeline(st, memory.New(memory.Config{}), Options{BatchSize: 1}, logging.Nop())
		_, _, err := p.Ingest(context.Background(), feedPath)
		assert.ErrorIs(t, err, domain.ErrMalformedOffer)
		assert.Len(t, allSKUs(t, st), 1)
	})

	t.Run("lenient", func(t *testing.T) {
		st := openStore(t)
		p := NewPipeline(st, memory.New(memory.Config{}), Options{BatchSize: 1, Lenient: true}, logging.Nop())
		n, skipped, err := p.Ingest(context.Background(), feedPath)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, skipped)
	})
}

func TestIngest_LenientStillFailsOnBrokenXML(t *testing.T) {
	st := openStore(t)
	p := NewPipeline(st, memory.New(memory.Config{}), Options{BatchSize: 1, Lenient: true}, logging.Nop())
	_, _, err := p.Ingest(context.Background(),
		writeFeed(t, `<offers><offer id="1"><name>a</name></offer><offer id="2"><name>b</na`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMalformedOffer)
}

func TestIngest_MissingFeed(t *testing.T) {
	p := NewPipeline(openStore(t), memory.New(memory.Config{}), Options{}, logging.Nop())
	_, _, err := p.Ingest(context.Background(), filepath.Join(t.TempDir(), "absent.xml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReplicate_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	idx := memory.New(memory.Config{})
	p := NewPipeline(st, idx, Options{PageSize: 2}, logging.Nop())

	_, _, err := p.Ingest(ctx, writeFeed(t, phoneFeed))
	require.NoError(t, err)

	n, err := p.Replicate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	first, err := idx.FindSimilar(ctx, allSKUs(t, st)[0].UUID, 5)
	require.NoError(t, err)

	n, err = p.Replicate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, idx.Len())
	second, err := idx.FindSimilar(ctx, allSKUs(t, st)[0].UUID, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type rejectingIndex struct {
	*memory.Index
}

func (r rejectingIndex) Replicate(ctx context.Context, skus []domain.SKU) error {
	return fmt.Errorf("bulk: %w", domain.ErrSearchRejected)
}

func TestRun_ReplicationFailureStopsBeforeLinking(t *testing.T) {
	st := openStore(t)
	p := NewPipeline(st, rejectingIndex{memory.New(memory.Config{})}, Options{}, logging.Nop())

	sum, err := p.Run(context.Background(), writeFeed(t, phoneFeed))
	require.ErrorIs(t, err, domain.ErrSearchRejected)
	assert.Equal(t, 3, sum.Ingested)
	assert.Zero(t, sum.Linked)
	for _, s := range allSKUs(t, st) {
		assert.Empty(t, s.SimilarSKU)
	}
}

func TestRun_Rerun(t *testing.T) {
	ctx := context.Background()
	feedPath := writeFeed(t, phoneFeed)

	t.Run("duplicates without truncate", func(t *testing.T) {
		st := openStore(t)
		p := NewPipeline(st, memory.New(memory.Config{}), Options{}, logging.Nop())
		_, err := p.Run(ctx, feedPath)
		require.NoError(t, err)
		_, err = p.Run(ctx, feedPath)
		require.NoError(t, err)
		assert.Len(t, allSKUs(t, st), 6)
	})

	t.Run("truncate keeps one copy", func(t *testing.T) {
		st := openStore(t)
		p := NewPipeline(st, memory.New(memory.Config{}), Options{Truncate: true}, logging.Nop())
		_, err := p.Run(ctx, feedPath)
		require.NoError(t, err)
		sum, err := p.Run(ctx, feedPath)
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Linked)

		recs := allSKUs(t, st)
		require.Len(t, recs, 3)
		live := map[uuid.UUID]bool{}
		for _, r := range recs {
			live[r.UUID] = true
		}
		for _, r := range recs {
			for _, id := range r.SimilarSKU {
				assert.True(t, live[id], "similar id %s points at a truncated record", id)
			}
		}
	})
}
