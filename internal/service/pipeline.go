// Package service drives the ingest, replicate and link stages in order.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"skulink/internal/category"
	"skulink/internal/domain"
	"skulink/internal/feed"
	"skulink/internal/linker"
	"skulink/internal/normalizer"
)

// Options configures a pipeline run.
type Options struct {
	MarketplaceID int
	BatchSize     int
	PageSize      int
	MaxResults    int
	// QueriesPerSecond caps similarity queries during linking; zero means unlimited.
	QueriesPerSecond float64
	// Lenient skips malformed offers instead of aborting ingestion.
	Lenient bool
	// Truncate empties the catalog and the search index before ingestion
	// so a re-run does not duplicate records.
	Truncate bool
}

// Summary counts what each stage processed.
type Summary struct {
	Ingested   int
	Skipped    int
	Replicated int
	Linked     int
}

// Pipeline wires the catalog store and search index together.
type Pipeline struct {
	store domain.CatalogStore
	index domain.SearchIndex
	opts  Options
	log   *zerolog.Logger
}

func NewPipeline(store domain.CatalogStore, index domain.SearchIndex, opts Options, logger *zerolog.Logger) *Pipeline {
	if opts.MarketplaceID == 0 {
		opts.MarketplaceID = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	return &Pipeline{store: store, index: index, opts: opts, log: logger}
}

// Prepare creates the schema and, when Truncate is set, empties the catalog and
// resets the search index so no similarity list can point at a removed record.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if err := p.store.Bootstrap(ctx); err != nil {
		p.log.Error().Err(err).Str("stage", "bootstrap").Msg("schema bootstrap failed")
		return fmt.Errorf("bootstrap: %w", err)
	}
	if !p.opts.Truncate {
		return nil
	}
	if err := p.store.Truncate(ctx); err != nil {
		p.log.Error().Err(err).Str("stage", "truncate").Msg("catalog truncate failed")
		return fmt.Errorf("truncate: %w", err)
	}
	if p.index == nil {
		p.log.Error().Str("stage", "truncate").Msg("no search index to reset")
		return fmt.Errorf("reset index: %w", domain.ErrInvalidConfig)
	}
	if err := p.index.Reset(ctx); err != nil {
		p.log.Error().Err(err).Str("stage", "truncate").Msg("index reset failed")
		return fmt.Errorf("reset index: %w", err)
	}
	p.log.Info().Msg("catalog and index truncated")
	return nil
}

// Run executes the full pipeline. A stage starts only after the previous one succeeded;
// the first error is returned with the counts reached so far.
func (p *Pipeline) Run(ctx context.Context, feedPath string) (Summary, error) {
	var sum Summary
	var err error

	if err = p.Prepare(ctx); err != nil {
		return sum, err
	}
	if sum.Ingested, sum.Skipped, err = p.Ingest(ctx, feedPath); err != nil {
		return sum, err
	}
	if sum.Replicated, err = p.Replicate(ctx); err != nil {
		return sum, err
	}
	if sum.Linked, err = p.Link(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

// Ingest streams the feed into the catalog in batches of BatchSize, one transaction per
// batch. Parsing runs ahead of the writer by a bounded number of batches; batches commit
// in feed order. It returns the number of records written and offers skipped.
func (p *Pipeline) Ingest(ctx context.Context, feedPath string) (int, int, error) {
	cats, err := category.Load(ctx, p.store)
	if err != nil {
		p.log.Error().Err(err).Str("stage", "ingest").Msg("category load failed")
		return 0, 0, fmt.Errorf("load categories: %w", err)
	}
	reader, closer, err := feed.Open(feedPath)
	if err != nil {
		p.log.Error().Err(err).Str("stage", "ingest").Str("path", feedPath).Msg("open feed failed")
		return 0, 0, fmt.Errorf("open feed: %w", err)
	}
	defer closer.Close()

	p.log.Info().Str("path", feedPath).Int("categories", cats.Len()).Int("batch_size", p.opts.BatchSize).Msg("ingest started")
	norm := normalizer.New(p.opts.MarketplaceID, cats)
	batches := make(chan []domain.SKU, 2)
	ingested, skipped := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		batch := make([]domain.SKU, 0, p.opts.BatchSize)
		for {
			offer, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				var bad *feed.MalformedOfferError
				if p.opts.Lenient && errors.As(err, &bad) {
					skipped++
					p.log.Warn().Err(err).Int("ordinal", bad.Ordinal).Str("raw_id", bad.RawID).Msg("offer skipped")
					continue
				}
				p.log.Error().Err(err).Str("stage", "ingest").Msg("feed read failed")
				return fmt.Errorf("read feed: %w", err)
			}
			batch = append(batch, norm.Normalize(offer))
			if len(batch) < p.opts.BatchSize {
				continue
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]domain.SKU, 0, p.opts.BatchSize)
		}
		if len(batch) > 0 {
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	// Writes use ctx, not gctx: batches parsed before a feed error still commit.
	g.Go(func() error {
		for batch := range batches {
			if err := p.store.InsertBatch(ctx, batch); err != nil {
				p.log.Error().Err(err).Str("stage", "ingest").
					Int64("first_product_id", batch[0].ProductID).
					Int64("last_product_id", batch[len(batch)-1].ProductID).
					Msg("batch insert failed")
				return fmt.Errorf("insert batch: %w", err)
			}
			ingested += len(batch)
			p.log.Debug().Int("ingested", ingested).Msg("batch committed")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ingested, skipped, err
	}
	p.log.Info().Int("ingested", ingested).Int("skipped", skipped).Msg("ingest finished")
	return ingested, skipped, nil
}

// Replicate copies every catalog record into the search index, one bulk request per page,
// then refreshes the index. Re-running it overwrites documents by UUID.
func (p *Pipeline) Replicate(ctx context.Context) (int, error) {
	if err := p.index.Init(ctx); err != nil {
		p.log.Error().Err(err).Str("stage", "replicate").Msg("index init failed")
		return 0, fmt.Errorf("init index: %w", err)
	}
	p.log.Info().Int("page_size", p.opts.PageSize).Msg("replication started")
	replicated := 0
	err := p.store.Scan(ctx, p.opts.PageSize, func(page []domain.SKU) error {
		if err := p.index.Replicate(ctx, page); err != nil {
			p.log.Error().Err(err).Str("stage", "replicate").
				Str("first_uuid", page[0].UUID.String()).
				Int("page_len", len(page)).
				Msg("bulk replicate failed")
			return err
		}
		replicated += len(page)
		p.log.Debug().Int("replicated", replicated).Msg("page replicated")
		return nil
	})
	if err != nil {
		return replicated, fmt.Errorf("replicate: %w", err)
	}
	if err := p.index.Refresh(ctx); err != nil {
		p.log.Error().Err(err).Str("stage", "replicate").Msg("index refresh failed")
		return replicated, fmt.Errorf("refresh index: %w", err)
	}
	p.log.Info().Int("replicated", replicated).Msg("replication finished")
	return replicated, nil
}

// Link fills the similarity list of every catalog record.
func (p *Pipeline) Link(ctx context.Context) (int, error) {
	l := linker.New(p.store, p.index, linker.Options{
		MaxResults:       p.opts.MaxResults,
		PageSize:         p.opts.PageSize,
		QueriesPerSecond: p.opts.QueriesPerSecond,
	}, p.log)
	n, err := l.Run(ctx)
	if err != nil {
		return n, fmt.Errorf("link: %w", err)
	}
	return n, nil
}
