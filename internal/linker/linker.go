// Package linker computes the similarity list of every catalog record.
package linker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"skulink/internal/domain"
)

// Options tunes the similarity pass.
type Options struct {
	MaxResults int
	PageSize   int
	// QueriesPerSecond caps similarity queries; zero means unlimited.
	QueriesPerSecond float64
}

// Linker scans the catalog, queries the search index for each record and
// writes the result back, one record at a time.
type Linker struct {
	store   domain.CatalogStore
	index   domain.SearchIndex
	opts    Options
	limiter *rate.Limiter
	log     *zerolog.Logger
}

func New(store domain.CatalogStore, index domain.SearchIndex, opts Options, logger *zerolog.Logger) *Linker {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	l := &Linker{store: store, index: index, opts: opts, log: logger}
	if opts.QueriesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), 1)
	}
	return l
}

// Run links every record and returns how many were updated. The first failure
// aborts the pass; records updated before it keep their new lists.
func (l *Linker) Run(ctx context.Context) (int, error) {
	linked := 0
	l.log.Info().Int("max_results", l.opts.MaxResults).Msg("similarity pass started")
	err := l.store.Scan(ctx, l.opts.PageSize, func(page []domain.SKU) error {
		for _, sku := range page {
			if err := l.linkOne(ctx, sku.UUID); err != nil {
				return err
			}
			linked++
		}
		l.log.Debug().Int("linked", linked).Msg("page linked")
		return nil
	})
	if err != nil {
		return linked, err
	}
	l.log.Info().Int("linked", linked).Msg("similarity pass finished")
	return linked, nil
}

func (l *Linker) linkOne(ctx context.Context, id uuid.UUID) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	found, err := l.index.FindSimilar(ctx, id, l.opts.MaxResults+1)
	if err != nil {
		l.log.Error().Err(err).Str("uuid", id.String()).Msg("similarity query failed")
		return fmt.Errorf("find similar %s: %w", id, err)
	}
	similar := withoutSelf(found, id, l.opts.MaxResults)
	if err := l.store.UpdateSimilar(ctx, id, similar); err != nil {
		l.log.Error().Err(err).Str("uuid", id.String()).Msg("similarity update failed")
		return fmt.Errorf("update similar %s: %w", id, err)
	}
	return nil
}

// withoutSelf drops id from ranked, keeping order, and caps the result at limit.
func withoutSelf(ranked []uuid.UUID, id uuid.UUID, limit int) []uuid.UUID {
	out := make([]uuid.UUID, 0, min(len(ranked), limit))
	for _, r := range ranked {
		if r == id {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}
