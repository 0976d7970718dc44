package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"skulink/internal/catalog/postgres"
	"skulink/internal/catalog/sqlite"
	"skulink/internal/config"
	"skulink/internal/domain"
	"skulink/internal/logging"
	"skulink/internal/searchindex/elastic"
	"skulink/internal/searchindex/memory"
	"skulink/internal/service"
)

// env bundles what every command needs.
type env struct {
	cfg   *config.AppConfig
	log   *zerolog.Logger
	store domain.CatalogStore
	index domain.SearchIndex
}

func (e *env) Close() {
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			e.log.Warn().Err(err).Msg("closing search index")
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn().Err(err).Msg("closing catalog")
		}
	}
}

func loadConfig() (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if configPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if feedPath != "" {
		cfg.Feed.Path = feedPath
	}
	if truncate {
		cfg.Feed.Truncate = true
	}
	if lenient {
		cfg.Feed.Lenient = true
	}
	return cfg, nil
}

// setup loads config and opens the catalog; the search index is opened only when withIndex is set.
func setup(cmd *cobra.Command, withIndex bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logger}

	if e.store, err = openCatalog(cmd.Context(), cfg); err != nil {
		logger.Error().Err(err).Str("type", cfg.Catalog.Type).Msg("catalog unavailable")
		return nil, err
	}
	if withIndex {
		if e.index, err = openIndex(cfg); err != nil {
			logger.Error().Err(err).Str("type", cfg.Search.Type).Msg("search index unavailable")
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func openCatalog(ctx context.Context, cfg *config.AppConfig) (domain.CatalogStore, error) {
	switch cfg.Catalog.Type {
	case "postgres":
		pg := cfg.Catalog.Postgres
		st, err := postgres.Open(ctx, pg.DSN(), pg.MaxConns, cfg.Timeout())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.Catalog.SQLite.Path, cfg.Timeout())
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.Catalog.SQLite.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("catalog type %q: %w", cfg.Catalog.Type, domain.ErrUnsupportedType)
	}
}

func openIndex(cfg *config.AppConfig) (domain.SearchIndex, error) {
	sim := cfg.Similarity
	switch cfg.Search.Type {
	case "elasticsearch":
		es := cfg.Search.Elasticsearch
		idx, err := elastic.New(elastic.Config{
			URL:           es.Address(),
			Username:      es.Username,
			Password:      es.Password,
			Index:         es.Index,
			Timeout:       cfg.Timeout(),
			MinTermFreq:   sim.MinTermFreq,
			MinDocFreq:    sim.MinDocFreq,
			MaxQueryTerms: sim.MaxQueryTerms,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "memory":
		return memory.New(memory.Config{
			MinTermFreq:   sim.MinTermFreq,
			MinDocFreq:    sim.MinDocFreq,
			MaxQueryTerms: sim.MaxQueryTerms,
		}), nil
	default:
		return nil, fmt.Errorf("search type %q: %w", cfg.Search.Type, domain.ErrUnsupportedType)
	}
}

func (e *env) pipeline() *service.Pipeline {
	return service.NewPipeline(e.store, e.index, service.Options{
		MarketplaceID:    e.cfg.Feed.MarketplaceID,
		BatchSize:        e.cfg.Feed.BatchSize,
		PageSize:         e.cfg.Similarity.PageSize,
		MaxResults:       e.cfg.Similarity.MaxResults,
		QueriesPerSecond: e.cfg.Similarity.QueriesPerSecond,
		Lenient:          e.cfg.Feed.Lenient,
		Truncate:         e.cfg.Feed.Truncate,
	}, e.log)
}
