// Package postgres implements the catalog store on PostgreSQL, the system of record.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skulink/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS public.sku (
		uuid                   uuid PRIMARY KEY,
		marketplace_id         integer NOT NULL,
		product_id             bigint NOT NULL,
		title                  text,
		description            text,
		brand                  text,
		category_lvl_1         text,
		category_lvl_2         text,
		category_lvl_3         text,
		category_remaining     text,
		features               json,
		price_before_discounts double precision,
		price_after_discounts  double precision,
		similar_sku            uuid[] NOT NULL DEFAULT '{}',
		seller_id              bigint,
		seller_name            text,
		inserted_at            timestamp DEFAULT now(),
		updated_at             timestamp DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS public.category (
		category_id        bigint PRIMARY KEY,
		category_lvl_1     text,
		category_lvl_2     text,
		category_lvl_3     text,
		category_remaining text
	)`,
}

const insertSQL = `
INSERT INTO public.sku (uuid, marketplace_id, product_id, title, description, brand,
	category_lvl_1, category_lvl_2, category_lvl_3, category_remaining,
	features, price_before_discounts, price_after_discounts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const selectSQL = `
SELECT uuid::text, marketplace_id, product_id, title, description, brand,
	category_lvl_1, category_lvl_2, category_lvl_3, category_remaining,
	coalesce(features::text, '{}'),
	coalesce(price_before_discounts, 0), coalesce(price_after_discounts, 0),
	similar_sku::text[]
FROM public.sku`

const cursorName = "sku_cursor"

// Store is a catalog store backed by a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Open connects to dsn. maxConns must leave room for one streaming cursor
// plus concurrent writes during the similarity pass; values below 2 are raised to 2.
func Open(ctx context.Context, dsn string, maxConns int, timeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns < 2 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &Store{pool: pool, timeout: timeout}

	pctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return s, nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Bootstrap creates the tables if they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Categories returns every category row.
func (s *Store) Categories(ctx context.Context) ([]domain.Category, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT category_id, category_lvl_1, category_lvl_2, category_lvl_3, category_remaining
		FROM public.category ORDER BY category_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Category, error) {
		var c domain.Category
		err := row.Scan(&c.ID, &c.Path.Lvl1, &c.Path.Lvl2, &c.Path.Lvl3, &c.Path.Remaining)
		return c, err
	})
}

// PutCategories upserts category rows in one transaction.
func (s *Store) PutCategories(ctx context.Context, cats []domain.Category) error {
	batch := &pgx.Batch{}
	for _, c := range cats {
		batch.Queue(`
			INSERT INTO public.category (category_id, category_lvl_1, category_lvl_2, category_lvl_3, category_remaining)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (category_id) DO UPDATE SET
				category_lvl_1 = EXCLUDED.category_lvl_1,
				category_lvl_2 = EXCLUDED.category_lvl_2,
				category_lvl_3 = EXCLUDED.category_lvl_3,
				category_remaining = EXCLUDED.category_remaining`,
			c.ID, c.Path.Lvl1, c.Path.Lvl2, c.Path.Lvl3, c.Path.Remaining)
	}
	return s.sendInTx(ctx, batch, func(i int) string { return "category " + strconv.FormatInt(cats[i].ID, 10) })
}

// InsertBatch writes all records in one transaction; any failure rolls the whole batch back.
func (s *Store) InsertBatch(ctx context.Context, skus []domain.SKU) error {
	if len(skus) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sku := range skus {
		features := sku.Features
		if features == nil {
			features = map[string]string{}
		}
		data, err := json.Marshal(features)
		if err != nil {
			return fmt.Errorf("encode features product_id=%d: %w", sku.ProductID, err)
		}
		batch.Queue(insertSQL,
			sku.UUID.String(), sku.MarketplaceID, sku.ProductID,
			sku.Title, sku.Description, sku.Brand,
			sku.Category.Lvl1, sku.Category.Lvl2, sku.Category.Lvl3, sku.Category.Remaining,
			string(data), sku.PriceBeforeDiscounts, sku.PriceAfterDiscounts,
		)
	}
	return s.sendInTx(ctx, batch, func(i int) string { return "insert sku product_id=" + strconv.FormatInt(skus[i].ProductID, 10) })
}

func (s *Store) sendInTx(ctx context.Context, batch *pgx.Batch, describe func(i int) string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: %w", describe(i), err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Scan streams the table through a server-side cursor, fetching pageSize rows at a time.
// The cursor lives in its own read-only transaction, so fn may write through the pool.
func (s *Store) Scan(ctx context.Context, pageSize int, fn func(page []domain.SKU) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin cursor tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+selectSQL); err != nil {
		return fmt.Errorf("declare cursor: %w", err)
	}
	fetch := "FETCH FORWARD " + strconv.Itoa(pageSize) + " FROM " + cursorName
	for {
		page, err := s.fetchPage(ctx, tx, fetch)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, "CLOSE "+cursorName); err != nil {
		return fmt.Errorf("close cursor: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) fetchPage(ctx context.Context, tx pgx.Tx, fetch string) ([]domain.SKU, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := tx.Query(ctx, fetch)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return pgx.CollectRows(rows, scanSKU)
}

func scanSKU(row pgx.CollectableRow) (domain.SKU, error) {
	var (
		sku      domain.SKU
		id       string
		features string
		similar  []string
	)
	if err := row.Scan(&id, &sku.MarketplaceID, &sku.ProductID,
		&sku.Title, &sku.Description, &sku.Brand,
		&sku.Category.Lvl1, &sku.Category.Lvl2, &sku.Category.Lvl3, &sku.Category.Remaining,
		&features, &sku.PriceBeforeDiscounts, &sku.PriceAfterDiscounts, &similar); err != nil {
		return sku, err
	}
	var err error
	if sku.UUID, err = uuid.Parse(id); err != nil {
		return sku, fmt.Errorf("sku %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(features), &sku.Features); err != nil {
		return sku, fmt.Errorf("sku %s features: %w", id, err)
	}
	sku.SimilarSKU = make([]uuid.UUID, 0, len(similar))
	for _, raw := range similar {
		sid, err := uuid.Parse(raw)
		if err != nil {
			return sku, fmt.Errorf("sku %s similar_sku: %w", id, err)
		}
		sku.SimilarSKU = append(sku.SimilarSKU, sid)
	}
	return sku, nil
}

// UpdateSimilar replaces the similarity list of one record in its own transaction.
func (s *Store) UpdateSimilar(ctx context.Context, id uuid.UUID, similar []uuid.UUID) error {
	ids := make([]string, len(similar))
	for i, sid := range similar {
		ids[i] = sid.String()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE public.sku
		SET similar_sku = $1::text[]::uuid[], updated_at = now()
		WHERE uuid = $2::uuid`, ids, id.String())
	if err != nil {
		return fmt.Errorf("update similar_sku for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sku %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Truncate deletes every SKU row.
func (s *Store) Truncate(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `TRUNCATE public.sku`)
	return err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ domain.CatalogStore = (*Store)(nil)
