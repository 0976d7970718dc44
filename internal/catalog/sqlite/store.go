// Package sqlite implements the catalog store on an embedded SQLite database.
// It mirrors the PostgreSQL schema with JSON text columns in place of json and uuid[].
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"skulink/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sku (
    uuid                   TEXT PRIMARY KEY,
    marketplace_id         INTEGER NOT NULL,
    product_id             INTEGER NOT NULL,
    title                  TEXT,
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
);
CREATE TABLE IF NOT EXISTS category (
    category_id        INTEGER PRIMARY KEY,
    category_lvl_1     TEXT,
    category_lvl_2     TEXT,
    category_lvl_3     TEXT,
    category_remaining TEXT
);
`

const skuColumns = `uuid, marketplace_id, product_id, title, description, brand,
    category_lvl_1, category_lvl_2, category_lvl_3, category_remaining,
    features, price_before_discounts, price_after_discounts, similar_sku`

// Store is a catalog store backed by SQLite.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (or creates) the database at path with WAL enabled.
// The pragmas travel in the DSN so every pooled connection gets them.
// timeout bounds each statement; zero disables it.
func Open(ctx context.Context, path string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db, timeout: timeout}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
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
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Categories returns every category row.
func (s *Store) Categories(ctx context.Context) ([]domain.Category, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT category_id, category_lvl_1, category_lvl_2, category_lvl_3, category_remaining
		FROM category ORDER BY category_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Path.Lvl1, &c.Path.Lvl2, &c.Path.Lvl3, &c.Path.Remaining); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// PutCategories inserts or replaces category rows in one transaction.
func (s *Store) PutCategories(ctx context.Context, cats []domain.Category) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO category (category_id, category_lvl_1, category_lvl_2, category_lvl_3, category_remaining)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (category_id) DO UPDATE SET
			category_lvl_1 = excluded.category_lvl_1,
			category_lvl_2 = excluded.category_lvl_2,
			category_lvl_3 = excluded.category_lvl_3,
			category_remaining = excluded.category_remaining`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cats {
		if _, err := stmt.ExecContext(ctx, c.ID, nullable(c.Path.Lvl1), nullable(c.Path.Lvl2), nullable(c.Path.Lvl3), nullable(c.Path.Remaining)); err != nil {
			return fmt.Errorf("put category %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// InsertBatch writes all records in one transaction; any failure rolls the whole batch back.
func (s *Store) InsertBatch(ctx context.Context, skus []domain.SKU) error {
	if len(skus) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sku (`+skuColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sku := range skus {
		features, err := json.Marshal(featuresOrEmpty(sku.Features))
		if err != nil {
			return err
		}
		similar, err := json.Marshal(idStrings(sku.SimilarSKU))
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			sku.UUID.String(), sku.MarketplaceID, sku.ProductID,
			nullable(sku.Title), nullable(sku.Description), nullable(sku.Brand),
			nullable(sku.Category.Lvl1), nullable(sku.Category.Lvl2), nullable(sku.Category.Lvl3), nullable(sku.Category.Remaining),
			string(features), sku.PriceBeforeDiscounts, sku.PriceAfterDiscounts, string(similar),
		)
		if err != nil {
			return fmt.Errorf("insert sku product_id=%d: %w", sku.ProductID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Scan pages through the table in insertion order using rowid keyset paging.
// Each page is fully read and the query closed before fn runs, so fn may write.
func (s *Store) Scan(ctx context.Context, pageSize int, fn func(page []domain.SKU) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	var after int64
	for {
		page, last, err := s.fetchPage(ctx, after, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		after = last
	}
}

func (s *Store) fetchPage(ctx context.Context, after int64, limit int) ([]domain.SKU, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT rowid, `+skuColumns+`
		FROM sku WHERE rowid > ? ORDER BY rowid LIMIT ?`, after, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("scan sku: %w", err)
	}
	defer rows.Close()

	page := make([]domain.SKU, 0, limit)
	last := after
	for rows.Next() {
		var (
			sku         domain.SKU
			id          string
			features    string
			similar     string
			priceBefore sql.NullFloat64
			priceAfter  sql.NullFloat64
		)
		if err := rows.Scan(&last, &id, &sku.MarketplaceID, &sku.ProductID,
			&sku.Title, &sku.Description, &sku.Brand,
			&sku.Category.Lvl1, &sku.Category.Lvl2, &sku.Category.Lvl3, &sku.Category.Remaining,
			&features, &priceBefore, &priceAfter, &similar); err != nil {
			return nil, 0, err
		}
		if sku.UUID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("sku %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(features), &sku.Features); err != nil {
			return nil, 0, fmt.Errorf("sku %s features: %w", id, err)
		}
		if sku.SimilarSKU, err = parseIDs(similar); err != nil {
			return nil, 0, fmt.Errorf("sku %s similar_sku: %w", id, err)
		}
		sku.PriceBeforeDiscounts = priceBefore.Float64
		sku.PriceAfterDiscounts = priceAfter.Float64
		page = append(page, sku)
	}
	return page, last, rows.Err()
}

// UpdateSimilar replaces the similarity list of one record.
func (s *Store) UpdateSimilar(ctx context.Context, id uuid.UUID, similar []uuid.UUID) error {
	data, err := json.Marshal(idStrings(similar))
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sku SET similar_sku = ?, updated_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`, string(data), id.String())
	if err != nil {
		return fmt.Errorf("update similar_sku for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sku %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Truncate deletes every SKU row.
func (s *Store) Truncate(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sku`)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func featuresOrEmpty(f map[string]string) map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return f
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseIDs(raw string) ([]uuid.UUID, error) {
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ domain.CatalogStore = (*Store)(nil)
