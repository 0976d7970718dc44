package domain

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Offer is one product entry of the source feed before normalization.
// Text fields are nil when the element is absent from the feed.
type Offer struct {
	ProductID   int64
	Name        *string
	Description *string
	Vendor      *string
	Price       *string
	CategoryID  *string
	Features    map[string]string
}

// CategoryPath is the three-level category path of a product plus the remainder
// of deeper levels. Nil levels mean "uncategorized".
type CategoryPath struct {
	Lvl1      *string
	Lvl2      *string
	Lvl3      *string
	Remaining *string
}

// Category is one row of the category table.
type Category struct {
	ID   int64
	Path CategoryPath
}

// SKU is the persisted catalog record, keyed by a generated UUID.
type SKU struct {
	UUID                 uuid.UUID
	MarketplaceID        int
	ProductID            int64
	Title                *string
	Description          *string
	Brand                *string
	Category             CategoryPath
	Features             map[string]string
	PriceBeforeDiscounts float64
	PriceAfterDiscounts  float64
	SimilarSKU           []uuid.UUID
}

// SearchDocument is the projection of a SKU held by the search index.
type SearchDocument struct {
	UUID          string            `json:"uuid"`
	MarketplaceID int               `json:"marketplace_id"`
	ProductID     int64             `json:"product_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Brand         string            `json:"brand"`
	Features      map[string]string `json:"features"`
	FeaturesText  string            `json:"features_text"`
}

// NewSearchDocument projects a SKU into its search document.
func NewSearchDocument(s SKU) SearchDocument {
	return SearchDocument{
		UUID:          s.UUID.String(),
		MarketplaceID: s.MarketplaceID,
		ProductID:     s.ProductID,
		Title:         Deref(s.Title),
		Description:   Deref(s.Description),
		Brand:         Deref(s.Brand),
		Features:      s.Features,
		FeaturesText:  FeaturesText(s.Features),
	}
}

// FeaturesText flattens a features map into "name value" lines ordered by name.
func FeaturesText(features map[string]string) string {
	if len(features) == 0 {
		return ""
	}
	names := make([]string, 0, len(features))
	for n := range features {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(n)
		b.WriteByte(' ')
		b.WriteString(features[n])
	}
	return b.String()
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CatalogStore is the relational system of record.
type CatalogStore interface {
	// Bootstrap creates the schema if it does not exist. Safe to call on every start.
	Bootstrap(ctx context.Context) error
	// Categories returns every row of the category table.
	Categories(ctx context.Context) ([]Category, error)
	// PutCategories inserts or replaces category rows.
	PutCategories(ctx context.Context, cats []Category) error
	// InsertBatch writes all records in one transaction.
	InsertBatch(ctx context.Context, skus []SKU) error
	// Scan streams every record in pages of pageSize; fn receives each page in store order.
	Scan(ctx context.Context, pageSize int, fn func(page []SKU) error) error
	// UpdateSimilar replaces the similarity list of one record and commits.
	UpdateSimilar(ctx context.Context, id uuid.UUID, similar []uuid.UUID) error
	// Truncate removes every record (categories are kept).
	Truncate(ctx context.Context) error
	Close() error
}

// SearchIndex replicates SKUs and answers similarity queries.
type SearchIndex interface {
	// Init creates the document collection if missing.
	Init(ctx context.Context) error
	// Replicate upserts one document per SKU, keyed by UUID, in a single bulk operation.
	Replicate(ctx context.Context, skus []SKU) error
	// Reset drops every document.
	Reset(ctx context.Context) error
	// Refresh makes replicated documents visible to queries.
	Refresh(ctx context.Context) error
	// FindSimilar returns up to maxResults ids ranked by descending relevance.
	FindSimilar(ctx context.Context, id uuid.UUID, maxResults int) ([]uuid.UUID, error)
	Close() error
}
