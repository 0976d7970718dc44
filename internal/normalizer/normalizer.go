// Package normalizer turns raw feed offers into catalog records.
package normalizer

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"skulink/internal/category"
	"skulink/internal/domain"
)

// Normalizer maps offers to SKUs using a category index.
type Normalizer struct {
	marketplaceID int
	categories    *category.Index
	newID         func() uuid.UUID
}

// New creates a normalizer stamping records with marketplaceID.
func New(marketplaceID int, categories *category.Index) *Normalizer {
	return &Normalizer{marketplaceID: marketplaceID, categories: categories, newID: uuid.New}
}

// Normalize builds a SKU with a fresh random id. Absent text stays nil,
// an absent or unparsable price becomes 0 and an unknown or non-numeric
// category id leaves the category path nil.
func (n *Normalizer) Normalize(o domain.Offer) domain.SKU {
	price := parsePrice(o.Price)
	features := o.Features
	if features == nil {
		features = map[string]string{}
	}
	return domain.SKU{
		UUID:                 n.newID(),
		MarketplaceID:        n.marketplaceID,
		ProductID:            o.ProductID,
		Title:                o.Name,
		Description:          o.Description,
		Brand:                o.Vendor,
		Category:             n.resolveCategory(o.CategoryID),
		Features:             features,
		PriceBeforeDiscounts: price,
		PriceAfterDiscounts:  price,
	}
}

func (n *Normalizer) resolveCategory(raw *string) domain.CategoryPath {
	if raw == nil {
		return domain.CategoryPath{}
	}
	s := strings.TrimSpace(*raw)
	if !isDigits(s) {
		return domain.CategoryPath{}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return domain.CategoryPath{}
	}
	p, _ := n.categories.Lookup(id)
	return p
}

func parsePrice(raw *string) float64 {
	if raw == nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
