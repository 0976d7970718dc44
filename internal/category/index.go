// Package category builds the in-memory category lookup used to enrich offers.
package category

import (
	"context"
	"fmt"

	"skulink/internal/domain"
)

// Source supplies category rows, normally the catalog store.
type Source interface {
	Categories(ctx context.Context) ([]domain.Category, error)
}

// Index maps a category id to its path. It is immutable once loaded.
type Index struct {
	paths map[int64]domain.CategoryPath
}

// Load reads every category row from src. Later rows win on duplicate ids.
// An empty table yields an empty index.
func Load(ctx context.Context, src Source) (*Index, error) {
	cats, err := src.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	return NewIndex(cats), nil
}

// NewIndex builds an index from already loaded rows.
func NewIndex(cats []domain.Category) *Index {
	paths := make(map[int64]domain.CategoryPath, len(cats))
	for _, c := range cats {
		paths[c.ID] = c.Path
	}
	return &Index{paths: paths}
}

// Lookup returns the path for id. A missing id is the uncategorized case, not an error.
func (i *Index) Lookup(id int64) (domain.CategoryPath, bool) {
	if i == nil {
		return domain.CategoryPath{}, false
	}
	p, ok := i.paths[id]
	return p, ok
}

// Len returns the number of known categories.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.paths)
}
