package linker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skulink/internal/domain"
	"skulink/internal/logging"
)

type fakeStore struct {
	domain.CatalogStore
	skus    []domain.SKU
	updates map[uuid.UUID][]uuid.UUID
	order   []uuid.UUID
}

func (s *fakeStore) Scan(ctx context.Context, pageSize int, fn func([]domain.SKU) error) error {
	for i := 0; i < len(s.skus); i += pageSize {
		end := min(i+pageSize, len(s.skus))
		if err := fn(s.skus[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) UpdateSimilar(ctx context.Context, id uuid.UUID, similar []uuid.UUID) error {
	if s.updates == nil {
		s.updates = map[uuid.UUID][]uuid.UUID{}
	}
	s.updates[id] = similar
	s.order = append(s.order, id)
	return nil
}

type fakeIndex struct {
	domain.SearchIndex
	results map[uuid.UUID][]uuid.UUID
	fail    map[uuid.UUID]error
	asked   []int
}

func (x *fakeIndex) FindSimilar(ctx context.Context, id uuid.UUID, maxResults int) ([]uuid.UUID, error) {
	x.asked = append(x.asked, maxResults)
	if err := x.fail[id]; err != nil {
		return nil, err
	}
	res := x.results[id]
	if len(res) > maxResults {
		res = res[:maxResults]
	}
	return res, nil
}

func skus(n int) []domain.SKU {
	out := make([]domain.SKU, n)
	for i := range out {
		out[i] = domain.SKU{UUID: uuid.New(), MarketplaceID: 1, ProductID: int64(i + 1)}
	}
	return out
}

func TestRun_WritesEveryRecordInScanOrder(t *testing.T) {
	recs := skus(5)
	store := &fakeStore{skus: recs}
	index := &fakeIndex{results: map[uuid.UUID][]uuid.UUID{
		recs[0].UUID: {recs[1].UUID, recs[2].UUID},
	}}

	n, err := New(store, index, Options{MaxResults: 5, PageSize: 2}, logging.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	want := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		want[i] = r.UUID
	}
	assert.Equal(t, want, store.order)
	assert.Equal(t, []uuid.UUID{recs[1].UUID, recs[2].UUID}, store.updates[recs[0].UUID])
	assert.NotNil(t, store.updates[recs[4].UUID])
	assert.Empty(t, store.updates[recs[4].UUID])
}

func TestRun_DropsSeedAndCaps(t *testing.T) {
	recs := skus(4)
	store := &fakeStore{skus: recs[:1]}
	seed := recs[0].UUID
	index := &fakeIndex{results: map[uuid.UUID][]uuid.UUID{
		seed: {seed, recs[1].UUID, recs[2].UUID, recs[3].UUID},
	}}

	_, err := New(store, index, Options{MaxResults: 2}, logging.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{recs[1].UUID, recs[2].UUID}, store.updates[seed])
	assert.Equal(t, []int{3}, index.asked)
}

func TestRun_QueryFailureAborts(t *testing.T) {
	recs := skus(3)
	store := &fakeStore{skus: recs}
	boom := errors.New("engine down")
	index := &fakeIndex{fail: map[uuid.UUID]error{recs[1].UUID: boom}}

	n, err := New(store, index, Options{}, logging.Nop()).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), recs[1].UUID.String())
	assert.Equal(t, 1, n)
	assert.Len(t, store.updates, 1)
	_, touched := store.updates[recs[2].UUID]
	assert.False(t, touched)
}

func TestRun_RateLimitedHonoursCancel(t *testing.T) {
	store := &fakeStore{skus: skus(3)}
	index := &fakeIndex{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := New(store, index, Options{QueriesPerSecond: 0.001}, logging.Nop()).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_RateLimited(t *testing.T) {
	store := &fakeStore{skus: skus(3)}
	n, err := New(store, &fakeIndex{}, Options{QueriesPerSecond: 1000}, logging.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWithoutSelf(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	assert.Equal(t, []uuid.UUID{b, c}, withoutSelf([]uuid.UUID{b, a, c}, a, 5))
	assert.Equal(t, []uuid.UUID{b}, withoutSelf([]uuid.UUID{b, c}, a, 1))
	assert.Equal(t, []uuid.UUID{}, withoutSelf(nil, a, 5))
}
