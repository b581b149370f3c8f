package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
)

type record struct {
	Name string `json:"name"`
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kvstore.NewMemory())

	require.NoError(t, store.Put(ctx, "customer", "c1", record{Name: "Ann"}))

	var out record
	require.NoError(t, store.Get(ctx, "customer", "c1", &out))
	assert.Equal(t, "Ann", out.Name)

	err := store.Get(ctx, "customer", "c2", &out)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "customer", "c1"))
	err = store.Get(ctx, "customer", "c1", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByTypePartitioned(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kvstore.NewMemory())

	require.NoError(t, store.Put(ctx, "customer", "b", record{Name: "B"}))
	require.NoError(t, store.Put(ctx, "customer", "a", record{Name: "A"}))
	require.NoError(t, store.Put(ctx, "message", "a", record{Name: "M"}))

	entries, err := store.ListByType(ctx, "customer", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
}

func TestListByTypeRange(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kvstore.NewMemory())
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Put(ctx, "form", id, record{Name: id}))
	}

	entries, err := store.ListByType(ctx, "form", ListOptions{StartAfter: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)
}
