package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(args []any) (any, error) { return nil, nil }

func TestReferenceStoreDenseIDs(t *testing.T) {
	store := NewReferenceStore()

	a := store.Put(noop)
	b := store.Put(noop)
	c := store.Put(noop)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 2, c)

	// released ids are recycled
	_, err := store.Fetch(b)
	require.NoError(t, err)
	d := store.Put(noop)
	assert.Equal(t, b, d)
}

func TestReferenceStoreFetchOnce(t *testing.T) {
	store := NewReferenceStore()
	id := store.Put(noop)

	_, err := store.Fetch(id)
	require.NoError(t, err)

	_, err = store.Fetch(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback can only be called once")
}

func TestReferenceStorePairInvalidation(t *testing.T) {
	store := NewReferenceStore()
	resolveID, rejectID := store.PutPair(noop, noop)

	_, err := store.Fetch(resolveID)
	require.NoError(t, err)

	// fetching one side released the other
	_, err = store.Fetch(rejectID)
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestReferenceStorePinned(t *testing.T) {
	store := NewReferenceStore()
	id := store.Pin(noop)

	for i := 0; i < 3; i++ {
		_, err := store.Fetch(id)
		require.NoError(t, err)
	}

	assert.True(t, store.Release(id))
	_, err := store.Fetch(id)
	require.Error(t, err)
	assert.False(t, store.Release(id))
}

func TestReferenceStoreClose(t *testing.T) {
	store := NewReferenceStore()
	id := store.Put(noop)
	store.Close()

	_, err := store.Fetch(id)
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
