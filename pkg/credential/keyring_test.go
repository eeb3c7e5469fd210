package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	store := New(keyring.NewArrayKeyring(nil))

	require.NoError(t, store.Set(SessionTokenKey, "s3cr3t"))

	value, err := store.Get(SessionTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", value)

	require.NoError(t, store.Delete(SessionTokenKey))

	_, err = store.Get(SessionTokenKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingKey(t *testing.T) {
	store := New(keyring.NewArrayKeyring(nil))
	assert.NoError(t, store.Delete("absent"))
}

func TestOverwrite(t *testing.T) {
	store := New(keyring.NewArrayKeyring([]keyring.Item{{Key: SessionTokenKey, Data: []byte("old")}}))

	require.NoError(t, store.Set(SessionTokenKey, "new"))

	value, err := store.Get(SessionTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}
