package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRecordStore_PutRetrieve(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalRecordStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "runs/r1/guardians/g_0.json", []byte(`{"id":"g_0"}`)))
	data, err := store.Retrieve(ctx, "runs/r1/guardians/g_0.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"g_0"}`, string(data))
	assert.FileExists(t, filepath.Join(dir, "runs", "r1", "guardians", "g_0.json"))

	_, err = store.Retrieve(ctx, "runs/r1/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, filepath.Join(dir, "runs", "r1"), store.URI("runs/r1"))
}

func TestLocalRecordStore_StaysInsideBase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalRecordStore(filepath.Join(dir, "records"))
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "../../escape.json", []byte(`{}`)))
	assert.NoFileExists(t, filepath.Join(dir, "escape.json"))
	assert.FileExists(t, filepath.Join(dir, "records", "escape.json"))

	assert.Error(t, store.Put(context.Background(), "", []byte(`{}`)))
}
