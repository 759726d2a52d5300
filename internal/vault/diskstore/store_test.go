package diskstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024})
	require.NoError(t, err)
	defer store.Close()

	key := []byte("seq0/layer3/k/100-101")
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}

	require.NoError(t, store.Put(key, data))

	got, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutAndGetCompressed(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024, Compress: true})
	require.NoError(t, err)
	defer store.Close()

	key := []byte("seq1/layer0/v/0-1")
	data := make([]byte, 8192)
	for i := range data {
		data[i] = 42
	}

	require.NoError(t, store.Put(key, data))

	got, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, data, got)

	fi, statErr := os.Stat(store.blockPath(key))
	require.NoError(t, statErr)
	require.Less(t, fi.Size(), int64(len(data)))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024})
	require.NoError(t, err)
	defer store.Close()

	key := []byte("k")
	require.NoError(t, store.Put(key, []byte("v")))
	require.True(t, store.Has(key))

	store.Remove(key)
	require.False(t, store.Has(key))
}

func TestHas(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024})
	require.NoError(t, err)
	defer store.Close()

	key := []byte("k")
	require.False(t, store.Has(key))
	require.NoError(t, store.Put(key, []byte("v")))
	require.True(t, store.Has(key))
}

func TestIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024}

	store, err := New(cfg)
	require.NoError(t, err)
	key := []byte("k")
	require.NoError(t, store.Put(key, make([]byte, 256)))
	require.NoError(t, store.Close())

	store2, err := New(cfg)
	require.NoError(t, err)
	defer store2.Close()
	require.True(t, store2.Has(key))
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Path: filepath.Join(dir, "disk"), Budget: 1024 * 1024})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put([]byte("a"), make([]byte, 100)))
	require.NoError(t, store.Put([]byte("b"), make([]byte, 200)))

	stats := store.Stats()
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, int64(300), stats.Used)
}
