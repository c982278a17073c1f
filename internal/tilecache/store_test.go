package tilecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	addr := model.TileAddress{X: 10, Y: 12, Zoom: 5, Style: "standard"}
	_, ok, err := store.Read(addr)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Write(addr, []byte("tiledata")))
	data, ok, err := store.Read(addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("tiledata"), data)
}

func TestStoreLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	// A file written by an older version, without the style prefix.
	legacy := filepath.Join(dir, "5_10_12.png")
	require.NoError(t, os.WriteFile(legacy, []byte("old"), 0o644))

	addr := model.TileAddress{X: 10, Y: 12, Zoom: 5, Style: model.DefaultStyle}
	data, ok, err := store.Read(addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), data)

	_, err = os.Stat(legacy)
	assert.True(t, os.IsNotExist(err), "legacy file renamed under the styled key")
	_, err = os.Stat(filepath.Join(dir, "standard_5_10_12.png"))
	assert.NoError(t, err)
}

func TestStoreLegacyNotUsedForOtherStyles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "5_10_12.png"), []byte("old"), 0o644))

	addr := model.TileAddress{X: 10, Y: 12, Zoom: 5, Style: "satellite"}
	_, ok, err := store.Read(addr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreEnumerate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Write(model.TileAddress{X: 1, Y: 2, Zoom: 3}, []byte("aaa")))
	require.NoError(t, store.Write(model.TileAddress{X: 4, Y: 5, Zoom: 6, Style: "satellite"}, []byte("bbbb")))
	// Junk that must be skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notatile.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_key.png"), []byte("x"), 0o644))

	recs, err := store.Enumerate()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	bySize := map[string]int64{}
	for _, rec := range recs {
		bySize[rec.Key] = rec.SizeBytes
	}
	assert.Equal(t, int64(3), bySize["standard_3_1_2"])
	assert.Equal(t, int64(4), bySize["satellite_6_4_5"])
}

func TestParseKey(t *testing.T) {
	addr, ok := parseKey("satellite_6_4_5")
	require.True(t, ok)
	assert.Equal(t, model.TileAddress{X: 4, Y: 5, Zoom: 6, Style: "satellite"}, addr)

	addr, ok = parseKey("3_1_2")
	require.True(t, ok)
	assert.Equal(t, model.TileAddress{X: 1, Y: 2, Zoom: 3, Style: "standard"}, addr)

	for _, bad := range []string{"", "x", "a_b_c", "1_2", "standard_9_9_9_9_9", "standard_2_9_0"} {
		_, ok := parseKey(bad)
		assert.False(t, ok, "key %q", bad)
	}
}

func TestStoreClear(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write(model.TileAddress{X: 1, Y: 1, Zoom: 1}, []byte("a")))
	require.NoError(t, store.Clear())
	recs, err := store.Enumerate()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
