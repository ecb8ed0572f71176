package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheArchiveRoundTrip(t *testing.T) {
	files := []TarEntry{
		{Path: "a.txt", Content: []byte("hello"), Mode: 0o644},
		{Path: "dir/b.txt", Content: []byte("world"), Mode: 0o644},
	}
	compressed, sha, err := BuildCacheArchive(files, 1)
	require.NoError(t, err)
	require.NotEmpty(t, sha)
	require.NoError(t, VerifyZstdMagic(compressed))

	got := map[string][]byte{}
	err = ExtractCacheArchive(bytes.NewReader(compressed), func(path string, mode int64, content []byte) error {
		got[path] = content
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got["a.txt"])
	require.Equal(t, []byte("world"), got["dir/b.txt"])
}

func TestVerifyZstdMagicRejectsGarbage(t *testing.T) {
	err := VerifyZstdMagic([]byte("not a zstd stream"))
	require.Error(t, err)
}

func TestHashPackageJSONDeterministic(t *testing.T) {
	a := HashPackageJSON([]byte(`{"name":"x"}`))
	b := HashPackageJSON([]byte(`{"name":"x"}`))
	require.Equal(t, a, b)
}
