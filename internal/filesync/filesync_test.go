package filesync

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drape/core/internal/domain"
)

func TestFilterFilesSkipsNodeModulesGitAndOversize(t *testing.T) {
	files := []domain.File{
		{Path: "src/index.js", Content: []byte("ok")},
		{Path: "node_modules/x/pkg.js", Content: []byte("skip")},
		{Path: ".git/HEAD", Content: []byte("skip")},
		{Path: "big.bin", Content: make([]byte, 100)},
	}
	kept, skipped, total := filterFiles(files, 50)
	require.Len(t, kept, 1)
	require.Equal(t, "src/index.js", kept[0].Path)
	require.Equal(t, []string{"big.bin"}, skipped)
	require.EqualValues(t, 2, total)
}

func TestBuildArchiveProducesValidTarGz(t *testing.T) {
	files := []domain.File{{Path: "a.txt", Content: []byte("hello"), Mode: 0o644}}
	out, err := buildArchive(files)
	require.NoError(t, err)

	gr, err := gzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "a.txt", hdr.Name)
}

func TestDiffManifestDetectsChangedAndNewFiles(t *testing.T) {
	manifest := []ManifestEntry{{Path: "a.txt", Size: 5}, {Path: "c.txt", Size: 10}}
	files := []domain.File{
		{Path: "a.txt", Content: []byte("hello")}, // unchanged size
		{Path: "b.txt", Content: []byte("new")},   // new file
		{Path: "c.txt", Content: []byte("abc")},   // changed size
	}
	changed := DiffManifest(files, manifest)
	require.Len(t, changed, 2)
	require.Equal(t, "b.txt", changed[0].Path)
	require.Equal(t, "c.txt", changed[1].Path)
}

func TestParseManifestFallsBackOnMalformed(t *testing.T) {
	require.Nil(t, ParseManifest([]byte("not json")))
	require.Nil(t, ParseManifest(nil))
}
