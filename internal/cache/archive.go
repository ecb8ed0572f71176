package cache

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/drape/core/internal/coreerr"
)

// ZstdMagic is the magic number a Cache Archive must begin with (§4.3,
// §6): "28 B5 2F FD".
var ZstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// VerifyZstdMagic checks that prefix, the leading bytes of an archive,
// starts with ZstdMagic. Callers read the prefix themselves and
// reconstruct a reader from it if they still need the full stream.
func VerifyZstdMagic(prefix []byte) error {
	if len(prefix) < 4 {
		return coreerr.New(coreerr.CacheFetch, "archive shorter than zstd magic number")
	}
	var got [4]byte
	copy(got[:], prefix[:4])
	if got != ZstdMagic {
		return coreerr.New(coreerr.CacheFetch, fmt.Sprintf("zstd magic mismatch: got %x", got))
	}
	return nil
}

// BuildCacheArchive tars the package-manager store rooted at files
// (already enumerated by the caller) and compresses it with zstd at the
// given level (default 1, optimised for decompression speed over
// ratio, per §3). Returns the compressed bytes and the SHA-256 of the
// *uncompressed* tar, which is the archive's content address.
func BuildCacheArchive(files []TarEntry, zstdLevel int) (compressed []byte, sha256Hex string, err error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Path, Mode: int64(f.Mode), Size: int64(len(f.Content))}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", coreerr.Wrap(coreerr.Storage, "write tar header", err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, "", coreerr.Wrap(coreerr.Storage, "write tar body", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", coreerr.Wrap(coreerr.Storage, "close tar writer", err)
	}

	sum := sha256.Sum256(tarBuf.Bytes())

	level := zstd.EncoderLevelFromZstd(orDefault(zstdLevel, 1))
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, "", coreerr.Wrap(coreerr.Storage, "create zstd encoder", err)
	}
	if _, err := enc.Write(tarBuf.Bytes()); err != nil {
		enc.Close()
		return nil, "", coreerr.Wrap(coreerr.Storage, "zstd compress", err)
	}
	if err := enc.Close(); err != nil {
		return nil, "", coreerr.Wrap(coreerr.Storage, "close zstd encoder", err)
	}
	return out.Bytes(), hex.EncodeToString(sum[:]), nil
}

// ExtractCacheArchive verifies the zstd magic number, decompresses, and
// untars into a caller-supplied sink. Used by tests asserting the §8
// round-trip law: tar|zstd-1 -> zstd -d|tar -x yields byte-identical
// files.
func ExtractCacheArchive(r io.Reader, sink func(path string, mode int64, content []byte) error) error {
	buffered, err := io.ReadAll(r)
	if err != nil {
		return coreerr.Wrap(coreerr.CacheFetch, "read archive", err)
	}
	if err := VerifyZstdMagic(buffered); err != nil {
		return err
	}
	dec, err := zstd.NewReader(bytes.NewReader(buffered))
	if err != nil {
		return coreerr.Wrap(coreerr.CacheFetch, "open zstd decoder", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return coreerr.Wrap(coreerr.CacheFetch, "read tar entry", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return coreerr.Wrap(coreerr.CacheFetch, "read tar entry body", err)
		}
		if err := sink(hdr.Name, hdr.Mode, content); err != nil {
			return err
		}
	}
}

// TarEntry is a single file destined for a Cache Archive.
type TarEntry struct {
	Path    string
	Content []byte
	Mode    int64
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
