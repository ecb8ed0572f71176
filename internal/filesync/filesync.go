// Package filesync implements File Sync (C5): computing a project
// archive from the document store, uploading it to the Agent, and
// managing incremental resync against a warm VM's manifest.
package filesync

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/domain"
)

const (
	// ProjectRoot is the fixed in-VM path project files are extracted
	// under (§4.5).
	ProjectRoot    = "/home/app/project"
	manifestPath   = ".drape/sync-manifest.json"
	gzipLevel      = 6
	defaultMaxFile = 25 << 20 // 25 MiB
)

// Store reads project files from the external document store (§3); the
// concrete implementation lives in internal/store.
type Store interface {
	ListFiles(ctx context.Context, projectID string) ([]domain.File, error)
}

// Agent is the narrow Agent surface file sync needs.
type Agent interface {
	Extract(ctx context.Context, vm *domain.VM, archive io.Reader, path string, preserve []string) (*agentproto.ExtractResponse, error)
	ExecFull(ctx context.Context, vm *domain.VM, req agentproto.ExecRequest) (*agentproto.ExecResponse, error)
}

// ManifestEntry records one file's state as of the last successful
// extract, written by the Agent to .drape/sync-manifest.json (§4.5).
type ManifestEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// Syncer drives the archive-build + upload + extract + git-init
// pipeline.
type Syncer struct {
	store       Store
	agent       Agent
	maxFileBytes int64
}

func New(store Store, agent Agent, maxFileBytes int64) *Syncer {
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFile
	}
	return &Syncer{store: store, agent: agent, maxFileBytes: maxFileBytes}
}

// Result reports what Sync did, including files skipped for exceeding
// the size limit (§4.5, §8 boundary behaviour).
type Result struct {
	FilesSynced  int
	BytesSynced  int64
	SkippedFiles []string
	TotalBytes   int64
}

// Sync implements the full §4.5 algorithm: enumerate, filter, diff
// against the VM's existing manifest, tar+gzip, upload+extract, git
// init. Enumeration and the manifest fetch run concurrently via
// errgroup, mirroring the teacher's parallel-pre-fetch idiom in
// executor.go; a warm VM with a prior manifest only has its
// changed files archived and uploaded, a cold VM (missing/malformed
// manifest) gets every file.
func (s *Syncer) Sync(ctx context.Context, projectID string, vm *domain.VM) (*Result, error) {
	var files []domain.File
	var manifestBody []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		files, err = s.store.ListFiles(gctx, projectID)
		if err != nil {
			return coreerr.Wrap(coreerr.Storage, "list project files", err)
		}
		return nil
	})
	g.Go(func() error {
		manifestBody = s.fetchManifest(gctx, vm)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept, skipped, totalBytes := filterFiles(files, s.maxFileBytes)
	toSync := DiffManifest(kept, ParseManifest(manifestBody))

	archive, err := buildArchive(toSync)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Storage, "build project archive", err)
	}

	resp, err := s.agent.Extract(ctx, vm, bytes.NewReader(archive), ProjectRoot, []string{"node_modules", ".package-json-hash"})
	if err != nil {
		return nil, err
	}

	if err := s.gitInit(ctx, vm); err != nil {
		return nil, err
	}

	return &Result{
		FilesSynced:  resp.FilesExtracted,
		BytesSynced:  resp.Bytes,
		SkippedFiles: skipped,
		TotalBytes:   totalBytes,
	}, nil
}

// filterFiles applies §4.5 step 1: skip node_modules/**, .git/**, and
// any file exceeding maxFileBytes.
func filterFiles(files []domain.File, maxFileBytes int64) (kept []domain.File, skipped []string, totalBytes int64) {
	for _, f := range files {
		if strings.HasPrefix(f.Path, "node_modules/") || strings.HasPrefix(f.Path, ".git/") {
			continue
		}
		if int64(len(f.Content)) > maxFileBytes {
			skipped = append(skipped, f.Path)
			continue
		}
		kept = append(kept, f)
		totalBytes += int64(len(f.Content))
	}
	return kept, skipped, totalBytes
}

// buildArchive tars files in memory and gzips at level 6, per §3's
// "general-purpose compressor (gzip level 6)" and §4.5 step 2. Binary
// output only — base64 framing is never used (§4.5 rationale: a 33%
// size increase and decode CPU cost).
func buildArchive(files []domain.File) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		mode := int64(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Name: f.Path, Mode: mode, Size: int64(len(f.Content))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var gz bytes.Buffer
	gw, err := gzip.NewWriterLevel(&gz, gzipLevel)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return gz.Bytes(), nil
}

// fetchManifest reads the VM's existing sync manifest via exec, for the
// incremental-resync diff (§4.5). A missing file, non-zero exit, or
// exec error all fall back to an empty body, which ParseManifest turns
// into a nil manifest and DiffManifest then treats as "every file
// changed" — the correct behaviour for a cold VM.
func (s *Syncer) fetchManifest(ctx context.Context, vm *domain.VM) []byte {
	cmd := []string{"sh", "-c", fmt.Sprintf("cat %s/%s 2>/dev/null || true", ProjectRoot, manifestPath)}
	resp, err := s.agent.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: 5000})
	if err != nil || resp.ExitCode != 0 {
		return nil
	}
	return []byte(resp.Stdout)
}

// gitInit establishes a baseline git repository in the project root if
// none exists, so in-VM tooling that assumes a repository works (§4.5
// step 4).
func (s *Syncer) gitInit(ctx context.Context, vm *domain.VM) error {
	cmd := []string{"sh", "-c", fmt.Sprintf(
		"cd %s && [ -d .git ] || (git init -q && git add -A && git -c user.email=preview@drape.dev -c user.name=drape commit -q -m initial)",
		ProjectRoot,
	)}
	resp, err := s.agent.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: 30000})
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return coreerr.New(coreerr.Storage, "git init failed: "+resp.Stderr)
	}
	return nil
}

// DiffManifest computes which files changed versus the last manifest,
// for incremental resync against a warm VM (§4.5). A file counts as
// changed when its path is absent from the manifest or its size
// differs; the manifest's mtime is not compared, so an edit that keeps
// a file's size is not detected.
// Falls back to full resync (returns every file as changed) when
// manifest is missing or malformed — callers detect that by passing a
// nil/empty manifest.
func DiffManifest(files []domain.File, manifest []ManifestEntry) (changed []domain.File) {
	byPath := make(map[string]ManifestEntry, len(manifest))
	for _, m := range manifest {
		byPath[m.Path] = m
	}
	for _, f := range files {
		prior, ok := byPath[f.Path]
		if !ok || prior.Size != int64(len(f.Content)) {
			changed = append(changed, f)
		}
	}
	return changed
}

// ParseManifest decodes the Agent's .drape/sync-manifest.json; a
// malformed or empty body triggers the fallback-to-full-resync path by
// returning a nil slice and no error.
func ParseManifest(body []byte) []ManifestEntry {
	if len(body) == 0 {
		return nil
	}
	var m []ManifestEntry
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}
