package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/domain"
)

// Tier identifies one step of the §4.3 dependency-restore protocol.
type Tier int

const (
	Tier1ModuleReuse Tier = iota + 1
	Tier2PeerDownload
	Tier3ObjectStorage
	Tier4FreshInstall
)

func (t Tier) String() string {
	switch t {
	case Tier1ModuleReuse:
		return "1"
	case Tier2PeerDownload:
		return "2"
	case Tier3ObjectStorage:
		return "3"
	case Tier4FreshInstall:
		return "4"
	default:
		return "unknown"
	}
}

// Execer is the narrow Agent surface the restore protocol needs.
type Execer interface {
	ExecFull(ctx context.Context, vm *domain.VM, req agentproto.ExecRequest) (*agentproto.ExecResponse, error)
}

// MasterLocator resolves the current cache-master VM, or nil if none is
// healthy (§4.3).
type MasterLocator interface {
	Current() *domain.VM
}

// ObjectStoreFetcher fetches the Cache Archive from object storage for
// Tier 3.
type ObjectStoreFetcher interface {
	FetchCacheArchiveCommand(bucket string) []string // returns the argv that downloads+extracts it
}

// Restorer drives the tiered dependency-restore protocol (§4.3).
type Restorer struct {
	exec    Execer
	master  MasterLocator
	store   ObjectStoreFetcher
	tier3URL string
	tier3Enabled bool

	mu              sync.Mutex
	tier2Failures   []time.Time
	tier2Suspended  time.Time
}

func NewRestorer(exec Execer, master MasterLocator, store ObjectStoreFetcher, tier3Enabled bool, tier3URL string) *Restorer {
	return &Restorer{exec: exec, master: master, store: store, tier3Enabled: tier3Enabled, tier3URL: tier3URL}
}

// RestoreResult reports which tier succeeded and its cost for metrics.
type RestoreResult struct {
	Tier     Tier
	Skipped  bool // Tier 1 applied: no install ran at all
	Duration time.Duration
}

// Restore runs the tiers in order against vm, stopping at the first
// success. currentPkgJSONSHA256 is the SHA-256 of the project's current
// package.json, compared against the VM's preserved_modules_hash for
// Tier 1 (§8: "Tier 1 skip, the sentinel hash equals SHA-256 of the
// current package.json").
func (r *Restorer) Restore(ctx context.Context, vm *domain.VM, currentPkgJSONSHA256 string, installCmd []string, tier2Enabled bool) (*RestoreResult, error) {
	start := time.Now()

	vm.RLock()
	preserved := vm.ModulesHash
	vm.RUnlock()
	if preserved != "" && preserved == currentPkgJSONSHA256 {
		return &RestoreResult{Tier: Tier1ModuleReuse, Skipped: true, Duration: time.Since(start)}, nil
	}

	if tier2Enabled && !r.tier2SuspendedNow() {
		if err := r.restoreTier2(ctx, vm); err == nil {
			if err := r.runInstall(ctx, vm, installCmd, "--prefer-offline"); err == nil {
				r.stampSentinel(vm, currentPkgJSONSHA256)
				return &RestoreResult{Tier: Tier2PeerDownload, Duration: time.Since(start)}, nil
			}
		} else {
			r.recordTier2Failure()
		}
	}

	if r.tier3Enabled {
		if err := r.restoreTier3(ctx, vm); err == nil {
			if err := r.runInstall(ctx, vm, installCmd, "--prefer-offline"); err == nil {
				r.stampSentinel(vm, currentPkgJSONSHA256)
				return &RestoreResult{Tier: Tier3ObjectStorage, Duration: time.Since(start)}, nil
			}
		}
	}

	if err := r.runInstall(ctx, vm, installCmd, ""); err != nil {
		return nil, coreerr.Wrap(coreerr.InstallFailed, "fresh install failed", err)
	}
	r.stampSentinel(vm, currentPkgJSONSHA256)
	return &RestoreResult{Tier: Tier4FreshInstall, Duration: time.Since(start)}, nil
}

// restoreTier2 pipes curl against the cache master's /download into a
// zstd-aware tar extraction, routed via the provider header, subject to
// a 3-minute timeout (§4.3).
func (r *Restorer) restoreTier2(ctx context.Context, vm *domain.VM) error {
	master := r.master.Current()
	if master == nil {
		return coreerr.New(coreerr.CacheFetch, "no healthy cache master")
	}
	cmd := []string{"sh", "-c", fmt.Sprintf(
		"curl -sf -H '%s: %s' '%s/download?type=pnpm' | zstd -d | tar -x -C /var/cache/store",
		"Fly-Force-Instance-Id", master.MachineID, "http://cache-master.internal",
	)}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	resp, err := r.exec.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: (3 * time.Minute).Milliseconds()})
	if err != nil {
		return coreerr.Wrap(coreerr.CacheFetch, "tier2 exec failed", err)
	}
	if resp.ExitCode != 0 || resp.TimedOut {
		return coreerr.New(coreerr.CacheFetch, fmt.Sprintf("tier2 peer download failed, exit=%d timed_out=%v", resp.ExitCode, resp.TimedOut))
	}
	return nil
}

func (r *Restorer) restoreTier3(ctx context.Context, vm *domain.VM) error {
	if r.tier3URL == "" {
		return coreerr.New(coreerr.CacheFetch, "tier3 url not configured")
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("curl -sf '%s' | zstd -d | tar -x -C /var/cache/store", r.tier3URL)}
	resp, err := r.exec.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: (3 * time.Minute).Milliseconds()})
	if err != nil {
		return coreerr.Wrap(coreerr.CacheFetch, "tier3 exec failed", err)
	}
	if resp.ExitCode != 0 {
		return coreerr.New(coreerr.CacheFetch, fmt.Sprintf("tier3 object-storage download failed, exit=%d", resp.ExitCode))
	}
	return nil
}

func (r *Restorer) runInstall(ctx context.Context, vm *domain.VM, installCmd []string, extraFlag string) error {
	cmd := installCmd
	if extraFlag != "" {
		cmd = append(append([]string{}, installCmd...), extraFlag)
	}
	resp, err := r.exec.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: (300 * time.Second).Milliseconds()})
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return coreerr.New(coreerr.InstallFailed, tailLog(resp.Stderr, 2048))
	}
	return nil
}

func (r *Restorer) stampSentinel(vm *domain.VM, sha string) {
	vm.Lock()
	vm.ModulesHash = sha
	vm.Unlock()
}

// recordTier2Failure and tier2Suspended implement the §4.3 rule:
// "when it exceeds 5 failures in 5 minutes, temporarily marks Tier 2
// unavailable for 60s."
func (r *Restorer) recordTier2Failure() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tier2Failures = append(r.tier2Failures, now)
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(r.tier2Failures) && r.tier2Failures[i].Before(cutoff) {
		i++
	}
	r.tier2Failures = r.tier2Failures[i:]
	if len(r.tier2Failures) > 5 {
		r.tier2Suspended = now.Add(60 * time.Second)
	}
}

func (r *Restorer) tier2SuspendedNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.tier2Suspended)
}

// HashPackageJSON computes the sentinel hash used for Tier 1 (§4.3, §8).
func HashPackageJSON(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func tailLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
