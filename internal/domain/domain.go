// Package domain holds the core entity types shared across the preview
// orchestration core: projects, virtual machines, preview sessions, and
// the archive/progress-event shapes that flow between components.
package domain

import (
	"sync"
	"time"
)

// VMRole classifies how a pool-member VM is currently being used.
type VMRole string

const (
	RolePoolMember VMRole = "pool-member"
	RoleCacheMaster VMRole = "cache-master"
	RoleInUse      VMRole = "in-use"
)

// VMState is the lifecycle state of a pool-member VM (§4.4).
type VMState string

const (
	VMCreating       VMState = "creating"
	VMHealthChecking VMState = "health-checking"
	VMAvailable      VMState = "available"
	VMInUse          VMState = "in-use"
	VMCleaning       VMState = "cleaning"
	VMDestroying     VMState = "destroying"
	VMDestroyed      VMState = "destroyed"
)

// VM is a machine leased from the micro-VM provider. Fields mirror
// spec.md §3; the mutex guards last_health_ok_at and project_binding,
// which are written from the pool's allocation path and read from the
// gateway and resource monitor concurrently.
type VM struct {
	mu sync.RWMutex

	MachineID     string
	AgentBaseURL  string
	Role          VMRole
	State         VMState
	CreatedAt     time.Time
	LastHealthOK  time.Time
	ModulesHash   string // preserved_modules_hash, sentinel SHA-256 of package.json
	ProjectID     string // project_binding; empty when unbound
}

func (v *VM) Lock()    { v.mu.Lock() }
func (v *VM) Unlock()  { v.mu.Unlock() }
func (v *VM) RLock()   { v.mu.RLock() }
func (v *VM) RUnlock() { v.mu.RUnlock() }

// HealthFreshWithin reports whether the VM's last successful health probe
// happened within d of now. Used to enforce the "health probe within the
// last 30s" allocation invariant (§3).
func (v *VM) HealthFreshWithin(d time.Duration, now time.Time) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return !v.LastHealthOK.IsZero() && now.Sub(v.LastHealthOK) <= d
}

func (v *VM) Bind(projectID string) {
	v.mu.Lock()
	v.ProjectID = projectID
	v.Role = RoleInUse
	v.State = VMInUse
	v.mu.Unlock()
}

func (v *VM) Unbind() {
	v.mu.Lock()
	v.ProjectID = ""
	v.Role = RolePoolMember
	v.mu.Unlock()
}

func (v *VM) MarkHealthy(at time.Time) {
	v.mu.Lock()
	v.LastHealthOK = at
	v.mu.Unlock()
}

// File is a single project file as held in the external document store.
type File struct {
	Path    string
	Content []byte
	Mode    uint32
}

// Project is an opaque identifier plus the ordered file set the document
// store holds for it. The core treats Project as read-only except through
// the explicit sync endpoints in §4.5.
type Project struct {
	ID    string
	Files []File
}

// SessionState is one of the states in the §4.7 state machine.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateAnalysing     SessionState = "analysing"
	StateAcquiring     SessionState = "acquiring"
	StateSyncing       SessionState = "syncing"
	StateDetecting     SessionState = "detecting"
	StateInstalling    SessionState = "installing"
	StateStarting      SessionState = "starting"
	StateWaitingReady  SessionState = "waiting-ready"
	StateReady         SessionState = "ready"
	StateFailed        SessionState = "failed"
	StateCancelled     SessionState = "cancelled"
)

// DetectedProject is the Project Detector's (C6) output.
type DetectedProject struct {
	Type           string
	DefaultPort    int
	InstallCommand []string
	StartCommand   []string
	Notes          []string
}

// LastError carries the terminal error surfaced to a client when a
// session fails (§7).
type LastError struct {
	Code      string
	Message   string
	Retryable bool
}

// PreviewSession is the top-level unit the orchestrator drives (§3, §4.7).
type PreviewSession struct {
	mu sync.RWMutex

	ID              string
	ProjectID       string
	VM              *VM
	Detected        *DetectedProject
	State           SessionState
	StateEnteredAt  map[SessionState]time.Time
	LastError       *LastError
	CreatedAt       time.Time
	LastActivityAt  time.Time
	PreviewURL      string
	PendingExecIDs  map[string]struct{}
}

func NewPreviewSession(id, projectID string) *PreviewSession {
	now := time.Now()
	return &PreviewSession{
		ID:             id,
		ProjectID:      projectID,
		State:          StateIdle,
		StateEnteredAt: map[SessionState]time.Time{StateIdle: now},
		CreatedAt:      now,
		LastActivityAt: now,
		PendingExecIDs: make(map[string]struct{}),
	}
}

// Transition moves the session to the next state, recording the time it
// was entered. Callers are responsible for only calling this along edges
// valid in the §4.7 graph; the state machine in internal/orchestrator
// enforces that.
func (s *PreviewSession) Transition(next SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = next
	s.StateEnteredAt[next] = time.Now()
}

func (s *PreviewSession) CurrentState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *PreviewSession) Touch() {
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *PreviewSession) IdleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActivityAt)
}

func (s *PreviewSession) SetError(e *LastError) {
	s.mu.Lock()
	s.LastError = e
	s.mu.Unlock()
}

func (s *PreviewSession) TrackExec(execID string) {
	s.mu.Lock()
	s.PendingExecIDs[execID] = struct{}{}
	s.mu.Unlock()
}

func (s *PreviewSession) UntrackExec(execID string) {
	s.mu.Lock()
	delete(s.PendingExecIDs, execID)
	s.mu.Unlock()
}

// ProgressEvent is published by the orchestrator as each session
// advances (§4.7, §6).
type ProgressEvent struct {
	Step      string         `json:"step"`
	Percent   int            `json:"percent"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReadyEvent is the terminal success event (§6).
type ReadyEvent struct {
	PreviewURL string `json:"previewUrl"`
	MachineID  string `json:"machineId"`
}

// ErrorEvent is the terminal failure event (§6, §7).
type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ArchiveKind distinguishes the plain project archive from the Cache
// Archive used by the dependency-restore tiers (§3).
type ArchiveKind int

const (
	ArchiveProject ArchiveKind = iota
	ArchiveCache
)

// Archive describes a built tar stream awaiting upload or publication.
type Archive struct {
	Kind           ArchiveKind
	SHA256         string // of the uncompressed tar
	CompressedSize int64
	UncompressedSize int64
}
