package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/cache"
	"github.com/drape/core/internal/config"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/filesync"
	"github.com/drape/core/internal/pool"
	"github.com/drape/core/internal/store"
)

type fakeProvider struct{ created int32 }

func (f *fakeProvider) CreateMachine(ctx context.Context, name, image, region string, env map[string]string, res pool.ProviderResources) (string, error) {
	id := atomic.AddInt32(&f.created, 1)
	return fmt.Sprintf("m-%d", id), nil
}
func (f *fakeProvider) StartMachine(ctx context.Context, machineID string) error   { return nil }
func (f *fakeProvider) DestroyMachine(ctx context.Context, machineID string) error { return nil }
func (f *fakeProvider) ListMachines(ctx context.Context) ([]pool.ProviderMachine, error) {
	return nil, nil
}
func (f *fakeProvider) Health(ctx context.Context, vm *domain.VM) (*agentproto.HealthResponse, error) {
	return &agentproto.HealthResponse{Version: "1"}, nil
}

type fakeModules struct{}

func (fakeModules) NodeModulesBytes(ctx context.Context, vm *domain.VM) (int64, error) { return 0, nil }
func (fakeModules) WipeProjectExceptModules(ctx context.Context, vm *domain.VM) error   { return nil }
func (fakeModules) WipeProjectEntirely(ctx context.Context, vm *domain.VM) error        { return nil }

// fakeAgent satisfies orchestrator.Agent, filesync.Agent and
// cache.Execer at once: every exec succeeds immediately, simulating a
// project whose dev server is already listening by the time it's polled.
type fakeAgent struct{ execs int32 }

func (a *fakeAgent) ExecFull(ctx context.Context, vm *domain.VM, req agentproto.ExecRequest) (*agentproto.ExecResponse, error) {
	n := atomic.AddInt32(&a.execs, 1)
	return &agentproto.ExecResponse{ExecID: fmt.Sprintf("exec-%d", n), ExitCode: 0, Stdout: "200"}, nil
}
func (a *fakeAgent) KillExec(ctx context.Context, vm *domain.VM, execID string) error { return nil }
func (a *fakeAgent) Extract(ctx context.Context, vm *domain.VM, archive io.Reader, path string, preserve []string) (*agentproto.ExtractResponse, error) {
	return &agentproto.ExtractResponse{FilesExtracted: 1, Bytes: 16}, nil
}

type fakeFiles struct{ files []domain.File }

func (f *fakeFiles) ListFiles(ctx context.Context, projectID string) ([]domain.File, error) {
	return f.files, nil
}

type fakeAudit struct{ entries []store.SessionAuditEntry }

func (a *fakeAudit) AppendSessionAudit(ctx context.Context, e store.SessionAuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

type fakeRoutes struct{ bound int32 }

func (r *fakeRoutes) BindPrefix(ctx context.Context, user, project string, e store.RouteEntry) error {
	atomic.AddInt32(&r.bound, 1)
	return nil
}
func (r *fakeRoutes) Unbind(ctx context.Context, machineID string) error { return nil }

type fakeAlerts struct{ recorded int32 }

func (a *fakeAlerts) Record(class coreerr.Class) { atomic.AddInt32(&a.recorded, 1) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Daemon.PublicBaseURL = "https://preview.test"
	cfg.Session.IdleTimeout = time.Hour
	cfg.Breaker.Enabled = false
	cfg.Cache.Tier2Enabled = false
	return cfg
}

func newTestOrchestrator(t *testing.T, files []domain.File) (*Orchestrator, *fakeRoutes, *fakeAlerts) {
	t.Helper()
	agent := &fakeAgent{}
	fs := &fakeFiles{files: files}
	syncer := filesync.New(fs, agent, 0)
	restorer := cache.NewRestorer(agent, noopMaster{}, nil, false, "")
	routes := &fakeRoutes{}
	alerts := &fakeAlerts{}

	o := New(testConfig(), &fakeProvider{}, fakeModules{}, agent, syncer, restorer, fs, &fakeAudit{}, routes, alerts, nil)
	return o, routes, alerts
}

type noopMaster struct{}

func (noopMaster) Current() *domain.VM { return nil }

func waitForEvent(t *testing.T, ch <-chan Envelope, kind EventKind, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestStartPreviewReachesReady(t *testing.T) {
	files := []domain.File{{Path: "index.html", Content: []byte("<html></html>"), Mode: 0o644}}
	o, routes, _ := newTestOrchestrator(t, files)

	sessionID := o.StartPreview("proj-1")
	ch, unsubscribe, ok := o.Subscribe(sessionID)
	require.True(t, ok)
	defer unsubscribe()

	ready := waitForEvent(t, ch, EventReady, 5*time.Second)
	require.Equal(t, "https://preview.test/@preview/proj-1/", ready.Ready.PreviewURL)

	sess, ok := o.Session(sessionID)
	require.True(t, ok)
	require.Equal(t, domain.StateReady, sess.CurrentState())
	require.Equal(t, int32(1), atomic.LoadInt32(&routes.bound))
}

func TestStartPreviewFailsOnUndetectedProject(t *testing.T) {
	files := []domain.File{{Path: "README.md", Content: []byte("hi"), Mode: 0o644}}
	o, _, alerts := newTestOrchestrator(t, files)

	sessionID := o.StartPreview("proj-2")
	ch, unsubscribe, ok := o.Subscribe(sessionID)
	require.True(t, ok)
	defer unsubscribe()

	errEvt := waitForEvent(t, ch, EventError, 5*time.Second)
	require.Equal(t, "parse", errEvt.Error.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&alerts.recorded))
}

func TestStopPreviewCancelsReadySession(t *testing.T) {
	files := []domain.File{{Path: "index.html", Content: []byte("<html></html>"), Mode: 0o644}}
	o, _, _ := newTestOrchestrator(t, files)

	sessionID := o.StartPreview("proj-3")
	ch, unsubscribe, ok := o.Subscribe(sessionID)
	require.True(t, ok)
	defer unsubscribe()
	waitForEvent(t, ch, EventReady, 5*time.Second)

	require.NoError(t, o.StopPreview(context.Background(), sessionID))
	_, stillExists := o.Session(sessionID)
	require.False(t, stillExists)
}
