package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/drape/core/internal/orchestrator"
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

type fakeAgent struct{}

func (a *fakeAgent) ExecFull(ctx context.Context, vm *domain.VM, req agentproto.ExecRequest) (*agentproto.ExecResponse, error) {
	return &agentproto.ExecResponse{ExecID: "exec-1", ExitCode: 0, Stdout: "200"}, nil
}
func (a *fakeAgent) KillExec(ctx context.Context, vm *domain.VM, execID string) error { return nil }
func (a *fakeAgent) Extract(ctx context.Context, vm *domain.VM, archive io.Reader, path string, preserve []string) (*agentproto.ExtractResponse, error) {
	return &agentproto.ExtractResponse{FilesExtracted: 1, Bytes: 16}, nil
}

type fakeFiles struct{ files []domain.File }

func (f *fakeFiles) ListFiles(ctx context.Context, projectID string) ([]domain.File, error) {
	return f.files, nil
}

type fakeAudit struct{}

func (a *fakeAudit) AppendSessionAudit(ctx context.Context, e store.SessionAuditEntry) error {
	return nil
}

type fakeRoutes struct{ bound int32 }

func (r *fakeRoutes) BindPrefix(ctx context.Context, user, project string, e store.RouteEntry) error {
	atomic.AddInt32(&r.bound, 1)
	return nil
}
func (r *fakeRoutes) Unbind(ctx context.Context, machineID string) error { return nil }
func (r *fakeRoutes) BindMachine(ctx context.Context, machineID string, e store.RouteEntry) error {
	atomic.AddInt32(&r.bound, 1)
	return nil
}

type fakeAlerts struct{}

func (a *fakeAlerts) Record(class coreerr.Class) {}

type noopMaster struct{}

func (noopMaster) Current() *domain.VM { return nil }

type fakeStats struct{ counts map[string]int64 }

func (f *fakeStats) StatsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	return f.counts, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Daemon.PublicBaseURL = "https://preview.test"
	cfg.Session.IdleTimeout = time.Hour
	cfg.Breaker.Enabled = false
	cfg.Cache.Tier2Enabled = false
	return cfg
}

func newTestHandler(t *testing.T, files []domain.File, routes *fakeRoutes) http.Handler {
	t.Helper()
	agent := &fakeAgent{}
	fs := &fakeFiles{files: files}
	syncer := filesync.New(fs, agent, 0)
	restorer := cache.NewRestorer(agent, noopMaster{}, nil, false, "")

	orch := orchestrator.New(testConfig(), &fakeProvider{}, fakeModules{}, agent, syncer, restorer, fs, &fakeAudit{}, routes, &fakeAlerts{}, nil)

	return New(Config{
		Orchestrator: orch,
		Gateway:      nil,
		Stats:        &fakeStats{counts: map[string]int64{"provision": 2}},
		Routes:       routes,
	})
}

func TestHealthReportsPoolAndSessionCounts(t *testing.T) {
	handler := newTestHandler(t, nil, &fakeRoutes{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "pool")
}

func TestStartPreviewStreamsReadyEvent(t *testing.T) {
	files := []domain.File{{Path: "index.html", Content: []byte("<html></html>"), Mode: 0o644}}
	routes := &fakeRoutes{}
	handler := newTestHandler(t, files, routes)

	req := httptest.NewRequest(http.MethodPost, "/preview/start", strings.NewReader(`{"project_id":"proj-1"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"type":"ready"`)
	require.Contains(t, rr.Body.String(), "previewUrl")
}

func TestStartPreviewRejectsMissingProjectID(t *testing.T) {
	handler := newTestHandler(t, nil, &fakeRoutes{})

	req := httptest.NewRequest(http.MethodPost, "/preview/start", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStopPreviewReturnsNoContentForUnknownProject(t *testing.T) {
	handler := newTestHandler(t, nil, &fakeRoutes{})

	req := httptest.NewRequest(http.MethodPost, "/preview/stop", strings.NewReader(`{"project_id":"missing"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMetricsStatsDefaultsToOneDay(t *testing.T) {
	handler := newTestHandler(t, nil, &fakeRoutes{})

	req := httptest.NewRequest(http.MethodGet, "/metrics/stats", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["days"])
	require.Equal(t, float64(2), body["errors_by_class"].(map[string]any)["provision"])
}
