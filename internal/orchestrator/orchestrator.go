// Package orchestrator implements the Orchestrator (C7): the preview
// session state machine that drives a project from a bare pool VM to a
// running, reachable dev server, coordinating the pool, file sync,
// dependency-restore cache, project detector and circuit breaker
// (§4.7).
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/cache"
	"github.com/drape/core/internal/circuitbreaker"
	"github.com/drape/core/internal/config"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/detector"
	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/filesync"
	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/metrics"
	"github.com/drape/core/internal/pool"
	"github.com/drape/core/internal/providerclient"
	"github.com/drape/core/internal/store"
)

// percentage schedule, §4.7's state diagram.
const (
	pctAnalysing   = 5
	pctAcquiring   = 15
	pctSyncing     = 30
	pctDetecting   = 35
	pctInstalling  = 60
	pctStarting    = 80
	pctWaitReadyLo = 85
	pctWaitReadyHi = 95
	pctReady       = 100
)

const (
	readyPollInterval = 3 * time.Second
	readyPollTimeout  = 120 * time.Second
	readyProgressGap  = 5 * time.Second
	reapInterval      = 60 * time.Second
)

// FileLister is the narrow document-store surface the orchestrator
// needs directly (detection reads the same file list file sync later
// uploads).
type FileLister interface {
	ListFiles(ctx context.Context, projectID string) ([]domain.File, error)
}

// Agent is the narrow Agent surface the orchestrator drives directly,
// for starting the dev server, polling readiness, and cancellation.
type Agent interface {
	ExecFull(ctx context.Context, vm *domain.VM, req agentproto.ExecRequest) (*agentproto.ExecResponse, error)
	KillExec(ctx context.Context, vm *domain.VM, execID string) error
}

// AuditStore persists one row per state transition (supplements §4.7's
// in-memory machine with a durable trail).
type AuditStore interface {
	AppendSessionAudit(ctx context.Context, e store.SessionAuditEntry) error
}

// RouteBinder publishes the machine currently serving a project so
// internal/gateway's prefix fallback (§4.8) can resolve it.
type RouteBinder interface {
	BindPrefix(ctx context.Context, user, project string, e store.RouteEntry) error
	Unbind(ctx context.Context, machineID string) error
}

// AlertRecorder is satisfied by internal/observability.AlertDispatcher.
type AlertRecorder interface {
	Record(class coreerr.Class)
}

// ErrorCounter persists one error occurrence per class for the
// `/metrics/stats` aggregate window, independent of whether that
// occurrence also crossed the alert threshold.
type ErrorCounter interface {
	IncrementErrorCounter(ctx context.Context, class string, at time.Time) error
}

// MetricsRecorder is satisfied by internal/observability.MetricsFlusher;
// it durably records the same samples the in-process Prometheus
// collectors already track, for the `/metrics/stats` history (§4.9).
type MetricsRecorder interface {
	Record(name string, value float64, labels map[string]string)
}

// session bundles the domain session with its per-session event bus and
// a cancel func for StopPreview.
type session struct {
	s      *domain.PreviewSession
	bus    *bus
	cancel context.CancelFunc
}

// Orchestrator is the preview session state machine (C7).
type Orchestrator struct {
	cfg       *config.Config
	pool      *pool.Pool
	syncer    *filesync.Syncer
	restorer  *cache.Restorer
	files     FileLister
	agent     Agent
	breakers  *circuitbreaker.Registry
	audit     AuditStore
	routes    RouteBinder
	alerts    AlertRecorder
	errCounter ErrorCounter
	recorder  MetricsRecorder
	modules   pool.ModulesProbe

	mu       sync.Mutex
	sessions map[string]*session

	done chan struct{}
	wg   sync.WaitGroup
}

// New wires the Orchestrator from its collaborators. provider and
// modules are the pool's two narrow dependencies (satisfied in
// production by providerAdapter/modulesProbe wrapping a single
// *providerclient.Client; satisfied in tests by fakes), agent is the
// same client's ExecFull/KillExec surface used directly for
// install/start/ready-poll/cancel.
func New(cfg *config.Config, provider pool.Provider, modules pool.ModulesProbe, agent Agent, syncer *filesync.Syncer, restorer *cache.Restorer, files FileLister, audit AuditStore, routes RouteBinder, alerts AlertRecorder, errCounter ErrorCounter) *Orchestrator {
	p := pool.New(pool.Config{
		Target:          cfg.Pool.Target,
		Min:             cfg.Pool.Min,
		Max:             cfg.Pool.Max,
		MaxAge:          cfg.Pool.MaxAge,
		ReplenishEvery:  cfg.Pool.ReplenishInterval,
		HealthFreshness: cfg.Pool.HealthFreshness,
		MaxModulesBytes: cfg.Pool.MaxModulesBytes,
		Image:           cfg.Provider.BaseURL, // image identity comes from the provider-side template; see DESIGN.md
		Region:          cfg.Provider.Region,
	}, provider)

	return &Orchestrator{
		cfg:      cfg,
		pool:     p,
		syncer:   syncer,
		restorer: restorer,
		files:    files,
		agent:    agent,
		breakers: circuitbreaker.NewRegistry(),
		audit:      audit,
		routes:     routes,
		alerts:     alerts,
		errCounter: errCounter,
		modules:    modules,
		sessions:   make(map[string]*session),
		done:       make(chan struct{}),
	}
}

// NewFromProviderClient is the production constructor: it builds the
// provider adapter and modules probe from a single Agent/provider
// client, following the teacher's daemon convention of constructing
// one provider client and threading it through every component that
// needs it.
func NewFromProviderClient(cfg *config.Config, client *providerclient.Client, syncer *filesync.Syncer, restorer *cache.Restorer, files FileLister, audit AuditStore, routes RouteBinder, alerts AlertRecorder, errCounter ErrorCounter) *Orchestrator {
	return New(cfg, newProviderAdapter(client), newModulesProbe(client), client, syncer, restorer, files, audit, routes, alerts, errCounter)
}

// Pool exposes the underlying pool for /health reporting and RunBackground wiring.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// SetMetricsRecorder attaches the durable metrics sink (§4.9). Safe to
// leave unset; recording is a no-op until called.
func (o *Orchestrator) SetMetricsRecorder(r MetricsRecorder) { o.recorder = r }

func (o *Orchestrator) recordSample(name string, value float64, labels map[string]string) {
	if o.recorder != nil {
		o.recorder.Record(name, value, labels)
	}
}

// RunIdleReaper blocks, evicting ready sessions idle past
// cfg.Session.IdleTimeout every reapInterval (§4.7: idle eviction).
func (o *Orchestrator) RunIdleReaper(ctx context.Context) {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-t.C:
			o.reapIdle(ctx)
		}
	}
}

func (o *Orchestrator) reapIdle(ctx context.Context) {
	timeout := o.cfg.Session.IdleTimeout
	if timeout <= 0 {
		return
	}
	now := time.Now()

	o.mu.Lock()
	var stale []string
	for id, sess := range o.sessions {
		if sess.s.CurrentState() == domain.StateReady && sess.s.IdleFor(now) > timeout {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		logging.Op().Info("orchestrator: evicting idle session", "session_id", id)
		o.releaseSession(ctx, id, pool.OutcomeReady)
	}
}

// StartPreview creates a new session and begins driving it toward
// ready, returning its ID immediately; progress is delivered via
// Subscribe.
func (o *Orchestrator) StartPreview(projectID string) string {
	id := fmt.Sprintf("sess-%s-%d", projectID, time.Now().UnixNano())
	sessCtx, cancel := context.WithCancel(context.Background())

	sess := &session{
		s:      domain.NewPreviewSession(id, projectID),
		bus:    newBus(),
		cancel: cancel,
	}

	o.mu.Lock()
	o.sessions[id] = sess
	o.mu.Unlock()

	if m := metrics.Current(); m != nil {
		m.ActiveSessions.Inc()
	}
	o.recordSample("active_sessions_delta", 1, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(sessCtx, sess)
	}()

	return id
}

// Subscribe returns a channel of this session's events, and an
// unsubscribe func the caller must invoke when done (e.g. on SSE client
// disconnect).
func (o *Orchestrator) Subscribe(sessionID string) (ch <-chan Envelope, unsubscribe func(), ok bool) {
	o.mu.Lock()
	sess, found := o.sessions[sessionID]
	o.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	c := sess.bus.subscribe()
	return c, func() { sess.bus.unsubscribe(c) }, true
}

// Session returns the current domain session, for /health-style
// inspection.
func (o *Orchestrator) Session(sessionID string) (*domain.PreviewSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.s, true
}

// SessionByProject returns the most recently created session for
// projectID, if one is still tracked. Backs the `/session` endpoint,
// which attaches the routing cookie to a project's already-running
// preview rather than starting a new one (§6).
func (o *Orchestrator) SessionByProject(projectID string) (*domain.PreviewSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *session
	for _, sess := range o.sessions {
		if sess.s.ProjectID != projectID {
			continue
		}
		if best == nil || sess.s.CreatedAt.After(best.s.CreatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, false
	}
	return best.s, true
}

// SessionCount reports how many sessions are currently tracked, for the
// /health endpoint (§6).
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// StopPreview cancels an in-flight or ready session: it interrupts any
// tracked in-flight /exec calls, releases the bound VM, and transitions
// to cancelled (§5 cancellation).
func (o *Orchestrator) StopPreview(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return coreerr.New(coreerr.Storage, "unknown session: "+sessionID)
	}

	vm := sess.s.VM
	if vm != nil {
		for execID := range sess.s.PendingExecIDs {
			if err := o.agent.KillExec(ctx, vm, execID); err != nil {
				logging.Op().Warn("orchestrator: kill exec failed", "session_id", sessionID, "exec_id", execID, "err", err)
			}
		}
	}

	sess.s.Transition(domain.StateCancelled)
	sess.bus.publish(Envelope{Kind: EventCancelled})
	sess.cancel()

	o.releaseSession(ctx, sessionID, pool.OutcomeCancelled)
	return nil
}

func (o *Orchestrator) releaseSession(ctx context.Context, sessionID string, outcome pool.Outcome) {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if vm := sess.s.VM; vm != nil {
		o.pool.Release(ctx, vm, outcome, o.modules)
		if o.routes != nil {
			o.routes.Unbind(ctx, vm.MachineID)
		}
	}
	sess.bus.closeAll()

	if m := metrics.Current(); m != nil {
		m.ActiveSessions.Dec()
	}
	o.recordSample("active_sessions_delta", -1, nil)
}

// Shutdown stops background reaping and waits for in-flight sessions'
// goroutines to observe cancellation. Callers should cancel each
// session's context (e.g. via StopPreview) before calling this if a
// clean drain is required.
func (o *Orchestrator) Shutdown() {
	close(o.done)
	o.wg.Wait()
	o.pool.Shutdown()
}

// run drives one session end to end. Every step follows the same
// shape: transition, emit progress, do the work, classify failure. On
// any error the session fails terminally and the VM (if acquired) is
// destroyed rather than returned to the pool (§9's resolved open
// question: a session that never reached ready cannot be trusted to
// have left the VM in a reusable state).
func (o *Orchestrator) run(ctx context.Context, sess *session) {
	started := time.Now()
	s := sess.s
	projectID := s.ProjectID

	breakerCfg := circuitbreaker.Config{
		ErrorPct:       o.cfg.Breaker.ErrorPct,
		WindowDuration: o.cfg.Breaker.WindowDuration,
		OpenDuration:   o.cfg.Breaker.OpenDuration,
		HalfOpenProbes: o.cfg.Breaker.HalfOpenProbes,
	}
	var breaker *circuitbreaker.Breaker
	if o.cfg.Breaker.Enabled {
		breaker = o.breakers.Get(projectID, breakerCfg)
	}
	if breaker != nil && !breaker.Allow() {
		o.fail(ctx, sess, started, "acquiring", coreerr.New(coreerr.ProviderAPI, "circuit breaker open for project "+projectID))
		return
	}

	o.progress(sess, started, domain.StateAnalysing, pctAnalysing, "analysing project", nil)
	files, err := o.files.ListFiles(ctx, projectID)
	if err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "analysing", coreerr.Wrap(coreerr.Storage, "list project files", err))
		return
	}

	o.progress(sess, started, domain.StateAcquiring, pctAcquiring, "acquiring vm", nil)
	vm, err := o.pool.Acquire(ctx, projectID)
	if err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "acquiring", err)
		return
	}
	s.VM = vm

	if o.releaseIfMarked(ctx, sess, started, breaker, "acquiring", vm) {
		return
	}

	o.progress(sess, started, domain.StateSyncing, pctSyncing, "syncing project files", nil)
	syncResult, err := o.syncer.Sync(ctx, projectID, vm)
	if err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "syncing", err)
		return
	}

	if o.releaseIfMarked(ctx, sess, started, breaker, "syncing", vm) {
		return
	}

	o.progress(sess, started, domain.StateDetecting, pctDetecting, "detecting project type", map[string]any{
		"files_synced": syncResult.FilesSynced,
	})
	pkg := findPackageJSON(files)
	detected := detector.Detect(files, pkg)
	if detected == nil {
		o.tripAndFail(ctx, sess, started, breaker, "detecting", coreerr.New(coreerr.Parse, "unable to detect project type"))
		return
	}
	s.Detected = detected

	o.progress(sess, started, domain.StateInstalling, pctInstalling, "installing dependencies", map[string]any{
		"type": detected.Type,
	})
	if len(detected.InstallCommand) == 0 {
		if m := metrics.Current(); m != nil {
			m.InstallSkipTotal.Inc()
		}
		o.recordSample("install_skip_total", 1, nil)
	} else {
		sha := cache.HashPackageJSON(rawPackageJSON(files))
		result, err := o.restorer.Restore(ctx, vm, sha, detected.InstallCommand, o.cfg.Cache.Tier2Enabled)
		if err != nil {
			o.tripAndFail(ctx, sess, started, breaker, "installing", err)
			return
		}
		if m := metrics.Current(); m != nil {
			m.InstallTotal.Inc()
			m.CacheTierUsage.WithLabelValues(result.Tier.String()).Observe(float64(result.Duration.Milliseconds()))
		}
		o.recordSample("cache_tier_duration_ms", float64(result.Duration.Milliseconds()), map[string]string{"tier": result.Tier.String()})
	}

	if o.releaseIfMarked(ctx, sess, started, breaker, "installing", vm) {
		return
	}

	if err := o.patchAllowedHosts(ctx, vm, detected); err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "installing", err)
		return
	}

	o.progress(sess, started, domain.StateStarting, pctStarting, "starting dev server", nil)
	execID, err := o.startDevServer(ctx, vm, detected)
	if err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "starting", err)
		return
	}
	s.TrackExec(execID)

	o.progress(sess, started, domain.StateWaitingReady, pctWaitReadyLo, "waiting for dev server", nil)
	if err := o.waitForReady(ctx, sess, started, vm, detected); err != nil {
		o.tripAndFail(ctx, sess, started, breaker, "waiting-ready", err)
		return
	}

	previewURL := fmt.Sprintf("%s/@%s/%s/", o.cfg.Daemon.PublicBaseURL, "preview", projectID)
	s.PreviewURL = previewURL
	s.Transition(domain.StateReady)
	s.Touch()

	if o.routes != nil {
		o.routes.BindPrefix(ctx, "preview", projectID, store.RouteEntry{
			MachineID: vm.MachineID, ProjectID: projectID, SessionID: s.ID, Ready: true, Step: "ready", Percent: pctReady,
		})
	}

	sess.bus.publish(Envelope{Kind: EventProgress, Progress: &domain.ProgressEvent{
		Step: "ready", Percent: pctReady, Message: "ready", Timestamp: time.Now(), ElapsedMs: time.Since(started).Milliseconds(),
	}})
	sess.bus.publish(Envelope{Kind: EventReady, Ready: &domain.ReadyEvent{PreviewURL: previewURL, MachineID: vm.MachineID}})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.monitorDevServer(ctx, sess, started, breaker, vm, detected)
	}()

	if breaker != nil {
		breaker.RecordSuccess()
	}
	if m := metrics.Current(); m != nil {
		m.PreviewTotal.WithLabelValues("ready").Inc()
		m.ReadySuccessTotal.Inc()
	}
	o.recordSample("preview_total", 1, map[string]string{"result": "ready"})
	o.recordAudit(ctx, s, "ready", true, time.Since(started), "", "")
}

// patchAllowedHosts applies the §4.6 allowedHosts config patch for
// Vite/Vue projects: their dev servers refuse HMR requests whose Host
// header doesn't match an explicit allowlist, which the provider's
// wildcard preview hostname never will without this patch. Best-effort
// against whichever vite.config.* exists; a project with no vite config
// (plain Vue-CLI, or a non-standard layout) is left untouched rather
// than failing the session over it.
func (o *Orchestrator) patchAllowedHosts(ctx context.Context, vm *domain.VM, detected *domain.DetectedProject) error {
	if !detector.NeedsAllowedHosts(detected.Type) {
		return nil
	}
	host := wildcardHost(o.cfg.Daemon.PublicBaseURL)
	script := fmt.Sprintf(`cd %s && for f in vite.config.js vite.config.ts vite.config.mjs; do
  if [ -f "$f" ] && ! grep -q allowedHosts "$f"; then
    node -e "const fs=require('fs');const f=process.argv[1];let s=fs.readFileSync(f,'utf8');if(/defineConfig\(\{/.test(s)){s=s.replace(/defineConfig\(\{/, 'defineConfig({ server: { allowedHosts: ['+JSON.stringify(process.argv[2])+'] },');fs.writeFileSync(f,s);}" "$f" %q
  fi
done
true`, projectRoot, host)

	resp, err := o.agent.ExecFull(ctx, vm, agentproto.ExecRequest{
		Command:   []string{"sh", "-c", script},
		Cwd:       projectRoot,
		TimeoutMs: 10000,
	})
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return coreerr.New(coreerr.Storage, "allowedHosts patch failed: "+resp.Stderr)
	}
	return nil
}

// wildcardHost derives the provider's wildcard preview hostname (e.g.
// "*.preview.drape.dev") from the daemon's public base URL.
func wildcardHost(publicBaseURL string) string {
	u, err := url.Parse(publicBaseURL)
	if err != nil || u.Host == "" {
		return "*"
	}
	return "*." + u.Host
}

// startDevServer execs the detected start command in the background,
// redirecting stdout/stderr into a log file the agent can tail, and
// returns the exec_id for later cancellation.
func (o *Orchestrator) startDevServer(ctx context.Context, vm *domain.VM, detected *domain.DetectedProject) (string, error) {
	cmd := append([]string{}, detected.StartCommand...)
	resp, err := o.agent.ExecFull(ctx, vm, agentproto.ExecRequest{
		Command:    cmd,
		Cwd:        projectRoot,
		Background: true,
	})
	if err != nil {
		return "", err
	}
	return resp.ExecID, nil
}

// waitForReady polls the detected port with curl every readyPollInterval
// up to readyPollTimeout, emitting progress at most once every
// readyProgressGap while ramping percent from pctWaitReadyLo to
// pctWaitReadyHi (§4.7).
func (o *Orchestrator) waitForReady(ctx context.Context, sess *session, started time.Time, vm *domain.VM, detected *domain.DetectedProject) error {
	deadline := time.Now().Add(readyPollTimeout)
	lastProgress := time.Now()
	attempt := 0
	cmd := []string{"sh", "-c", fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://127.0.0.1:%d", detected.DefaultPort)}

	for {
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.DevServerTimeout, "cancelled while waiting for dev server", ctx.Err())
		default:
		}

		resp, err := o.agent.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: readyPollInterval.Milliseconds()})
		if err == nil && resp.ExitCode == 0 {
			if code, perr := strconv.Atoi(strings.TrimSpace(resp.Stdout)); perr == nil && code > 0 && code < 500 {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return coreerr.New(coreerr.DevServerTimeout, fmt.Sprintf("dev server did not become ready within %s", readyPollTimeout))
		}

		attempt++
		if time.Since(lastProgress) >= readyProgressGap {
			pct := pctWaitReadyLo + (pctWaitReadyHi-pctWaitReadyLo)*attempt/20
			if pct > pctWaitReadyHi {
				pct = pctWaitReadyHi
			}
			o.progress(sess, started, domain.StateWaitingReady, pct, "waiting for dev server", map[string]any{"attempt": attempt})
			lastProgress = time.Now()
		}

		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.DevServerTimeout, "cancelled while waiting for dev server", ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// devServerPollInterval and devServerCrashThreshold implement §7's
// dev-server-crashed class: "HTTP 5xx persistently (>30s) after an
// initial success".
const (
	devServerPollInterval   = 10 * time.Second
	devServerCrashThreshold = 30 * time.Second
)

// monitorDevServer polls the dev server after the session reaches ready,
// classifying sustained HTTP 5xx as dev-server-crashed and releasing the
// VM — waitForReady only proves the server answered once; nothing else
// watches for it dying or wedging afterward. Exits once the session
// leaves the ready state (cancelled, idle-reaped, or already failed) or
// its context is cancelled.
func (o *Orchestrator) monitorDevServer(ctx context.Context, sess *session, started time.Time, breaker *circuitbreaker.Breaker, vm *domain.VM, detected *domain.DetectedProject) {
	cmd := []string{"sh", "-c", fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://127.0.0.1:%d", detected.DefaultPort)}
	t := time.NewTicker(devServerPollInterval)
	defer t.Stop()
	var failingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if sess.s.CurrentState() != domain.StateReady {
			return
		}

		resp, err := o.agent.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: devServerPollInterval.Milliseconds()})
		ok := err == nil && resp.ExitCode == 0
		if ok {
			code, perr := strconv.Atoi(strings.TrimSpace(resp.Stdout))
			ok = perr == nil && code > 0 && code < 500
		}
		if ok {
			failingSince = time.Time{}
			continue
		}

		if failingSince.IsZero() {
			failingSince = time.Now()
			continue
		}
		if time.Since(failingSince) >= devServerCrashThreshold {
			o.tripAndFail(ctx, sess, started, breaker, "ready", coreerr.New(coreerr.DevServerCrashed, "dev server returned persistent 5xx after reaching ready"))
			return
		}
	}
}

func (o *Orchestrator) progress(sess *session, started time.Time, state domain.SessionState, pct int, msg string, details map[string]any) {
	sess.s.Transition(state)
	sess.s.Touch()
	sess.bus.publish(Envelope{Kind: EventProgress, Progress: &domain.ProgressEvent{
		Step:      string(state),
		Percent:   pct,
		Message:   msg,
		Timestamp: time.Now(),
		ElapsedMs: time.Since(started).Milliseconds(),
		Details:   details,
	}})
	if m := metrics.Current(); m != nil {
		m.PreviewPhaseDuration.WithLabelValues(string(state)).Observe(float64(time.Since(started).Milliseconds()))
	}
	o.recordSample("preview_phase_duration_ms", float64(time.Since(started).Milliseconds()), map[string]string{"step": string(state)})
}

// releaseIfMarked implements the §4.9 "VM marked for release at the next
// safe point" contract: checked at each step boundary in run, it fails
// the session and destroys the VM the resource monitor flagged for
// exceeding its memory/disk threshold, rather than letting the pipeline
// keep using a VM that's about to be forcibly reclaimed.
func (o *Orchestrator) releaseIfMarked(ctx context.Context, sess *session, started time.Time, breaker *circuitbreaker.Breaker, step string, vm *domain.VM) bool {
	if vm == nil || !o.pool.IsMarkedForRelease(vm.MachineID) {
		return false
	}
	o.tripAndFail(ctx, sess, started, breaker, step, coreerr.New(coreerr.OutOfMemory, "vm marked for release at safe point"))
	return true
}

// tripAndFail records a breaker failure before delegating to fail; the
// breaker must see every failed step, not just terminal ones classified
// as provider errors.
func (o *Orchestrator) tripAndFail(ctx context.Context, sess *session, started time.Time, breaker *circuitbreaker.Breaker, step string, err error) {
	if breaker != nil {
		breaker.RecordFailure()
	}
	o.fail(ctx, sess, started, step, err)
}

func (o *Orchestrator) fail(ctx context.Context, sess *session, started time.Time, step string, err error) {
	class, known := coreerr.Classify(err)
	if !known {
		class = coreerr.Storage
	}
	last := &domain.LastError{Code: string(class), Message: err.Error(), Retryable: class.Retryable()}
	sess.s.SetError(last)
	sess.s.Transition(domain.StateFailed)

	if o.alerts != nil {
		o.alerts.Record(class)
	}
	if o.errCounter != nil {
		if cerr := o.errCounter.IncrementErrorCounter(ctx, string(class), time.Now()); cerr != nil {
			logging.Op().Warn("orchestrator: increment error counter failed", "class", class, "err", cerr)
		}
	}

	sess.bus.publish(Envelope{Kind: EventError, Error: &domain.ErrorEvent{
		Code: last.Code, Message: last.Message, Retryable: last.Retryable,
	}})

	if m := metrics.Current(); m != nil {
		m.PreviewTotal.WithLabelValues("failed").Inc()
		m.ReadyFailureTotal.Inc()
		m.ErrorsByClass.WithLabelValues(string(class)).Inc()
	}
	o.recordSample("preview_total", 1, map[string]string{"result": "failed"})
	o.recordSample("errors_total", 1, map[string]string{"class": string(class)})

	logging.Op().Warn("orchestrator: session failed", "session_id", sess.s.ID, "step", step, "class", class, "err", err)
	o.recordAudit(ctx, sess.s, step, false, time.Since(started), "", err.Error())

	o.releaseSession(ctx, sess.s.ID, pool.OutcomeFailed)
}

func (o *Orchestrator) recordAudit(ctx context.Context, s *domain.PreviewSession, step string, success bool, elapsed time.Duration, cacheTier, errMsg string) {
	if o.audit == nil {
		return
	}
	machineID := ""
	if s.VM != nil {
		machineID = s.VM.MachineID
	}
	if err := o.audit.AppendSessionAudit(ctx, store.SessionAuditEntry{
		SessionID: s.ID, ProjectID: s.ProjectID, MachineID: machineID, Step: step,
		Success: success, DurationMs: elapsed.Milliseconds(), CacheTier: cacheTier, Error: errMsg, At: time.Now(),
	}); err != nil {
		logging.Op().Warn("orchestrator: audit write failed", "session_id", s.ID, "err", err)
	}
}

// findPackageJSON returns the first top-level package.json's parsed
// contents, or nil if the project has none (§4.6 boundary behaviour).
func findPackageJSON(files []domain.File) *detector.PackageJSON {
	raw := rawPackageJSON(files)
	if raw == nil {
		return nil
	}
	pkg, err := detector.ParsePackageJSON(raw)
	if err != nil {
		return nil
	}
	return pkg
}

func rawPackageJSON(files []domain.File) []byte {
	for _, f := range files {
		if f.Path == "package.json" {
			return f.Content
		}
	}
	return nil
}
