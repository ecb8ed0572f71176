package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drape/core/internal/store"
)

type fakeResolver struct {
	byMachine map[string]*store.RouteEntry
	byPrefix  map[string]*store.RouteEntry
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byMachine: map[string]*store.RouteEntry{}, byPrefix: map[string]*store.RouteEntry{}}
}

func (f *fakeResolver) Lookup(ctx context.Context, machineID string) (*store.RouteEntry, error) {
	return f.byMachine[machineID], nil
}

func (f *fakeResolver) LookupPrefix(ctx context.Context, user, project string) (*store.RouteEntry, error) {
	return f.byPrefix[user+"/"+project], nil
}

func TestServeHTTPNoSession(t *testing.T) {
	resolver := newFakeResolver()
	g, err := New(resolver, "http://upstream.test", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no-session")
}

func TestServeHTTPNotReady(t *testing.T) {
	resolver := newFakeResolver()
	resolver.byMachine["m-1"] = &store.RouteEntry{MachineID: "m-1", Ready: false, Step: "installing", Percent: 60}
	g, err := New(resolver, "http://upstream.test", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(machineIDHeader, "m-1")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "not-ready")
	require.Contains(t, rec.Body.String(), "installing")
}

func TestResolvePrefixFallback(t *testing.T) {
	resolver := newFakeResolver()
	resolver.byPrefix["alice/todo-app"] = &store.RouteEntry{MachineID: "m-2", ProjectID: "todo-app", Ready: true}
	g, err := New(resolver, "http://upstream.test", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/@alice/todo-app/index.html", nil)
	machineID, entry, err := g.resolve(req)
	require.NoError(t, err)
	require.Equal(t, "m-2", machineID)
	require.True(t, entry.Ready)
}

func TestParsePrefix(t *testing.T) {
	user, project, ok := parsePrefix("/@alice/todo-app/static/app.js")
	require.True(t, ok)
	require.Equal(t, "alice", user)
	require.Equal(t, "todo-app", project)

	_, _, ok = parsePrefix("/health")
	require.False(t, ok)
}

func TestCookieResolutionTakesPriority(t *testing.T) {
	resolver := newFakeResolver()
	resolver.byMachine["cookie-vm"] = &store.RouteEntry{MachineID: "cookie-vm", Ready: true}
	g, err := New(resolver, "http://upstream.test", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-vm"})
	req.Header.Set(machineIDHeader, "unused-header-vm")

	machineID, entry, err := g.resolve(req)
	require.NoError(t, err)
	require.Equal(t, "cookie-vm", machineID)
	require.True(t, entry.Ready)
}
