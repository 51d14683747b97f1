package relevo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestService(t *testing.T, cfg *Config, net *fakeNet, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithTransport(net)}, opts...)
	s, err := NewService(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func startedService(t *testing.T, cfg *Config, net *fakeNet) *Service {
	t.Helper()
	s := newTestService(t, cfg, net)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestServiceProxiesOrigin(t *testing.T) {
	net := newFakeNet()
	s := startedService(t, testConfig(t, "v1", ""), net)
	h := s.Handler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/menu.js?v=2", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Relevo"))
	assert.Equal(t, "live https://app.example/menu.js?v=2", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Relevo")

	net.setOffline(true)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Relevo"))
	assert.Equal(t, "live https://app.example/", rec.Body.String())
}

func TestServiceForwardProxy(t *testing.T) {
	net := newFakeNet()
	s := startedService(t, testConfig(t, "v1", ""), net)
	h := s.Handler()

	const font = "https://fonts.gstatic.com/s/inter/v12/inter.woff2"
	rec := serve(h, httptest.NewRequest(http.MethodGet, font, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Relevo"))
	assert.Equal(t, "live "+font, rec.Body.String())

	net.setOffline(true)
	rec = serve(h, httptest.NewRequest(http.MethodGet, font, nil))
	assert.Equal(t, "cache", rec.Header().Get("X-Relevo"))

	// Blocked hosts are never answered from cache, so offline is a 502.
	rec = serve(h, httptest.NewRequest(http.MethodGet, "https://firestore.googleapis.com/v1/projects/p", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get("X-Relevo"))
}

func TestServiceForwardProxyRefusesUnknownHosts(t *testing.T) {
	net := newFakeNet()
	s := startedService(t, testConfig(t, "v1", ""), net)
	h := s.Handler()

	for _, u := range []string{
		"http://10.0.0.1/admin",
		"https://evil.example/steal",
		"http://app.example/menu.js",
		"https://app.example:8443/menu.js",
	} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, u, nil))
		assert.Equal(t, http.StatusForbidden, rec.Code, u)
		assert.Zero(t, net.callCount(u), u)
	}

	// The origin with its default port spelled out is still the origin.
	rec := serve(h, httptest.NewRequest(http.MethodGet, "https://app.example:443/menu.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceRejectsConnect(t *testing.T) {
	net := newFakeNet()
	s := startedService(t, testConfig(t, "v1", ""), net)

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "evil.example:443"
	req.RequestURI = "evil.example:443"
	rec := serve(s.Handler(), req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Allow"))
}

func TestServiceAdminRoutesNotProxied(t *testing.T) {
	net := newFakeNet()
	s := startedService(t, testConfig(t, "v1", ""), net)

	// An absolute URI on the admin path belongs to the proxied site.
	rec := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "https://app.example/_relevo/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "live https://app.example/_relevo/state", rec.Body.String())
	assert.Equal(t, 1, net.callCount("https://app.example/_relevo/state"))
}

func TestServiceState(t *testing.T) {
	s := startedService(t, testConfig(t, "v1", ""), newFakeNet())

	rec := serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/_relevo/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var st stateResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.Registration.Active)
	assert.Equal(t, "v1", st.Registration.Active.Version)
	assert.Equal(t, "active", st.Registration.Active.State)
	assert.Nil(t, st.Registration.Waiting)
	assert.Equal(t, []GenerationInfo{
		{Name: "precache-v1", Entries: 4},
		{Name: "runtime-v1", Entries: 0},
	}, st.Generations)
}

func TestServiceMessage(t *testing.T) {
	ctx := context.Background()
	s := startedService(t, testConfig(t, "v1", ""), newFakeNet())
	h := s.Handler()

	v2, err := s.Registration().Update(ctx, testConfig(t, "v2", holdWaiting))
	require.NoError(t, err)
	require.Equal(t, StateWaiting, v2.State())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/_relevo/message", strings.NewReader(`{"type":"SKIP_WAITING"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, StateActive, v2.State())

	var info RegistrationInfo
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &info))
	require.NotNil(t, info.Active)
	assert.Equal(t, "v2", info.Active.Version)

	// Raw string form.
	v3, err := s.Registration().Update(ctx, testConfig(t, "v3", holdWaiting))
	require.NoError(t, err)
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/_relevo/message", strings.NewReader("SKIP_WAITING\n")))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, StateActive, v3.State())
}

func TestServiceMessageWithoutWorker(t *testing.T) {
	s := newTestService(t, testConfig(t, "v1", ""), newFakeNet())
	rec := serve(s.Handler(), httptest.NewRequest(http.MethodPost, "/_relevo/message", strings.NewReader("SKIP_WAITING")))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestParseMessage(t *testing.T) {
	assert.Equal(t, "SKIP_WAITING", parseMessage([]byte(" SKIP_WAITING ")))
	assert.Equal(t, "SKIP_WAITING", parseMessage([]byte(`"SKIP_WAITING"`)))
	assert.Equal(t, map[string]any{"type": "SKIP_WAITING"}, parseMessage([]byte(`{"type":"SKIP_WAITING"}`)))
	assert.Equal(t, "{broken", parseMessage([]byte("{broken")))
}

func TestServiceMetrics(t *testing.T) {
	s := startedService(t, testConfig(t, "v1", ""), newFakeNet())
	h := s.Handler()
	serve(h, httptest.NewRequest(http.MethodGet, "/menu.js", nil))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `relevo_fetch_total{outcome="network",route="stale-while-revalidate"} 1`)
	assert.Contains(t, body, `relevo_precache_total{result="ok"} 4`)
	assert.Contains(t, body, `relevo_lifecycle_transitions_total{state="active"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

const testSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9" xmlns:image="http://www.google.com/schemas/sitemap-image/1.1">
  <url>
    <loc>https://app.example/registros.html</loc>
    <image:image><image:loc>https://firebasestorage.googleapis.com/v0/b/app/o/p1.jpg</image:loc></image:image>
    <image:image><image:loc>https://firebasestorage.googleapis.com/v0/b/app/o/p2.jpg</image:loc></image:image>
  </url>
  <url>
    <loc>https://firebasestorage.googleapis.com/v0/b/app/o/p3.png</loc>
  </url>
</urlset>`

func sitemapNet() *fakeNet {
	net := newFakeNet()
	net.respond = func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/sitemap.xml" {
			return textResponse(req, http.StatusOK, testSitemap), nil
		}
		return nil, nil
	}
	return net
}

func TestServiceWarm(t *testing.T) {
	ctx := context.Background()
	net := sitemapNet()
	cfg := testConfig(t, "v1", "warm:\n  sitemaps: [/sitemap.xml]\n")
	s := newTestService(t, cfg, net)
	_, err := s.Registration().Update(ctx, cfg)
	require.NoError(t, err)

	res, err := s.Warm(ctx, []string{"/img/logo.png"})
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Requested: 4, OK: 4}, res)

	keys := cacheKeys(t, s.Storage(), "runtime-v1")
	assert.ElementsMatch(t, []string{
		"GET https://app.example/img/logo.png",
		"GET https://firebasestorage.googleapis.com/v0/b/app/o/p1.jpg",
		"GET https://firebasestorage.googleapis.com/v0/b/app/o/p2.jpg",
		"GET https://firebasestorage.googleapis.com/v0/b/app/o/p3.png",
	}, keys)
	assert.Equal(t, 1, net.callCount("https://app.example/sitemap.xml"))
}

func TestServiceWarmLimitAndFailures(t *testing.T) {
	ctx := context.Background()
	net := sitemapNet()
	net.setFail("https://firebasestorage.googleapis.com/v0/b/app/o/p2.jpg")
	cfg := testConfig(t, "v1", "warm:\n  sitemaps: [/sitemap.xml]\n  limit: 2\n")
	s := newTestService(t, cfg, net)
	_, err := s.Registration().Update(ctx, cfg)
	require.NoError(t, err)

	rec := serve(s.Handler(), httptest.NewRequest(http.MethodPost, "/_relevo/warm", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var res WarmResult
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, WarmResult{Requested: 2, OK: 1, Failed: 1}, res)

	rec = serve(s.Handler(), httptest.NewRequest(http.MethodPost, "/_relevo/warm", strings.NewReader(`{"not":"a list"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceWarmBadSitemap(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.setStatus("https://app.example/sitemap.xml", http.StatusNotFound)
	cfg := testConfig(t, "v1", "warm:\n  sitemaps: [/sitemap.xml]\n")
	s := newTestService(t, cfg, net)
	_, err := s.Registration().Update(ctx, cfg)
	require.NoError(t, err)

	_, err = s.Warm(ctx, nil)
	assert.Error(t, err)
}

func TestServiceWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relevo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML("v1", []string{"./", "./index.html"}, "")), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	s := startedService(t, cfg, newFakeNet())
	require.NoError(t, s.WatchConfig(path))

	require.NoError(t, os.WriteFile(path, []byte(testYAML("v2", []string{"./", "./index.html", "./style.css"}, "")), 0o644))

	require.Eventually(t, func() bool {
		w := s.Registration().Active()
		return w != nil && w.Version() == "v2"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, s.Registration().Active().Precached())

	// A broken file keeps the running version.
	require.NoError(t, os.WriteFile(path, []byte("version: [\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "v2", s.Registration().Active().Version())
}

func TestServiceLogsStats(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := testConfig(t, "v1", "logging:\n  logStatsEvery: 20ms\n")
	s, err := NewService(cfg, zap.New(core), WithTransport(newFakeNet()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(context.Background()))

	serve(s.Handler(), httptest.NewRequest(http.MethodGet, "/menu.js", nil))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("stats").FilterField(zap.Uint64("fromNetwork", 1)).Len() > 0
	}, 2*time.Second, 10*time.Millisecond)

	entry := logs.FilterMessage("stats").All()[0]
	assert.Contains(t, entry.ContextMap()["generations"], "precache-v1=4")
}
