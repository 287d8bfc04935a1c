package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/hotupdate/internal/config"
	"gihan9a/hotupdate/internal/manifest"
	"gihan9a/hotupdate/pkg/otaproto"
)

func testManifest(version string) *otaproto.Manifest {
	return manifest.Build(version, manifest.Bundle{
		URL:  "http://localhost:3000/bundles/" + version + "/index.android.bundle",
		Hash: "sha256:" + version,
		Size: 10,
	}, "", nil)
}

func newServer(t *testing.T, mutate func(*config.ServerConfig)) (*ContentServer, http.Handler, string) {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Server.RootDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg.Server)
	}
	s, err := NewContentServer(&cfg.Server, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, s.SetupRoutes(), cfg.Server.RootDir
}

func get(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func writeArtifact(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestHealthAndVersion(t *testing.T) {
	_, h, _ := newServer(t, nil)

	rec := get(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = get(t, h, http.MethodGet, "/version", nil)
	assert.Equal(t, Version, rec.Body.String())
}

func TestManifest(t *testing.T) {
	root := t.TempDir()
	_, err := manifest.NewStore(root, nil).Save(testManifest("1.0.0"))
	require.NoError(t, err)
	_, h, _ := newServer(t, func(c *config.ServerConfig) { c.RootDir = root })

	rec := get(t, h, http.MethodGet, "/manifest.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	m, err := otaproto.DecodeManifest(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	rec = get(t, h, http.MethodGet, "/manifest.json", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestManifestMissing(t *testing.T) {
	_, h, _ := newServer(t, nil)
	rec := get(t, h, http.MethodGet, "/manifest.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManifestReload(t *testing.T) {
	s, h, root := newServer(t, nil)
	require.NoError(t, s.SetupWatchers())
	store := manifest.NewStore(root, nil)

	version := func() string {
		rec := get(t, h, http.MethodGet, "/manifest.json", nil)
		if rec.Code != http.StatusOK {
			return ""
		}
		m, err := otaproto.DecodeManifest(rec.Body.Bytes())
		if err != nil {
			return ""
		}
		return m.Version
	}

	_, err := store.Save(testManifest("1.0.0"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return version() == "1.0.0" }, 5*time.Second, 20*time.Millisecond)

	_, err = store.Save(testManifest("1.0.1"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return version() == "1.0.1" }, 5*time.Second, 20*time.Millisecond)

	// an unparsable write keeps the last good manifest
	require.NoError(t, os.WriteFile(store.Path(), []byte("{"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "1.0.1", version())

	require.NoError(t, os.Remove(store.Path()))
	assert.Eventually(t, func() bool { return version() == "" }, 5*time.Second, 20*time.Millisecond)
}

func TestArtifacts(t *testing.T) {
	_, h, root := newServer(t, nil)
	writeArtifact(t, root, "bundles/1.0.0/index.android.bundle", "bundle v1")
	writeArtifact(t, root, "bundles/1.0.0/index.android.bundle.gz", "gz")
	writeArtifact(t, root, "patches/1.0.0-to-1.0.1.patch", `{"type":"delta_patch"}`)
	writeArtifact(t, root, "secret.txt", "secret")

	rec := get(t, h, http.MethodGet, "/bundles/1.0.0/index.android.bundle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bundle v1", rec.Body.String())
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))

	rec = get(t, h, http.MethodGet, "/bundles/1.0.0/index.android.bundle.gz", nil)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	rec = get(t, h, http.MethodGet, "/patches/1.0.0-to-1.0.1.patch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = get(t, h, http.MethodHead, "/bundles/1.0.0/index.android.bundle", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))

	rec = get(t, h, http.MethodGet, "/bundles/1.0.0/index.android.bundle", http.Header{"Range": {"bytes=0-5"}})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bundle", rec.Body.String())

	for _, target := range []string{"/bundles/2.0.0/index.android.bundle", "/bundles/1.0.0", "/patches/"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, target, nil).Code, target)
	}
}

func TestArtifactTraversal(t *testing.T) {
	_, h, root := newServer(t, nil)
	writeArtifact(t, root, "secret.txt", "secret")
	writeArtifact(t, root, "bundles/ok.bundle", "ok")

	for _, target := range []string{
		"/bundles/../secret.txt",
		"/patches/../../etc/passwd",
		"/bundles/..",
	} {
		rec := get(t, h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "secret", target)
	}
}

func TestProxyFallback(t *testing.T) {
	var (
		mu      sync.Mutex
		proxied []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxied = append(proxied, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL + "/cdn?token=abc")
	require.NoError(t, err)

	_, h, root := newServer(t, func(c *config.ServerConfig) { c.ProxyURL = upstreamURL })
	writeArtifact(t, root, "bundles/1.0.0/index.android.bundle", "local")

	rec := get(t, h, http.MethodGet, "/bundles/1.0.0/index.android.bundle", nil)
	assert.Equal(t, "local", rec.Body.String())

	rec = get(t, h, http.MethodGet, "/bundles/0.9.0/index.android.bundle", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from upstream", rec.Body.String())

	rec = get(t, h, http.MethodGet, "/manifest.json", nil)
	assert.Equal(t, "from upstream", rec.Body.String())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/cdn/bundles/0.9.0/index.android.bundle?token=abc",
		"/cdn/manifest.json?token=abc",
	}, proxied)
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstream.Close()

	_, h, _ := newServer(t, func(c *config.ServerConfig) { c.ProxyURL = upstreamURL })
	rec := get(t, h, http.MethodGet, "/patches/1.0.0-to-1.0.1.patch", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORS(t *testing.T) {
	_, h, _ := newServer(t, func(c *config.ServerConfig) { c.CORS.Enabled = true })

	rec := get(t, h, http.MethodOptions, "/manifest.json", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	rec = get(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, h, _ := newServer(t, nil)
	get(t, h, http.MethodGet, "/health", nil)

	rec := get(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `hotupdate_server_requests_total{code="200",route="health"}`))

	_, h, _ = newServer(t, func(c *config.ServerConfig) { c.Metrics = false })
	assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/metrics", nil).Code)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/javascript", contentType("a/b/index.JS"))
	assert.Equal(t, "application/json", contentType("manifest.json"))
	assert.Equal(t, "text/plain; charset=utf-8", contentType("x.diff"))
	assert.Equal(t, "application/octet-stream", contentType("x.bin"))
}
