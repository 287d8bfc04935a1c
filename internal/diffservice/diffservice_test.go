package diffservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/hotupdate/internal/diffgen"
)

const helperEnv = "HOTUPDATE_DIFFSERVICE_HELPER"

// TestMain doubles as the managed service binary when the helper variable is set
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		port := os.Args[len(os.Args)-1]
		srv := NewServer(diffgen.Local{Generator: diffgen.New(diffgen.Options{})}, nil)
		if err := srv.ListenAndServe(ctx, "127.0.0.1:"+port); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "exit":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func bundles(t *testing.T) diffgen.Request {
	t.Helper()
	dir := t.TempDir()
	oldContent := strings.Repeat("console.log('v1');\n", 50)
	newContent := strings.Replace(oldContent, "v1", "v2", 1)
	req := diffgen.Request{
		OldFile:   filepath.Join(dir, "old.bundle"),
		NewFile:   filepath.Join(dir, "new.bundle"),
		OutputDir: filepath.Join(dir, "out"),
	}
	require.NoError(t, os.WriteFile(req.OldFile, []byte(oldContent), 0644))
	require.NoError(t, os.WriteFile(req.NewFile, []byte(newContent), 0644))
	return req
}

func newTestService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(diffgen.Local{Generator: diffgen.New(diffgen.Options{})}, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestServerEndpoints(t *testing.T) {
	srv := newTestService(t)
	client := NewClient(srv.URL, 0)
	ctx := context.Background()

	assert.NoError(t, client.Health(ctx))
	version, err := client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, version)

	resp, err := http.Get(srv.URL + "/api/generate-patch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerRejectsBadRequests(t *testing.T) {
	srv := newTestService(t)

	for name, body := range map[string]string{
		"invalid json":   "{",
		"missing fields": `{"oldFile":"a"}`,
	} {
		resp, err := http.Post(srv.URL+"/api/generate-patch", "application/json", strings.NewReader(body))
		require.NoError(t, err, name)
		var out Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), name)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.False(t, out.Success, name)
		assert.NotEmpty(t, out.Error, name)
	}
}

func TestClientGeneratePatch(t *testing.T) {
	srv := newTestService(t)
	client := NewClient(srv.URL, 0)
	req := bundles(t)

	for _, format := range []diffgen.Format{diffgen.FormatDelta, diffgen.FormatUnified} {
		req.Format = format
		res, err := client.GeneratePatch(context.Background(), req)
		require.NoError(t, err, format)
		assert.Equal(t, format, res.Format)
		assert.FileExists(t, res.Path)
		assert.Equal(t, req.OutputDir, filepath.Dir(res.Path))
		assert.NotEmpty(t, res.SourceHash)
		assert.NotEmpty(t, res.TargetHash)
		assert.Positive(t, res.Stats.PatchSize)
	}
}

func TestClientTooLarge(t *testing.T) {
	srv := newTestService(t)
	client := NewClient(srv.URL, 0)
	req := bundles(t)
	require.NoError(t, os.WriteFile(req.OldFile, nil, 0644))

	_, err := client.GeneratePatch(context.Background(), req)
	require.ErrorIs(t, err, diffgen.ErrPatchTooLarge)
	var tooLarge *diffgen.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, diffgen.RecommendationFullUpdate, tooLarge.Recommendation)
	assert.Equal(t, diffgen.DefaultThreshold, tooLarge.Threshold)
	// empty old bundle makes the ratio unbounded
	assert.True(t, tooLarge.Stats.SizeRatio > 1e300)
}

func TestClientErrors(t *testing.T) {
	srv := newTestService(t)
	client := NewClient(srv.URL, 0)
	req := bundles(t)
	req.OldFile = filepath.Join(t.TempDir(), "missing.bundle")

	_, err := client.GeneratePatch(context.Background(), req)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusInternalServerError, serviceErr.StatusCode)
	assert.NotErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = client.GeneratePatch(context.Background(), bundles(t))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, client.Health(context.Background()), ErrUnavailable)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func helperProcess(t *testing.T, mode string) *Process {
	t.Helper()
	p := NewProcess(ProcessOptions{
		Command:        []string{os.Args[0], PortPlaceholder},
		Env:            []string{helperEnv + "=" + mode},
		Port:           freePort(t),
		StartupTimeout: 10 * time.Second,
	})
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestProcessLifecycle(t *testing.T) {
	p := helperProcess(t, "serve")
	ctx := context.Background()
	assert.False(t, p.Healthy(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Start(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, p.Healthy(ctx))

	p.mu.Lock()
	pid := p.cmd.Process.Pid
	p.mu.Unlock()
	require.NoError(t, p.Start(ctx))
	p.mu.Lock()
	assert.Equal(t, pid, p.cmd.Process.Pid)
	p.mu.Unlock()

	res, err := p.GeneratePatch(ctx, bundles(t))
	require.NoError(t, err)
	assert.FileExists(t, res.Path)

	require.NoError(t, p.Stop())
	assert.False(t, p.Healthy(ctx))
}

func TestProcessRestartsOnUnavailable(t *testing.T) {
	p := helperProcess(t, "serve")
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	// kill the service behind the handle's back
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	require.NoError(t, cmd.Process.Kill())
	<-exited

	res, err := p.GeneratePatch(ctx, bundles(t))
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	assert.True(t, p.Healthy(ctx))
}

func TestProcessExitsDuringStartup(t *testing.T) {
	p := helperProcess(t, "exit")
	err := p.Start(context.Background())
	assert.ErrorIs(t, err, errExited)
	assert.False(t, p.running())
}

func TestProcessEmptyCommand(t *testing.T) {
	p := NewProcess(ProcessOptions{})
	assert.Error(t, p.Start(context.Background()))
}
