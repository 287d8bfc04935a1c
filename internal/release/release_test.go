package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/hotupdate/internal/compression"
	"gihan9a/hotupdate/internal/diffgen"
	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/patchcodec"
	"gihan9a/hotupdate/pkg/otaproto"
)

const baseURL = "http://cdn.example.com/ota"

func bundleContent(version string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("var version = %q;\n", version))
	for i := 0; i < 200; i++ {
		sb.WriteString(fmt.Sprintf("function component%d() { return render(%d); }\n", i, i))
	}
	return sb.String()
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "index.android.bundle")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func newBuilder(t *testing.T, opts Options) *Builder {
	t.Helper()
	if opts.BuildDir == "" {
		opts.BuildDir = t.TempDir()
	}
	opts.BaseURL = baseURL
	b, err := New(opts)
	require.NoError(t, err)
	return b
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{BaseURL: baseURL})
	assert.Error(t, err)
	_, err = New(Options{BuildDir: t.TempDir()})
	assert.Error(t, err)
}

func TestPublishBundle(t *testing.T) {
	b := newBuilder(t, Options{})
	content := bundleContent("1.0.0")

	got, err := b.PublishBundle("1.0.0", writeSource(t, content))
	require.NoError(t, err)
	assert.Equal(t, b.BundlePath("1.0.0"), got.Path)
	assert.Equal(t, hashutil.String(content), got.Hash)
	assert.Equal(t, int64(len(content)), got.Size)
	assert.FileExists(t, got.Path)
}

func TestBuildOTAFirstRelease(t *testing.T) {
	b := newBuilder(t, Options{})

	res, err := b.BuildOTA(context.Background(), "1.0.0", writeSource(t, bundleContent("1.0.0")))
	require.NoError(t, err)
	assert.Nil(t, res.Patch)
	assert.Equal(t, "no previous release", res.PatchSkipped)
	assert.Empty(t, res.Changes)

	m := res.Manifest
	assert.Equal(t, otaproto.UpdateTypeFull, m.UpdateType)
	assert.Nil(t, m.DeltaUpdate)
	assert.Equal(t, baseURL+"/bundles/1.0.0/index.android.bundle", m.FullBundle.URL)
	assert.Equal(t, m.FullBundle.URL, m.Fallback.URL)
	assert.Empty(t, m.FullBundle.PreviousHash)

	loaded, err := b.Manifests().Load()
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestBuildOTADelta(t *testing.T) {
	for _, format := range []diffgen.Format{diffgen.FormatDelta, diffgen.FormatUnified} {
		t.Run(string(format), func(t *testing.T) {
			b := newBuilder(t, Options{Format: format})
			ctx := context.Background()
			v1, v2 := bundleContent("1.0.0"), bundleContent("1.0.1")

			_, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, v1))
			require.NoError(t, err)
			res, err := b.BuildOTA(ctx, "1.0.1", writeSource(t, v2))
			require.NoError(t, err)
			require.NotNil(t, res.Patch)
			assert.Equal(t, format, res.Patch.Format)

			m := res.Manifest
			assert.Equal(t, otaproto.UpdateTypeDelta, m.UpdateType)
			require.NoError(t, m.DeltaUsable())
			assert.Equal(t, baseURL+"/patches/1.0.0-to-1.0.1.patch", m.DeltaUpdate.PatchURL)
			assert.Equal(t, hashutil.String(v1), m.FullBundle.PreviousHash)
			assert.Equal(t, hashutil.String(v2), m.DeltaUpdate.TargetHash)
			assert.Equal(t, m.FullBundle.Hash, m.DeltaUpdate.TargetHash)

			var changes []string
			for _, op := range res.Changes {
				changes = append(changes, fmt.Sprintf("%s %s", op.Type, op.Path))
			}
			assert.Contains(t, changes, "replace /version")

			raw, err := os.ReadFile(b.PatchPath("1.0.0", "1.0.1"))
			require.NoError(t, err)
			assert.Equal(t, hashutil.Text(raw), m.DeltaUpdate.PatchHash)
			assert.Equal(t, int64(len(raw)), m.DeltaUpdate.PatchSize)

			patched, err := patchcodec.NewPatcher(patchcodec.Options{}).Apply(v1, raw, patchcodec.Expectations{
				SourceHash: m.FullBundle.PreviousHash,
				TargetHash: m.DeltaUpdate.TargetHash,
			})
			require.NoError(t, err)
			assert.Equal(t, v2, patched)

			entries, err := os.ReadDir(filepath.Join(b.opts.BuildDir, PatchesDir))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestBuildOTACompressed(t *testing.T) {
	b := newBuilder(t, Options{Compress: true})
	ctx := context.Background()

	_, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, bundleContent("1.0.0")))
	require.NoError(t, err)
	res, err := b.BuildOTA(ctx, "1.0.1", writeSource(t, bundleContent("1.0.1")))
	require.NoError(t, err)

	m := res.Manifest
	require.NotNil(t, m.FullBundle.Compressed)
	assert.Equal(t, m.FullBundle.URL+".gz", m.FullBundle.Compressed.URL)
	gzBundle, err := os.ReadFile(b.BundlePath("1.0.1") + compression.Extension)
	require.NoError(t, err)
	assert.Equal(t, hashutil.Binary(gzBundle), m.FullBundle.Compressed.Hash)
	assert.Equal(t, int64(len(gzBundle)), m.FullBundle.Compressed.Size)

	inflated, err := compression.Decompress(gzBundle)
	require.NoError(t, err)
	assert.Equal(t, m.FullBundle.Hash, hashutil.Text(inflated))

	// the patch is far below the minimum size
	assert.Nil(t, m.DeltaUpdate.Compressed)
	assert.Len(t, res.Compressed, 1)
}

func TestBuildOTAPatchTooLarge(t *testing.T) {
	b := newBuilder(t, Options{})
	ctx := context.Background()

	_, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, "short"))
	require.NoError(t, err)
	res, err := b.BuildOTA(ctx, "2.0.0", writeSource(t, bundleContent("2.0.0")))
	require.NoError(t, err)

	assert.Nil(t, res.Patch)
	assert.Equal(t, diffgen.ReasonPatchTooLarge, res.PatchSkipped)
	assert.Equal(t, otaproto.UpdateTypeFull, res.Manifest.UpdateType)
	assert.Nil(t, res.Manifest.DeltaUpdate)
	assert.Equal(t, hashutil.String("short"), res.Manifest.FullBundle.PreviousHash)
	assert.NoFileExists(t, b.PatchPath("1.0.0", "2.0.0"))
}

func TestBuildOTASameVersion(t *testing.T) {
	b := newBuilder(t, Options{})
	ctx := context.Background()

	_, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, bundleContent("1.0.0")))
	require.NoError(t, err)
	res, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, bundleContent("1.0.0")+"// rebuilt\n"))
	require.NoError(t, err)
	assert.Equal(t, "version unchanged", res.PatchSkipped)
	assert.Equal(t, otaproto.UpdateTypeFull, res.Manifest.UpdateType)
}

type failingEngine struct{}

func (failingEngine) GeneratePatch(context.Context, diffgen.Request) (*diffgen.PatchFile, error) {
	return nil, errors.New("diff service unavailable")
}

func TestBuildOTAEngineFailure(t *testing.T) {
	b := newBuilder(t, Options{Engine: failingEngine{}})
	ctx := context.Background()

	first, err := b.BuildOTA(ctx, "1.0.0", writeSource(t, bundleContent("1.0.0")))
	require.NoError(t, err)
	_, err = b.BuildOTA(ctx, "1.0.1", writeSource(t, bundleContent("1.0.1")))
	assert.ErrorContains(t, err, "diff service unavailable")

	// the published manifest is untouched
	loaded, err := b.Manifests().Load()
	require.NoError(t, err)
	assert.Equal(t, first.Manifest, loaded)
}

func TestBuildPatchMissingBundle(t *testing.T) {
	b := newBuilder(t, Options{})
	_, err := b.BuildPatch(context.Background(), "0.9.0", "1.0.0")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
