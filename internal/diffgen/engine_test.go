package diffgen

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/patchcodec"
)

func writeBundles(t *testing.T, oldContent, newContent string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.bundle")
	newPath := filepath.Join(dir, "new.bundle")
	require.NoError(t, os.WriteFile(oldPath, []byte(oldContent), 0644))
	require.NoError(t, os.WriteFile(newPath, []byte(newContent), 0644))
	return oldPath, newPath
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatDelta, f)

	f, err = ParseFormat("unified")
	require.NoError(t, err)
	assert.Equal(t, FormatUnified, f)

	_, err = ParseFormat("bsdiff")
	assert.Error(t, err)
}

func TestLocalEngine(t *testing.T) {
	oldContent := strings.Repeat("var a = 1;\n", 20)
	newContent := strings.Replace(oldContent, "var a = 1;", "var a = 2;", 1)
	oldPath, newPath := writeBundles(t, oldContent, newContent)
	engine := Local{Generator: New(Options{})}

	// delta replaces the digit with a delete and an insert, unified with one hunk
	wantOps := map[Format]int{FormatDelta: 2, FormatUnified: 1}

	for _, format := range []Format{FormatDelta, FormatUnified} {
		t.Run(string(format), func(t *testing.T) {
			out := t.TempDir()
			res, err := engine.GeneratePatch(context.Background(), Request{
				OldFile: oldPath, NewFile: newPath, OutputDir: out, Format: format,
			})
			require.NoError(t, err)
			assert.Equal(t, format, res.Format)
			assert.Equal(t, out, filepath.Dir(res.Path))
			assert.Equal(t, hashutil.String(oldContent), res.SourceHash)
			assert.Equal(t, hashutil.String(newContent), res.TargetHash)
			assert.Equal(t, wantOps[format], res.Stats.OperationsCount)

			raw, err := os.ReadFile(res.Path)
			require.NoError(t, err)
			patched, err := patchcodec.NewPatcher(patchcodec.Options{}).Apply(oldContent, raw, patchcodec.Expectations{})
			require.NoError(t, err)
			assert.Equal(t, newContent, patched)
		})
	}
}

func TestLocalEngineTooLarge(t *testing.T) {
	oldPath, newPath := writeBundles(t, "abc\n", "a completely different bundle\n")
	engine := Local{Generator: New(Options{})}

	for _, format := range []Format{FormatDelta, FormatUnified} {
		out := t.TempDir()
		_, err := engine.GeneratePatch(context.Background(), Request{
			OldFile: oldPath, NewFile: newPath, OutputDir: out, Format: format,
		})
		var tooLarge *TooLargeError
		require.ErrorAs(t, err, &tooLarge, string(format))
		assert.Equal(t, RecommendationFullUpdate, tooLarge.Recommendation)

		entries, _ := os.ReadDir(out)
		assert.Empty(t, entries)
	}
}

func TestLocalEngineMissingBundle(t *testing.T) {
	_, err := Local{Generator: New(Options{})}.GeneratePatch(context.Background(), Request{
		OldFile: filepath.Join(t.TempDir(), "missing"), NewFile: "also-missing", OutputDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
