package diffgen

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/patchcodec"
)

func numberedLines(n int, replace map[int]string) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		if line, ok := replace[i]; ok {
			sb.WriteString(line)
		} else {
			fmt.Fprintf(&sb, "line %d", i)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestGenerateUnifiedFormat(t *testing.T) {
	diff := GenerateUnified("a\nb\nc\n", "a\nB\nc\n", DefaultContext)
	assert.Equal(t, "--- a/bundle\n+++ b/bundle\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n", diff)
}

func TestGenerateUnifiedIdentical(t *testing.T) {
	assert.Empty(t, GenerateUnified("same\n", "same\n", DefaultContext))
	assert.Empty(t, GenerateUnified("", "", DefaultContext))
}

func TestGenerateUnifiedApplies(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
	}{
		{"single change", numberedLines(20, nil), numberedLines(20, map[int]string{10: "changed"})},
		{"two hunks", numberedLines(40, nil), numberedLines(40, map[int]string{3: "x", 35: "y"})},
		{"append", "first\n", "first\nsecond\n"},
		{"missing final newline", "one\ntwo", "one\ntwo\nthree"},
		{"from empty", "", "created\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := GenerateUnified(tt.old, tt.new, DefaultContext)
			require.NotEmpty(t, diff)
			assert.Equal(t, patchcodec.FormatUnified, patchcodec.Classify([]byte(diff)).Format)

			out, err := patchcodec.NewPatcher(patchcodec.Options{}).Apply(tt.old, []byte(diff), patchcodec.Expectations{
				SourceHash: hashutil.String(tt.old),
				TargetHash: hashutil.String(tt.new),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.new, out)
		})
	}
}

func TestGenerateUnifiedTwoHunks(t *testing.T) {
	diff := GenerateUnified(numberedLines(40, nil), numberedLines(40, map[int]string{3: "x", 35: "y"}), DefaultContext)
	assert.Equal(t, 2, strings.Count(diff, "\n@@ "))
	assert.Contains(t, diff, "@@ -1,6 +1,6 @@\n")
	assert.Contains(t, diff, "@@ -32,7 +32,7 @@\n")
}
