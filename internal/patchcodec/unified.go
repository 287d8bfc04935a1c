package patchcodec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// UnifiedStrategy replays a single-file unified diff using hunk context matching.
// The format has no embedded digests, so only the caller's expectations are checked.
type UnifiedStrategy struct{}

func (UnifiedStrategy) Apply(source string, raw []byte, expect Expectations) (string, error) {
	if err := verifySource(source, expect.SourceHash); err != nil {
		return "", err
	}

	files, _, err := gitdiff.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(files) != 1 {
		return "", fmt.Errorf("%w: unified diff must describe exactly one file, got %d", ErrInvalidPatch, len(files))
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, strings.NewReader(source), files[0]); err != nil {
		return "", fmt.Errorf("apply unified diff: %w", err)
	}

	result := out.String()
	if err := verifyTarget(result, expect.TargetHash); err != nil {
		return "", err
	}
	return result, nil
}
