package diffgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gihan9a/hotupdate/internal/hashutil"
)

// Format selects the patch encoding a build publishes
type Format string

const (
	FormatDelta   Format = "delta"
	FormatUnified Format = "unified"
)

// ParseFormat accepts "" as the delta format
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatDelta:
		return FormatDelta, nil
	case FormatUnified:
		return FormatUnified, nil
	}
	return "", fmt.Errorf("unknown patch format %q", s)
}

func (f Format) extension() string {
	if f == FormatUnified {
		return ".diff"
	}
	return ".patch"
}

// Request asks an Engine for a patch between two bundle files. The patch file is
// created inside OutputDir under a generated name.
type Request struct {
	OldFile   string `json:"oldFile"`
	NewFile   string `json:"newFile"`
	OutputDir string `json:"outputDir"`
	Format    Format `json:"format,omitempty"`
}

// PatchFile is a generated patch on disk
type PatchFile struct {
	Path       string
	Format     Format
	SourceHash string
	TargetHash string
	Stats      Stats
}

// Engine produces patch files. A patch that is not worth shipping is reported as a
// *TooLargeError.
type Engine interface {
	GeneratePatch(ctx context.Context, req Request) (*PatchFile, error)
}

// Local runs the Generator in process
type Local struct {
	Generator *Generator
}

func (l Local) GeneratePatch(_ context.Context, req Request) (*PatchFile, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	for _, p := range []string{req.OldFile, req.NewFile} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("bundle not found: %w", err)
		}
	}
	out := filepath.Join(req.OutputDir, fmt.Sprintf("patch_%d%s", time.Now().UnixNano(), format.extension()))

	if format == FormatDelta {
		res, err := l.Generator.GenerateFile(req.OldFile, req.NewFile, out)
		if err != nil {
			return nil, err
		}
		return &PatchFile{
			Path:       res.PatchPath,
			Format:     format,
			SourceHash: res.SourceHash,
			TargetHash: res.TargetHash,
			Stats:      res.Stats,
		}, nil
	}
	return l.unified(req, out)
}

func (l Local) unified(req Request, out string) (*PatchFile, error) {
	oldContent, err := os.ReadFile(req.OldFile)
	if err != nil {
		return nil, fmt.Errorf("read old bundle: %w", err)
	}
	newContent, err := os.ReadFile(req.NewFile)
	if err != nil {
		return nil, fmt.Errorf("read new bundle: %w", err)
	}
	diff := GenerateUnified(string(oldContent), string(newContent), DefaultContext)
	stats := Stats{
		OldSize:         len(oldContent),
		NewSize:         len(newContent),
		PatchSize:       len(diff),
		OperationsCount: strings.Count(diff, "\n@@ "), // hunks
	}
	stats.SizeRatio = SizeRatio(stats.PatchSize, stats.OldSize)
	if diff == "" {
		return nil, fmt.Errorf("bundles are identical")
	}
	if threshold := l.Generator.Threshold(); ExceedsThreshold(stats.SizeRatio, threshold) {
		return nil, &TooLargeError{
			Reason:         ReasonPatchTooLarge,
			Recommendation: RecommendationFullUpdate,
			Threshold:      threshold,
			Stats:          stats,
		}
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, []byte(diff), 0644); err != nil {
		return nil, fmt.Errorf("write patch: %w", err)
	}
	return &PatchFile{
		Path:       out,
		Format:     FormatUnified,
		SourceHash: hashutil.Text(oldContent),
		TargetHash: hashutil.Text(newContent),
		Stats:      stats,
	}, nil
}
