// Package diffgen builds patches between two versions of a bundle.
//
// Generate computes a character level diff, turns it into operations anchored at
// offsets of the old content, merges neighbours and refuses to emit a patch whose
// estimated size is too large compared with the old content.
package diffgen

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/patchcodec"
	"gihan9a/hotupdate/pkg/otaproto"
)

const (
	// DefaultThreshold is the largest patch/old size ratio still worth shipping
	DefaultThreshold = 0.6
	// DeleteOverhead is the estimated serialisation cost of one delete operation
	DeleteOverhead = 20

	ReasonPatchTooLarge      = "patch_too_large"
	RecommendationFullUpdate = "full_download"
)

// ErrPatchTooLarge is matched by every *TooLargeError
var ErrPatchTooLarge = errors.New("patch too large")

// Stats describes a generated (or rejected) patch
type Stats struct {
	OldSize         int     `json:"oldSize"`
	NewSize         int     `json:"newSize"`
	PatchSize       int     `json:"patchSize"`
	SizeRatio       float64 `json:"sizeRatio"`
	OperationsCount int     `json:"operationsCount"`
}

// TooLargeError means the caller should ship the full bundle instead
type TooLargeError struct {
	Reason         string
	Recommendation string
	Threshold      float64
	Stats          Stats
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s: ratio %.3f exceeds %.2f (%d ops, ~%d bytes)",
		e.Reason, e.Stats.SizeRatio, e.Threshold, e.Stats.OperationsCount, e.Stats.PatchSize)
}

func (e *TooLargeError) Is(target error) bool {
	return target == ErrPatchTooLarge
}

// Options configures a Generator
type Options struct {
	// Threshold defaults to DefaultThreshold when zero
	Threshold float64
	// DiffTimeout bounds the character diff. Zero keeps the diff library's default,
	// a negative value disables the limit.
	DiffTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// Generator produces delta patch documents
type Generator struct {
	threshold float64
	dmp       *diffmatchpatch.DiffMatchPatch
	logger    *zap.SugaredLogger
}

func New(opts Options) *Generator {
	g := &Generator{
		threshold: opts.Threshold,
		dmp:       diffmatchpatch.New(),
		logger:    opts.Logger,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultThreshold
	}
	switch {
	case opts.DiffTimeout > 0:
		g.dmp.DiffTimeout = opts.DiffTimeout
	case opts.DiffTimeout < 0:
		g.dmp.DiffTimeout = 0
	}
	if g.logger == nil {
		g.logger = zap.NewNop().Sugar()
	}
	return g
}

// Threshold returns the configured ratio limit
func (g *Generator) Threshold() float64 {
	return g.threshold
}

// Generate diffs oldContent against newContent. When the patch is not worth shipping
// the returned error is a *TooLargeError carrying the stats.
func (g *Generator) Generate(oldContent, newContent string) (*otaproto.PatchDocument, Stats, error) {
	diffs := g.dmp.DiffMain(oldContent, newContent, false)
	ops := MergeOperations(ConvertDiff(diffs))

	stats := Stats{
		OldSize:         len(oldContent),
		NewSize:         len(newContent),
		PatchSize:       EstimatePatchSize(ops),
		OperationsCount: len(ops),
	}
	stats.SizeRatio = SizeRatio(stats.PatchSize, stats.OldSize)
	g.logger.Debugf("Generated %d operations, estimated %d bytes (%.1f%%)",
		stats.OperationsCount, stats.PatchSize, stats.SizeRatio*100)

	if ExceedsThreshold(stats.SizeRatio, g.threshold) {
		g.logger.Infof("Patch ratio %.3f exceeds %.2f, recommending full download", stats.SizeRatio, g.threshold)
		return nil, stats, &TooLargeError{
			Reason:         ReasonPatchTooLarge,
			Recommendation: RecommendationFullUpdate,
			Threshold:      g.threshold,
			Stats:          stats,
		}
	}

	doc := patchcodec.NewDocument(
		hashutil.String(oldContent),
		hashutil.String(newContent),
		ops,
		&otaproto.PatchMetadata{
			OldSize:         stats.OldSize,
			NewSize:         stats.NewSize,
			PatchSize:       stats.PatchSize,
			OperationsCount: stats.OperationsCount,
		},
	)
	return doc, stats, nil
}

// FileResult is returned by GenerateFile
type FileResult struct {
	PatchPath  string
	SourceHash string
	TargetHash string
	Stats      Stats
}

// GenerateFile diffs two bundle files and writes the encoded patch to outPath,
// creating parent directories as needed.
func (g *Generator) GenerateFile(oldPath, newPath, outPath string) (*FileResult, error) {
	oldContent, err := os.ReadFile(oldPath)
	if err != nil {
		return nil, fmt.Errorf("read old bundle: %w", err)
	}
	newContent, err := os.ReadFile(newPath)
	if err != nil {
		return nil, fmt.Errorf("read new bundle: %w", err)
	}

	doc, stats, err := g.Generate(string(hashutil.Canonical(oldContent)), string(hashutil.Canonical(newContent)))
	if err != nil {
		return nil, err
	}
	raw, err := patchcodec.Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outPath, raw, 0644); err != nil {
		return nil, fmt.Errorf("write patch: %w", err)
	}
	g.logger.Infof("Wrote patch %s (%d operations)", outPath, stats.OperationsCount)

	return &FileResult{
		PatchPath:  outPath,
		SourceHash: doc.SourceHash,
		TargetHash: doc.TargetHash,
		Stats:      stats,
	}, nil
}

// ConvertDiff turns diff spans into operations anchored at offsets of the old text.
// The cursor only moves over text that exists in the old content.
func ConvertDiff(diffs []diffmatchpatch.Diff) []otaproto.Operation {
	ops := make([]otaproto.Operation, 0, len(diffs))
	cursor := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			cursor += len(d.Text)
		case diffmatchpatch.DiffDelete:
			ops = append(ops, otaproto.Delete(cursor, len(d.Text)))
			cursor += len(d.Text)
		case diffmatchpatch.DiffInsert:
			ops = append(ops, otaproto.Insert(cursor, d.Text))
		}
	}
	return ops
}

// MergeOperations joins neighbouring operations of the same kind. Deletes merge when the
// second starts where the first ends. Inserts merge only when they share an anchor:
// offsets refer to the old content, so an insert further along is not contiguous with
// the data of the one before it.
func MergeOperations(ops []otaproto.Operation) []otaproto.Operation {
	if len(ops) == 0 {
		return ops
	}
	merged := make([]otaproto.Operation, 0, len(ops))
	current := ops[0]
	for _, next := range ops[1:] {
		switch {
		case current.Type == otaproto.OpInsert && next.Type == otaproto.OpInsert &&
			current.Position == next.Position:
			current.Data += next.Data
		case current.Type == otaproto.OpDelete && next.Type == otaproto.OpDelete &&
			current.Start+current.Length == next.Start:
			current.Length += next.Length
		default:
			merged = append(merged, current)
			current = next
		}
	}
	return append(merged, current)
}

// EstimatePatchSize counts inserted bytes plus DeleteOverhead per delete
func EstimatePatchSize(ops []otaproto.Operation) int {
	size := 0
	for _, op := range ops {
		switch op.Type {
		case otaproto.OpInsert:
			size += len(op.Data)
		case otaproto.OpDelete:
			size += DeleteOverhead
		}
	}
	return size
}

// SizeRatio is patchSize/oldSize. With no old content any non-empty patch is infinitely large.
func SizeRatio(patchSize, oldSize int) float64 {
	if oldSize == 0 {
		if patchSize == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(patchSize) / float64(oldSize)
}

// ExceedsThreshold reports ratio > threshold. A ratio equal to the threshold is accepted.
func ExceedsThreshold(ratio, threshold float64) bool {
	return ratio > threshold
}
