// Package patchcodec encodes delta patches and replays patches against source content.
//
// Two formats are understood. The delta_patch JSON document carries absolute operations
// over the original content plus its own source and target digests. The unified diff
// format is line oriented, carries no tag and is recognised by its markers.
package patchcodec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/pkg/otaproto"
)

var (
	ErrUnsupportedPatchType = errors.New("unsupported patch type")
	ErrInvalidPatch         = errors.New("invalid patch document")
	ErrOperationOutOfRange  = errors.New("operation out of range")
	ErrDeleteOutOfRange     = fmt.Errorf("delete: %w", ErrOperationOutOfRange)
	ErrInsertOutOfRange     = fmt.Errorf("insert: %w", ErrOperationOutOfRange)
	ErrUnknownOperation     = errors.New("unknown operation type")
)

// Format is the result of classifying a raw patch
type Format int

const (
	FormatUnknown Format = iota
	FormatDelta
	FormatUnified
)

func (f Format) String() string {
	switch f {
	case FormatDelta:
		return otaproto.PatchTypeDelta
	case FormatUnified:
		return otaproto.PatchTypeUnified
	default:
		return "unknown"
	}
}

// Classification is the tagged result of Classify. Type carries the declared type of a
// JSON document so unsupported tags can be reported.
type Classification struct {
	Format Format
	Type   string
}

// Classify decides which replay strategy a raw patch needs. It never applies anything.
// A JSON object without a type is treated as delta_patch.
func Classify(raw []byte) Classification {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Type *string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			if envelope.Type == nil || *envelope.Type == otaproto.PatchTypeDelta {
				return Classification{Format: FormatDelta, Type: otaproto.PatchTypeDelta}
			}
			return Classification{Format: FormatUnknown, Type: *envelope.Type}
		}
	}
	if bytes.Contains(raw, []byte("@@")) &&
		(bytes.Contains(raw, []byte("---")) || bytes.Contains(raw, []byte("+++"))) {
		return Classification{Format: FormatUnified, Type: otaproto.PatchTypeUnified}
	}
	return Classification{Format: FormatUnknown}
}

// Expectations are digests the caller already knows, checked in addition to
// whatever the patch document carries. Empty fields are skipped.
type Expectations struct {
	SourceHash string
	TargetHash string
}

// Strategy replays one patch format
type Strategy interface {
	Apply(source string, raw []byte, expect Expectations) (string, error)
}

// Patcher dispatches raw patches to the strategy matching their format
type Patcher struct {
	strategies map[Format]Strategy
	logger     *zap.SugaredLogger
}

// Options configures a Patcher
type Options struct {
	// Strict fails on unknown operation types instead of skipping them
	Strict bool
	Logger *zap.SugaredLogger
}

// NewPatcher returns a Patcher with the delta and unified strategies registered
func NewPatcher(opts Options) *Patcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Patcher{
		strategies: map[Format]Strategy{
			FormatDelta:   &DeltaStrategy{Strict: opts.Strict, Logger: logger},
			FormatUnified: &UnifiedStrategy{},
		},
		logger: logger,
	}
}

// Apply classifies raw and replays it against source
func (p *Patcher) Apply(source string, raw []byte, expect Expectations) (string, error) {
	c := Classify(raw)
	strategy, ok := p.strategies[c.Format]
	if !ok {
		if c.Type != "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedPatchType, c.Type)
		}
		return "", fmt.Errorf("%w: unrecognised patch format", ErrUnsupportedPatchType)
	}
	p.logger.Debugf("Applying %s patch (%d bytes) to %d bytes of source", c.Format, len(raw), len(source))
	return strategy.Apply(source, raw, expect)
}

func verifySource(source string, hashes ...string) error {
	for _, h := range hashes {
		if h == "" {
			continue
		}
		if err := hashutil.Verify(hashutil.StageSource, hashutil.DomainText, []byte(source), h); err != nil {
			return err
		}
	}
	return nil
}

func verifyTarget(target string, hashes ...string) error {
	for _, h := range hashes {
		if h == "" {
			continue
		}
		if err := hashutil.Verify(hashutil.StageTarget, hashutil.DomainText, []byte(target), h); err != nil {
			return err
		}
	}
	return nil
}
