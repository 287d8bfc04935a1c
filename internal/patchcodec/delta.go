package patchcodec

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gihan9a/hotupdate/pkg/otaproto"
)

// Encode serialises a delta document. Operations keep their order.
func Encode(doc *otaproto.PatchDocument) ([]byte, error) {
	if doc.Type == "" {
		doc.Type = otaproto.PatchTypeDelta
	}
	if doc.Version == "" {
		doc.Version = otaproto.PatchFormatVersion
	}
	if doc.Operations == nil {
		doc.Operations = []otaproto.Operation{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// NewDocument builds a delta document for ops transforming source into target
func NewDocument(sourceHash, targetHash string, ops []otaproto.Operation, meta *otaproto.PatchMetadata) *otaproto.PatchDocument {
	if meta != nil && meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now().UTC()
	}
	return &otaproto.PatchDocument{
		Type:       otaproto.PatchTypeDelta,
		Version:    otaproto.PatchFormatVersion,
		SourceHash: sourceHash,
		TargetHash: targetHash,
		Operations: ops,
		Metadata:   meta,
	}
}

// Decode parses a delta document and rejects any other type
func Decode(raw []byte) (*otaproto.PatchDocument, error) {
	var doc otaproto.PatchDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if doc.Type == "" {
		doc.Type = otaproto.PatchTypeDelta
	}
	if doc.Type != otaproto.PatchTypeDelta {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPatchType, doc.Type)
	}
	return &doc, nil
}

// SortForReplay orders operations from the highest original offset to the lowest.
// Every offset refers to the original content, so applying the highest first leaves
// the lower offsets untouched. At equal offsets deletes go first so an insert lands in
// front of the remaining text instead of being removed by the delete.
func SortForReplay(ops []otaproto.Operation) []otaproto.Operation {
	sorted := make([]otaproto.Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, oj := sorted[i].Offset(), sorted[j].Offset()
		if oi != oj {
			return oi > oj
		}
		return sorted[i].Type == otaproto.OpDelete && sorted[j].Type != otaproto.OpDelete
	})
	return sorted
}

// Replay applies ops in the order given. Callers normally pass SortForReplay(ops).
func Replay(content string, ops []otaproto.Operation, strict bool, logger *zap.SugaredLogger) (string, error) {
	for _, op := range ops {
		switch op.Type {
		case otaproto.OpDelete:
			if op.Start < 0 || op.Length < 0 || op.Start+op.Length > len(content) {
				return "", fmt.Errorf("%w: %d+%d > %d", ErrDeleteOutOfRange, op.Start, op.Length, len(content))
			}
			content = content[:op.Start] + content[op.Start+op.Length:]
		case otaproto.OpInsert:
			if op.Position < 0 || op.Position > len(content) {
				return "", fmt.Errorf("%w: %d > %d", ErrInsertOutOfRange, op.Position, len(content))
			}
			var b strings.Builder
			b.Grow(len(content) + len(op.Data))
			b.WriteString(content[:op.Position])
			b.WriteString(op.Data)
			b.WriteString(content[op.Position:])
			content = b.String()
		default:
			if strict {
				return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
			}
			if logger != nil {
				logger.Warnf("Skipping unknown patch operation type %q", op.Type)
			}
		}
	}
	return content, nil
}

// DeltaStrategy replays delta_patch documents
type DeltaStrategy struct {
	Strict bool
	Logger *zap.SugaredLogger
}

func (d *DeltaStrategy) Apply(source string, raw []byte, expect Expectations) (string, error) {
	doc, err := Decode(raw)
	if err != nil {
		return "", err
	}
	if err := verifySource(source, doc.SourceHash, expect.SourceHash); err != nil {
		return "", err
	}

	result, err := Replay(source, SortForReplay(doc.Operations), d.Strict, d.Logger)
	if err != nil {
		return "", err
	}

	if err := verifyTarget(result, doc.TargetHash, expect.TargetHash); err != nil {
		return "", err
	}
	return result, nil
}
