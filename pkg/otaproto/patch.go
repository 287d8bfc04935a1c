package otaproto

import (
	"time"

	"github.com/goccy/go-json"
)

const (
	// PatchTypeDelta is the discriminator of the JSON delta document
	PatchTypeDelta = "delta_patch"
	// PatchTypeUnified names the line oriented unified diff format, which carries no tag
	PatchTypeUnified = "unified_diff"
	// PatchFormatVersion is written into every generated delta document
	PatchFormatVersion = "1.0"
)

// OpType is the kind of a patch operation
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation is a single edit. Offsets are byte offsets into the original (pre-patch) content.
// Delete uses Start and Length, insert uses Position and Data.
type Operation struct {
	Type     OpType `json:"type"`
	Start    int    `json:"start"`
	Length   int    `json:"length"`
	Position int    `json:"position"`
	Data     string `json:"data"`
}

// Insert builds an insert operation
func Insert(position int, data string) Operation {
	return Operation{Type: OpInsert, Position: position, Data: data}
}

// Delete builds a delete operation
func Delete(start, length int) Operation {
	return Operation{Type: OpDelete, Start: start, Length: length}
}

// Offset returns the original-content offset the operation is anchored at
func (o Operation) Offset() int {
	if o.Type == OpDelete {
		return o.Start
	}
	return o.Position
}

// MarshalJSON writes only the fields that belong to the operation type
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case OpDelete:
		return json.Marshal(struct {
			Type   OpType `json:"type"`
			Start  int    `json:"start"`
			Length int    `json:"length"`
		}{o.Type, o.Start, o.Length})
	case OpInsert:
		return json.Marshal(struct {
			Type     OpType `json:"type"`
			Position int    `json:"position"`
			Data     string `json:"data"`
		}{o.Type, o.Position, o.Data})
	default:
		type plain Operation
		return json.Marshal(plain(o))
	}
}

// PatchMetadata is informational and never used during replay
type PatchMetadata struct {
	GeneratedAt     time.Time `json:"generatedAt"`
	OldSize         int       `json:"oldSize"`
	NewSize         int       `json:"newSize"`
	PatchSize       int       `json:"patchSize"`
	OperationsCount int       `json:"operationsCount"`
}

// PatchDocument is the delta artifact served under /patches
type PatchDocument struct {
	Type       string         `json:"type"`
	Version    string         `json:"version"`
	SourceHash string         `json:"sourceHash,omitempty"`
	TargetHash string         `json:"targetHash,omitempty"`
	Operations []Operation    `json:"operations"`
	Metadata   *PatchMetadata `json:"metadata,omitempty"`
}
