package otaproto

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// UpdateType tells clients which distribution path the server prefers
type UpdateType string

const (
	UpdateTypeFull  UpdateType = "full"
	UpdateTypeDelta UpdateType = "delta"
)

var (
	// ErrInvalidManifest is returned when a manifest lacks the fields every client needs
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrDeltaUnavailable is returned by DeltaUsable when the delta path cannot be taken
	ErrDeltaUnavailable = errors.New("delta update unavailable")
)

// CompressedBundle describes the gzip variant of a full bundle. Hash is in the binary domain.
type CompressedBundle struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// FullBundle describes where the complete bundle for Manifest.Version lives.
// Hash is the text-domain digest of the uncompressed bundle.
type FullBundle struct {
	URL          string            `json:"url"`
	Hash         string            `json:"hash"`
	Size         int64             `json:"size"`
	PreviousHash string            `json:"previousHash,omitempty"`
	Compressed   *CompressedBundle `json:"compressed,omitempty"`
}

// CompressedPatch describes the gzip variant of a patch. PatchHash is in the binary domain.
type CompressedPatch struct {
	PatchURL  string `json:"patchUrl"`
	PatchHash string `json:"patchHash"`
	PatchSize int64  `json:"patchSize"`
}

// DeltaUpdate describes the patch from the previous version to Manifest.Version
type DeltaUpdate struct {
	PatchURL   string           `json:"patchUrl"`
	PatchHash  string           `json:"patchHash"`
	PatchSize  int64            `json:"patchSize"`
	TargetHash string           `json:"targetHash"`
	Compressed *CompressedPatch `json:"compressed,omitempty"`
}

// Fallback is the always available full bundle location
type Fallback struct {
	URL string `json:"url"`
}

// Manifest is the update descriptor served next to the build artifacts
type Manifest struct {
	Version     string       `json:"version"`
	UpdateType  UpdateType   `json:"updateType"`
	FullBundle  FullBundle   `json:"fullBundle"`
	DeltaUpdate *DeltaUpdate `json:"deltaUpdate"`
	Fallback    Fallback     `json:"fallback"`
}

// Validate checks the fields required for a full download. A delta section that is
// missing or inconsistent does not invalidate the manifest, it only disables the delta path.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	if m.FullBundle.URL == "" && m.Fallback.URL == "" {
		return fmt.Errorf("%w: missing full bundle url", ErrInvalidManifest)
	}
	if m.FullBundle.Hash == "" {
		return fmt.Errorf("%w: missing full bundle hash", ErrInvalidManifest)
	}
	switch m.UpdateType {
	case UpdateTypeFull, UpdateTypeDelta, "":
	default:
		return fmt.Errorf("%w: unknown update type %q", ErrInvalidManifest, m.UpdateType)
	}
	return nil
}

// DecodeManifest parses and validates a manifest document
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeltaUsable reports whether the manifest itself allows a delta attempt:
// updateType must be delta, deltaUpdate must be present and its targetHash must
// match fullBundle.hash.
func (m *Manifest) DeltaUsable() error {
	if m.UpdateType != UpdateTypeDelta {
		return fmt.Errorf("%w: update type is %q", ErrDeltaUnavailable, m.UpdateType)
	}
	if m.DeltaUpdate == nil {
		return fmt.Errorf("%w: deltaUpdate is null", ErrDeltaUnavailable)
	}
	if m.DeltaUpdate.PatchURL == "" && m.DeltaUpdate.Compressed == nil {
		return fmt.Errorf("%w: no patch url", ErrDeltaUnavailable)
	}
	if m.DeltaUpdate.TargetHash != m.FullBundle.Hash {
		return fmt.Errorf("%w: targetHash %s does not match fullBundle.hash %s",
			ErrDeltaUnavailable, m.DeltaUpdate.TargetHash, m.FullBundle.Hash)
	}
	return nil
}

// BundleURL returns the uncompressed full bundle url, falling back to Fallback.URL
func (m *Manifest) BundleURL() string {
	if m.FullBundle.URL != "" {
		return m.FullBundle.URL
	}
	return m.Fallback.URL
}
