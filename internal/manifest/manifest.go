// Package manifest assembles the update manifest on the build side and keeps the
// published manifest file.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"gihan9a/hotupdate/pkg/otaproto"
)

// FileName is the manifest's name inside the build directory
const FileName = "manifest.json"

// ErrNoManifest is returned by Load before the first manifest was written
var ErrNoManifest = errors.New("no manifest published yet")

// Bundle describes the published full bundle
type Bundle struct {
	URL        string
	Hash       string
	Size       int64
	Compressed *otaproto.CompressedBundle
}

// Patch describes the published patch from the previous version
type Patch struct {
	URL        string
	Hash       string
	Size       int64
	TargetHash string
	Compressed *otaproto.CompressedPatch
}

// Build returns the manifest for version. Without a patch the manifest is a full
// update with a null deltaUpdate.
func Build(version string, bundle Bundle, previousHash string, patch *Patch) *otaproto.Manifest {
	m := &otaproto.Manifest{
		Version:    version,
		UpdateType: otaproto.UpdateTypeFull,
		FullBundle: otaproto.FullBundle{
			URL:          bundle.URL,
			Hash:         bundle.Hash,
			Size:         bundle.Size,
			PreviousHash: previousHash,
			Compressed:   bundle.Compressed,
		},
		Fallback: otaproto.Fallback{URL: bundle.URL},
	}
	if patch != nil {
		m.UpdateType = otaproto.UpdateTypeDelta
		m.DeltaUpdate = &otaproto.DeltaUpdate{
			PatchURL:   patch.URL,
			PatchHash:  patch.Hash,
			PatchSize:  patch.Size,
			TargetHash: patch.TargetHash,
			Compressed: patch.Compressed,
		}
	}
	return m
}

// Store reads and writes the manifest file of a build directory
type Store struct {
	path   string
	logger *zap.SugaredLogger
}

func NewStore(buildDir string, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{path: filepath.Join(buildDir, FileName), logger: logger}
}

// Path returns the manifest file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the published manifest
func (s *Store) Load() (*otaproto.Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, err
	}
	return otaproto.DecodeManifest(data)
}

// Save validates m, writes it through a temp file and rename, and returns the JSON
// Patch operations that turned the previous manifest into m.
func (s *Store) Save(m *otaproto.Manifest) (jsondiff.Patch, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}

	var changes jsondiff.Patch
	if previous, err := os.ReadFile(s.path); err == nil {
		changes, err = jsondiff.CompareJSON(previous, data)
		if err != nil {
			s.logger.Warnf("Could not diff previous manifest: %v", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("replace manifest: %w", err)
	}

	s.logger.Infof("Wrote manifest %s for version %s (%s, %d changes)", s.path, m.Version, m.UpdateType, len(changes))
	for _, op := range changes {
		s.logger.Debugf("  %s %s", op.Type, op.Path)
	}
	return changes, nil
}
