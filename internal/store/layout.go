package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// File names inside the client data directory
const (
	BundleFile               = "hotupdate.bundle"
	PreviousBundleFile       = "hotupdate.bundle.prev"
	BundleTempFile           = "hotupdate.bundle.tmp"
	PatchTempFile            = "hotupdate.patch.tmp"
	CompressedBundleTempFile = "hotupdate.bundle.gz.tmp"
	CompressedPatchTempFile  = "hotupdate.patch.gz.tmp"
	DatabaseFile             = "hotupdate.db"
)

// Layout resolves the fixed client paths under Dir
type Layout struct {
	Dir string
}

func (l Layout) path(name string) string { return filepath.Join(l.Dir, name) }

func (l Layout) Bundle() string               { return l.path(BundleFile) }
func (l Layout) PreviousBundle() string       { return l.path(PreviousBundleFile) }
func (l Layout) BundleTemp() string           { return l.path(BundleTempFile) }
func (l Layout) PatchTemp() string            { return l.path(PatchTempFile) }
func (l Layout) CompressedBundleTemp() string { return l.path(CompressedBundleTempFile) }
func (l Layout) CompressedPatchTemp() string  { return l.path(CompressedPatchTempFile) }
func (l Layout) Database() string             { return l.path(DatabaseFile) }

// TempFiles lists every partial artifact a run may leave behind
func (l Layout) TempFiles() []string {
	return []string{l.BundleTemp(), l.PatchTemp(), l.CompressedBundleTemp(), l.CompressedPatchTemp()}
}

// CleanupTemp removes every temp file that exists and returns the removed paths.
// It keeps going after a failure and reports the joined errors.
func (l Layout) CleanupTemp() ([]string, error) {
	var removed []string
	var errs []error
	for _, p := range l.TempFiles() {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
