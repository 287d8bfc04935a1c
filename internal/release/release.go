// Package release turns a freshly built bundle into published OTA artifacts: the
// versioned bundle, a patch from the previously published version, gzip variants and
// the manifest that ties them together.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gihan9a/hotupdate/internal/compression"
	"gihan9a/hotupdate/internal/diffgen"
	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/manifest"
	"gihan9a/hotupdate/internal/metrics"
	"gihan9a/hotupdate/pkg/otaproto"
)

const (
	BundlesDir = "bundles"
	PatchesDir = "patches"

	DefaultBundleFile      = "index.android.bundle"
	DefaultCompressMinSize = 1024
)

// Patch generation results reported to metrics
const (
	patchGenerated = "generated"
	patchTooLarge  = "too_large"
	patchFailed    = "failed"
)

// Options configures a Builder
type Options struct {
	BuildDir   string
	BaseURL    string
	BundleFile string
	Format     diffgen.Format
	// Engine defaults to an in-process diffgen.Local
	Engine          diffgen.Engine
	Compress        bool
	CompressLevel   int
	CompressMinSize int64
	Logger          *zap.SugaredLogger
}

// Builder publishes releases into a build directory
type Builder struct {
	opts      Options
	manifests *manifest.Store
	logger    *zap.SugaredLogger
}

func New(opts Options) (*Builder, error) {
	if opts.BuildDir == "" {
		return nil, fmt.Errorf("build dir is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.BundleFile == "" {
		opts.BundleFile = DefaultBundleFile
	}
	if opts.Format == "" {
		opts.Format = diffgen.FormatDelta
	}
	if opts.CompressLevel == 0 {
		opts.CompressLevel = compression.DefaultLevel
	}
	if opts.CompressMinSize == 0 {
		opts.CompressMinSize = DefaultCompressMinSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Engine == nil {
		opts.Engine = diffgen.Local{Generator: diffgen.New(diffgen.Options{Logger: opts.Logger})}
	}
	return &Builder{
		opts:      opts,
		manifests: manifest.NewStore(opts.BuildDir, opts.Logger),
		logger:    opts.Logger,
	}, nil
}

// Manifests returns the manifest store of the build directory
func (b *Builder) Manifests() *manifest.Store {
	return b.manifests
}

// BundlePath is where the bundle of version is published
func (b *Builder) BundlePath(version string) string {
	return filepath.Join(b.opts.BuildDir, BundlesDir, version, b.opts.BundleFile)
}

// PatchPath is where the patch between two versions is published
func (b *Builder) PatchPath(from, to string) string {
	return filepath.Join(b.opts.BuildDir, PatchesDir, patchName(from, to))
}

func patchName(from, to string) string {
	return fmt.Sprintf("%s-to-%s.patch", from, to)
}

// Bundle is a published bundle
type Bundle struct {
	Version string
	Path    string
	Hash    string
	Size    int64
}

// Patch is a published patch
type Patch struct {
	From       string
	To         string
	Path       string
	Format     diffgen.Format
	Hash       string
	Size       int64
	TargetHash string
	Stats      diffgen.Stats
}

// PublishBundle copies src to the versioned bundle location
func (b *Builder) PublishBundle(version, src string) (*Bundle, error) {
	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	dest := b.BundlePath(version)
	size, err := copyFile(src, dest)
	if err != nil {
		return nil, fmt.Errorf("publish bundle: %w", err)
	}
	hash, err := hashutil.File(hashutil.DomainText, dest)
	if err != nil {
		return nil, err
	}
	b.logger.Infof("Published bundle %s (%d bytes, %s)", dest, size, hash)
	return &Bundle{Version: version, Path: dest, Hash: hash, Size: size}, nil
}

// BuildPatch generates the patch from the published bundle of prev to the one of cur.
// A patch that is not worth shipping returns an error matching diffgen.ErrPatchTooLarge.
func (b *Builder) BuildPatch(ctx context.Context, prev, cur string) (*Patch, error) {
	if prev == cur {
		return nil, fmt.Errorf("no patch needed, both versions are %s", cur)
	}
	oldPath, newPath := b.BundlePath(prev), b.BundlePath(cur)
	if _, err := os.Stat(oldPath); err != nil {
		return nil, fmt.Errorf("bundle of version %s: %w", prev, err)
	}
	if _, err := os.Stat(newPath); err != nil {
		return nil, fmt.Errorf("bundle of version %s: %w", cur, err)
	}

	res, err := b.opts.Engine.GeneratePatch(ctx, diffgen.Request{
		OldFile:   oldPath,
		NewFile:   newPath,
		OutputDir: filepath.Join(b.opts.BuildDir, PatchesDir),
		Format:    b.opts.Format,
	})
	if err != nil {
		var tooLarge *diffgen.TooLargeError
		if errors.As(err, &tooLarge) {
			metrics.RecordPatch(patchTooLarge)
			b.logger.Infof("Patch %s -> %s is %.1f%% of the old bundle, full download recommended",
				prev, cur, tooLarge.Stats.SizeRatio*100)
		} else {
			metrics.RecordPatch(patchFailed)
		}
		return nil, err
	}

	final := b.PatchPath(prev, cur)
	if err := os.Rename(res.Path, final); err != nil {
		os.Remove(res.Path)
		metrics.RecordPatch(patchFailed)
		return nil, fmt.Errorf("move patch: %w", err)
	}
	hash, err := hashutil.File(hashutil.DomainText, final)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(final)
	if err != nil {
		return nil, err
	}
	metrics.RecordPatch(patchGenerated)
	b.logger.Infof("Built %s patch %s (%d bytes, %d operations, %.1f%% of old bundle)",
		res.Format, final, info.Size(), res.Stats.OperationsCount, res.Stats.SizeRatio*100)

	return &Patch{
		From:       prev,
		To:         cur,
		Path:       final,
		Format:     res.Format,
		Hash:       hash,
		Size:       info.Size(),
		TargetHash: res.TargetHash,
		Stats:      res.Stats,
	}, nil
}

// Result describes a finished BuildOTA
type Result struct {
	Manifest *otaproto.Manifest
	Bundle   *Bundle
	Patch    *Patch
	// PatchSkipped explains why no patch was published, if none was
	PatchSkipped string
	Compressed   []*compression.Result
	// Changes is the JSON Patch from the previous manifest to the new one
	Changes jsondiff.Patch
}

// BuildOTA publishes src as version, builds a patch from the currently published
// version when possible, compresses the artifacts and writes the new manifest.
func (b *Builder) BuildOTA(ctx context.Context, version, src string) (*Result, error) {
	previous, err := b.manifests.Load()
	if err != nil && !errors.Is(err, manifest.ErrNoManifest) {
		return nil, fmt.Errorf("load current manifest: %w", err)
	}

	bundle, err := b.PublishBundle(version, src)
	if err != nil {
		return nil, err
	}
	res := &Result{Bundle: bundle}

	var previousHash string
	switch {
	case previous == nil:
		res.PatchSkipped = "no previous release"
	case previous.Version == version:
		res.PatchSkipped = "version unchanged"
	default:
		prevBundle := b.BundlePath(previous.Version)
		if _, err := os.Stat(prevBundle); err != nil {
			res.PatchSkipped = fmt.Sprintf("bundle of version %s not found", previous.Version)
			break
		}
		if previousHash, err = hashutil.File(hashutil.DomainText, prevBundle); err != nil {
			return nil, err
		}
		res.Patch, err = b.BuildPatch(ctx, previous.Version, version)
		if errors.Is(err, diffgen.ErrPatchTooLarge) {
			res.PatchSkipped = diffgen.ReasonPatchTooLarge
		} else if err != nil {
			return nil, err
		}
	}
	if res.PatchSkipped != "" {
		b.logger.Infof("Publishing %s as full update: %s", version, res.PatchSkipped)
	}

	mBundle := manifest.Bundle{
		URL:  b.url(BundlesDir, version, b.opts.BundleFile),
		Hash: bundle.Hash,
		Size: bundle.Size,
	}
	var mPatch *manifest.Patch
	if res.Patch != nil {
		mPatch = &manifest.Patch{
			URL:        b.url(PatchesDir, patchName(res.Patch.From, res.Patch.To)),
			Hash:       res.Patch.Hash,
			Size:       res.Patch.Size,
			TargetHash: bundle.Hash,
		}
	}

	if b.opts.Compress {
		if err := b.compress(ctx, res, &mBundle, mPatch); err != nil {
			return nil, err
		}
	}

	res.Manifest = manifest.Build(version, mBundle, previousHash, mPatch)
	if res.Changes, err = b.manifests.Save(res.Manifest); err != nil {
		return nil, err
	}
	return res, nil
}

// compress writes gzip variants of the bundle and patch side by side and records
// them, with binary domain hashes, in the manifest entries.
func (b *Builder) compress(ctx context.Context, res *Result, bundle *manifest.Bundle, patch *manifest.Patch) error {
	type job struct {
		path  string
		apply func(r *compression.Result, hash string)
	}
	jobs := []job{{
		path: res.Bundle.Path,
		apply: func(r *compression.Result, hash string) {
			bundle.Compressed = &otaproto.CompressedBundle{URL: bundle.URL + compression.Extension, Hash: hash, Size: r.CompressedSize}
		},
	}}
	if patch != nil {
		jobs = append(jobs, job{
			path: res.Patch.Path,
			apply: func(r *compression.Result, hash string) {
				patch.Compressed = &otaproto.CompressedPatch{PatchURL: patch.URL + compression.Extension, PatchHash: hash, PatchSize: r.CompressedSize}
			},
		})
	}

	results := make([]*compression.Result, len(jobs))
	hashes := make([]string, len(jobs))
	g, _ := errgroup.WithContext(ctx)
	for i, j := range jobs {
		if ok, reason := compression.ShouldCompress(j.path, b.opts.CompressMinSize); !ok {
			b.logger.Debugf("Not compressing %s: %s", j.path, reason)
			continue
		}
		i, j := i, j
		g.Go(func() error {
			r, err := compression.CompressFile(j.path, "", b.opts.CompressLevel)
			if err != nil {
				return err
			}
			hash, err := hashutil.File(hashutil.DomainBinary, r.CompressedPath)
			if err != nil {
				return err
			}
			results[i], hashes[i] = r, hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("compress artifacts: %w", err)
	}

	for i, j := range jobs {
		if r := results[i]; r != nil {
			j.apply(r, hashes[i])
			res.Compressed = append(res.Compressed, r)
			b.logger.Infof("Compressed %s: %d -> %d bytes (%.1f%% saved)",
				r.OriginalPath, r.OriginalSize, r.CompressedSize, r.Ratio()*100)
		}
	}
	return nil
}

func (b *Builder) url(elem ...string) string {
	u, err := url.JoinPath(b.opts.BaseURL, elem...)
	if err != nil {
		return b.opts.BaseURL
	}
	return u
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
