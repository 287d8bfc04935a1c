package updater

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/compression"
	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/metrics"
	"gihan9a/hotupdate/internal/patchcodec"
	"gihan9a/hotupdate/internal/store"
	"gihan9a/hotupdate/pkg/otaproto"
)

// DeltaError records which step of the delta path failed
type DeltaError struct {
	Step string
	Err  error
}

func (e *DeltaError) Error() string {
	return fmt.Sprintf("delta %s: %v", e.Step, e.Err)
}

func (e *DeltaError) Unwrap() error {
	return e.Err
}

func deltaStep(step string, err error) error {
	return &DeltaError{Step: step, Err: err}
}

type run struct {
	o        *Orchestrator
	layout   store.Layout
	machine  *fsm.FSM
	logger   *zap.SugaredLogger
	start    time.Time
	result   *Result
	upToDate bool
}

func (r *run) execute(ctx context.Context) error {
	if err := fire(ctx, r.machine, EventCheck); err != nil {
		return err
	}

	current, err := r.o.cfg.Store.Version(ctx)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("read installed version: %w", err))
	}
	r.result.FromVersion = current

	m, err := r.o.cfg.Fetcher.Manifest(ctx, r.o.cfg.ManifestURL)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("fetch manifest: %w", err))
	}
	r.result.ToVersion = m.Version
	r.logger.Debugf("Installed version %q, manifest version %q", current, m.Version)

	if m.Version == current {
		r.upToDate = true
		r.logger.Infof("Already at version %s", current)
		if err := fire(ctx, r.machine, EventUpToDate); err != nil {
			return err
		}
		return fire(ctx, r.machine, EventReset)
	}
	if err := r.o.checkMonotonic(current, m.Version); err != nil {
		return r.fail(ctx, err)
	}

	if err := r.deltaEligible(current, m); err != nil {
		r.result.DeltaError = err
		r.logger.Infof("Skipping delta update: %v", err)
	} else {
		if err := fire(ctx, r.machine, EventTryDelta); err != nil {
			return err
		}
		err := r.tryDelta(ctx, m)
		if err == nil {
			return r.commit(ctx, m, PathDelta)
		}
		r.result.DeltaError = err
		if de, ok := err.(*DeltaError); ok {
			metrics.RecordFallback(de.Step)
		}
		r.logger.Warnf("Delta update failed, falling back to full download: %v", err)
		r.cleanup()
	}

	if err := fire(ctx, r.machine, EventDownloadFull); err != nil {
		return err
	}
	if err := r.downloadFull(ctx, m); err != nil {
		return r.fail(ctx, fmt.Errorf("full download: %w", err))
	}
	return r.commit(ctx, m, PathFull)
}

// deltaEligible checks everything that can be known before downloading a patch
func (r *run) deltaEligible(current string, m *otaproto.Manifest) error {
	if err := m.DeltaUsable(); err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("%w: no installed version", otaproto.ErrDeltaUnavailable)
	}
	bundle := r.layout.Bundle()
	if _, err := os.Stat(bundle); err != nil {
		return fmt.Errorf("%w: no local bundle", otaproto.ErrDeltaUnavailable)
	}
	if base := m.FullBundle.PreviousHash; base != "" {
		local, err := hashutil.File(hashutil.DomainText, bundle)
		if err != nil {
			return fmt.Errorf("%w: %v", otaproto.ErrDeltaUnavailable, err)
		}
		if local != base {
			return fmt.Errorf("%w: local bundle %s is not the patch base %s", otaproto.ErrDeltaUnavailable, local, base)
		}
	}
	return nil
}

func (r *run) tryDelta(ctx context.Context, m *otaproto.Manifest) error {
	d := m.DeltaUpdate
	patchPath := r.layout.PatchTemp()

	if c := d.Compressed; c != nil && c.PatchURL != "" {
		gzPath := r.layout.CompressedPatchTemp()
		n, err := r.download(ctx, "patch", c.PatchURL, gzPath)
		if err != nil {
			return deltaStep("download", err)
		}
		if err := hashutil.VerifyFile(hashutil.StagePatch, hashutil.DomainBinary, gzPath, c.PatchHash); err != nil {
			return deltaStep("patch_hash", err)
		}
		if _, err := compression.DecompressFile(gzPath, patchPath, compression.SizeLimit(d.PatchSize)); err != nil {
			return deltaStep("decompress", err)
		}
		r.logSaving("patch", n, d.PatchSize)
	} else {
		if _, err := r.download(ctx, "patch", d.PatchURL, patchPath); err != nil {
			return deltaStep("download", err)
		}
		if err := hashutil.VerifyFile(hashutil.StagePatch, hashutil.DomainText, patchPath, d.PatchHash); err != nil {
			return deltaStep("patch_hash", err)
		}
	}

	raw, err := os.ReadFile(patchPath)
	if err != nil {
		return deltaStep("read_patch", err)
	}
	source, err := os.ReadFile(r.layout.Bundle())
	if err != nil {
		return deltaStep("read_bundle", err)
	}
	patched, err := r.o.patcher.Apply(string(hashutil.Canonical(source)), raw, patchcodec.Expectations{
		SourceHash: m.FullBundle.PreviousHash,
		TargetHash: d.TargetHash,
	})
	if err != nil {
		return deltaStep("apply", err)
	}
	if err := os.WriteFile(r.layout.BundleTemp(), []byte(patched), 0644); err != nil {
		return deltaStep("write", err)
	}

	if err := fire(ctx, r.machine, EventVerify); err != nil {
		return deltaStep("verify", err)
	}
	if err := hashutil.VerifyFile(hashutil.StageTarget, hashutil.DomainText, r.layout.BundleTemp(), d.TargetHash); err != nil {
		return deltaStep("target_hash", err)
	}
	return nil
}

// downloadFull fetches the full bundle into the bundle temp path. The compressed
// variant is checked against its own binary digest, the decompressed bundle against
// fullBundle.hash in the text domain.
func (r *run) downloadFull(ctx context.Context, m *otaproto.Manifest) error {
	bundleTemp := r.layout.BundleTemp()

	if c := m.FullBundle.Compressed; c != nil && c.URL != "" {
		gzPath := r.layout.CompressedBundleTemp()
		n, err := r.download(ctx, "bundle", c.URL, gzPath)
		if err != nil {
			return err
		}
		if err := hashutil.VerifyFile(hashutil.StageFullBundle, hashutil.DomainBinary, gzPath, c.Hash); err != nil {
			return err
		}
		if _, err := compression.DecompressFile(gzPath, bundleTemp, compression.SizeLimit(m.FullBundle.Size)); err != nil {
			return err
		}
		r.logSaving("bundle", n, m.FullBundle.Size)
	} else if _, err := r.download(ctx, "bundle", m.BundleURL(), bundleTemp); err != nil {
		return err
	}

	if err := fire(ctx, r.machine, EventVerify); err != nil {
		return err
	}
	return hashutil.VerifyFile(hashutil.StageFullBundle, hashutil.DomainText, bundleTemp, m.FullBundle.Hash)
}

func (r *run) commit(ctx context.Context, m *otaproto.Manifest, path Path) error {
	if err := fire(ctx, r.machine, EventCommit); err != nil {
		return err
	}
	if err := r.o.cfg.Store.Commit(ctx, m.Version, r.layout.BundleTemp()); err != nil {
		return r.fail(ctx, fmt.Errorf("commit: %w", err))
	}
	r.cleanup()
	if err := fire(ctx, r.machine, EventCommitted); err != nil {
		return err
	}
	r.result.Updated = true
	r.result.Path = path
	r.logger.Infof("Installed version %s via %s update (%d bytes downloaded)", m.Version, path, r.result.Downloaded)

	if err := r.o.cfg.Restarter.Restart(ctx, m.Version); err != nil {
		r.logger.Warnf("Restart signal failed, update applies on next start: %v", err)
	}
	return fire(ctx, r.machine, EventReset)
}

// fail walks Failed -> CleanupTemp -> Idle and returns cause
func (r *run) fail(ctx context.Context, cause error) error {
	r.logger.Errorf("Update run failed: %v", cause)
	for _, event := range []string{EventFail, EventCleanup} {
		if err := fire(ctx, r.machine, event); err != nil {
			r.logger.Errorf("%v", err)
		}
	}
	r.cleanup()
	if err := fire(ctx, r.machine, EventReset); err != nil {
		r.logger.Errorf("%v", err)
	}
	return cause
}

func (r *run) cleanup() {
	removed, err := r.layout.CleanupTemp()
	for _, p := range removed {
		r.logger.Debugf("Removed temp file %s", p)
	}
	if err != nil {
		r.logger.Warnf("Temp file cleanup incomplete: %v", err)
	}
}

func (r *run) download(ctx context.Context, kind, url, dest string) (int64, error) {
	n, err := r.o.cfg.Fetcher.Download(ctx, url, dest)
	if err != nil {
		return 0, err
	}
	r.result.Downloaded += n
	metrics.RecordDownload(kind, n)
	return n, nil
}

func (r *run) logSaving(kind string, compressed, original int64) {
	if original > 0 {
		r.logger.Debugf("Compressed %s download saved %.1f%% (%d of %d bytes)",
			kind, (1-float64(compressed)/float64(original))*100, compressed, original)
	}
}

func (r *run) record(ctx context.Context, runErr error) {
	outcome := string(r.result.Path)
	switch {
	case runErr != nil:
		outcome = metrics.OutcomeFailed
	case r.upToDate:
		outcome = metrics.OutcomeUpToDate
	}
	metrics.RecordRun(outcome, r.result.Duration)

	rec := store.RunRecord{
		ID:          r.result.RunID,
		FromVersion: r.result.FromVersion,
		ToVersion:   r.result.ToVersion,
		Path:        string(r.result.Path),
		Outcome:     outcome,
		StartedAt:   r.start,
		FinishedAt:  r.start.Add(r.result.Duration),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := r.o.cfg.Store.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warnf("Failed to record run history: %v", err)
	}
}
