// Package updater runs the client side update flow.
//
// A run fetches the manifest, compares its version with the committed one, tries the
// delta path when the manifest and local state allow it, falls back to the full bundle
// on any delta failure, verifies the result, commits it atomically and signals that a
// restart is pending. Every failure is contained: the committed bundle is never left
// half written and temp files are removed before and after each run.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/fetch"
	"gihan9a/hotupdate/internal/patchcodec"
	"gihan9a/hotupdate/internal/store"
	"gihan9a/hotupdate/pkg/otaproto"
)

var (
	// ErrRunInProgress is returned when Run is called while another run is active
	ErrRunInProgress = errors.New("update run already in progress")
	// ErrNoRollback is returned by Rollback when nothing was preserved
	ErrNoRollback = store.ErrNoRollback
	// ErrDowngrade is returned when version monotonicity is enforced and the manifest
	// announces an older version
	ErrDowngrade = errors.New("manifest version is older than the installed version")
)

// Path is the distribution path a run took
type Path string

const (
	PathNone  Path = ""
	PathDelta Path = "delta"
	PathFull  Path = "full"
)

// Fetcher is the transport used by the orchestrator
type Fetcher interface {
	Manifest(ctx context.Context, url string) (*otaproto.Manifest, error)
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Config configures an Orchestrator
type Config struct {
	ManifestURL string
	Store       *store.Store
	Fetcher     Fetcher
	Restarter   Restarter
	// StrictOperations fails delta replay on unknown operation types
	StrictOperations bool
	// MonotonicVersions rejects manifests whose semantic version is lower than the
	// installed one. Versions that do not parse as semver are compared by equality only.
	MonotonicVersions bool
	Logger            *zap.SugaredLogger
}

// Result describes a finished run
type Result struct {
	RunID       string
	FromVersion string
	ToVersion   string
	Updated     bool
	Path        Path
	// DeltaError is why the delta path was skipped or abandoned, if it was
	DeltaError error
	Downloaded int64
	// States lists every state the run entered, in order
	States   []string
	Duration time.Duration
}

// Orchestrator serialises update runs for one data directory
type Orchestrator struct {
	cfg     Config
	patcher *patchcodec.Patcher
	logger  *zap.SugaredLogger

	running sync.Mutex

	mu    sync.RWMutex
	state string
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("manifest url is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(fetch.Options{Logger: logger})
	}
	if cfg.Restarter == nil {
		cfg.Restarter = LogRestarter{Logger: logger}
	}
	return &Orchestrator{
		cfg:     cfg,
		patcher: patchcodec.NewPatcher(patchcodec.Options{Strict: cfg.StrictOperations, Logger: logger}),
		logger:  logger,
		state:   StateIdle,
	}, nil
}

// State returns the state of the active run, or idle
func (o *Orchestrator) State() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s string) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run performs one update check. A nil error means the run either found nothing to do
// or committed the new version; Result tells which. Only one run executes at a time,
// overlapping calls get ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	r := &run{
		o:      o,
		layout: o.cfg.Store.Layout(),
		start:  time.Now(),
		result: &Result{RunID: uuid.NewString()},
	}
	r.logger = o.logger.With("run", r.result.RunID)
	r.machine = newMachine(func(from, to, event string) {
		r.result.States = append(r.result.States, to)
		o.setState(to)
		r.logger.Debugf("%s -> %s (%s)", from, to, event)
	})
	ctx = fetch.WithRequestID(ctx, r.result.RunID)

	// leftovers from an interrupted run
	r.cleanup()

	err := r.execute(ctx)
	r.result.Duration = time.Since(r.start)
	r.record(ctx, err)
	return r.result, err
}

// Rollback restores the bundle replaced by the last commit. It must not overlap a run.
func (o *Orchestrator) Rollback(ctx context.Context) (string, error) {
	if !o.running.TryLock() {
		return "", ErrRunInProgress
	}
	defer o.running.Unlock()
	return o.cfg.Store.Rollback(ctx)
}

// DefaultInterval is used by Loop for a non-positive interval
const DefaultInterval = 15 * time.Minute

// Loop runs an update check every interval until ctx is done. The first check runs
// immediately.
func (o *Orchestrator) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res, err := o.Run(ctx); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				o.logger.Debugf("Skipping scheduled check, a run is in progress")
			} else {
				o.logger.Warnf("Update check failed, retrying in %s: %v", interval, err)
			}
		} else if res.Updated {
			o.logger.Infof("Updated %q -> %s via %s", res.FromVersion, res.ToVersion, res.Path)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) checkMonotonic(current, next string) error {
	if !o.cfg.MonotonicVersions || current == "" {
		return nil
	}
	cv, err := semver.NewVersion(current)
	if err != nil {
		return nil
	}
	nv, err := semver.NewVersion(next)
	if err != nil {
		return nil
	}
	if nv.LessThan(cv) {
		return fmt.Errorf("%w: %s < %s", ErrDowngrade, next, current)
	}
	return nil
}
