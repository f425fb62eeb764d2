// Package backup wires the staging instance, the replication driver and the
// archive packager into the dump and load pipelines.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kvolkov/couchpack/internal/archive"
	"github.com/kvolkov/couchpack/internal/debug"
	"github.com/kvolkov/couchpack/internal/instance"
	"github.com/kvolkov/couchpack/internal/lock"
	"github.com/kvolkov/couchpack/internal/replicate"
	"github.com/kvolkov/couchpack/internal/runctx"
	"github.com/kvolkov/couchpack/internal/util/disk"
	"github.com/kvolkov/couchpack/internal/util/fs"
	"github.com/kvolkov/couchpack/internal/util/urlcred"
)

// Config collects parameters for a dump or load run.
type Config struct {
	ServerURL   string // remote server, credentials separate
	Username    string
	Password    string
	ArchivePath string

	Progress   string
	Verbose    bool
	KeepRunTmp bool

	// Instance overrides template dir, binary and poll budget; zero values
	// mean production defaults.
	Instance instance.Options
}

// Orchestrator keeps state across pipeline steps. Close releases everything
// on every exit path; callers defer it immediately after construction.
type Orchestrator struct {
	cfg *Config

	lk     *lock.FileLock
	locked bool
	rc     *runctx.RunCtx
	inst   *instance.Instance
}

// Close stops the staging instance, removes the run directory and releases
// the archive lock; safe to call multiple times.
func (o *Orchestrator) Close() {
	if o.inst != nil {
		_ = o.inst.Stop()
		o.inst = nil
	}
	if o.rc != nil {
		_ = o.rc.Cleanup()
		o.rc = nil
	}
	if o.locked {
		_ = o.lk.Unlock()
		o.locked = false
	}
}

// Dump pulls every database from the remote server into a fresh staging
// instance, stops it and packs its on-disk state into the archive.
func Dump(ctx context.Context, cfg *Config) error {
	o := &Orchestrator{cfg: cfg}
	defer o.Close()

	if err := o.acquire(); err != nil {
		return err
	}
	if err := o.stepProvision(); err != nil {
		return err
	}
	if err := o.inst.Start(ctx); err != nil {
		return err
	}
	slog.Info("staging instance ready", "addr", o.inst.BaseAddr(), "version", o.inst.Version)
	debug.StopIf("after_start")

	remote, err := urlcred.WithCredentials(cfg.ServerURL, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	if err := replicate.Run(ctx, remote, o.inst.BaseURL, replicate.Options{Progress: cfg.Progress, Verbose: cfg.Verbose}); err != nil {
		return err
	}
	debug.StopIf("after_replicate")

	if err := o.inst.Stop(); err != nil {
		return err
	}

	// Coarse bound: the gzip archive cannot exceed the raw tree size.
	raw, err := fs.DirSize(o.rc.Dir)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := disk.EnsureSpace(map[string]uint64{filepath.Dir(cfg.ArchivePath): uint64(raw)}); err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	if err := archive.Pack(o.inst.ConfigDir, o.inst.DataDir, o.inst.Version, cfg.ArchivePath); err != nil {
		return err
	}
	slog.Info("archive written", "path", cfg.ArchivePath)
	return nil
}

// Load unpacks the archive's data tree underneath a freshly provisioned
// staging instance, starts it and pushes every database to the remote server.
func Load(ctx context.Context, cfg *Config) error {
	// Report a missing archive before provisioning anything.
	if _, err := os.Stat(cfg.ArchivePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", archive.ErrNotFound, cfg.ArchivePath)
		}
		return err
	}

	o := &Orchestrator{cfg: cfg}
	defer o.Close()

	if err := o.acquire(); err != nil {
		return err
	}
	if err := o.stepProvision(); err != nil {
		return err
	}

	st, err := os.Stat(cfg.ArchivePath)
	if err != nil {
		return err
	}
	// Lower bound only; the tar expands beyond the compressed size.
	if err := disk.EnsureSpace(map[string]uint64{o.rc.Dir: uint64(st.Size())}); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}

	staging := o.rc.Path("unpack")
	if err := fs.MkdirP(staging); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	dataDir, err := archive.Unpack(cfg.ArchivePath, staging)
	if err != nil {
		return err
	}
	// The provisioned empty data dir makes way for the archived one. The
	// archived etc tree stays behind in staging: configuration, credentials
	// and ports are always freshly generated.
	if err := os.RemoveAll(o.inst.DataDir); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	if err := os.Rename(dataDir, o.inst.DataDir); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	debug.StopIf("after_unpack")

	if err := o.inst.Start(ctx); err != nil {
		return err
	}
	slog.Info("staging instance ready", "addr", o.inst.BaseAddr(), "version", o.inst.Version)

	remote, err := urlcred.WithCredentials(cfg.ServerURL, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	if err := replicate.Run(ctx, o.inst.BaseURL, remote, replicate.Options{Progress: cfg.Progress, Verbose: cfg.Verbose}); err != nil {
		return err
	}
	slog.Info("restore complete", "target", cfg.ServerURL)
	return nil
}

// acquire takes the per-archive lock so two runs cannot race on one file.
func (o *Orchestrator) acquire() error {
	o.lk = lock.New(o.cfg.ArchivePath)
	ok, err := o.lk.TryLock()
	if err != nil {
		return fmt.Errorf("lock archive: %w", err)
	}
	if !ok {
		return fmt.Errorf("another couchpack run is using %s", o.cfg.ArchivePath)
	}
	o.locked = true
	return nil
}

func (o *Orchestrator) stepProvision() error {
	rc, err := runctx.New("couchpack_", o.cfg.KeepRunTmp)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	o.rc = rc
	inst, err := instance.Provision(rc, o.cfg.Instance)
	if err != nil {
		return err
	}
	o.inst = inst
	slog.Debug("staging instance provisioned", "dir", rc.Dir, "port", inst.Port)
	return nil
}
