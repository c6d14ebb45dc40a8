// Package app wires the repository, the archive container, the engines and
// the adapters together and exposes the high-level operations the CLI
// calls. One App instance serves one CLI invocation.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/term"

	"bpro-go/internal/archive"
	"bpro-go/internal/bp"
	"bpro-go/internal/confmgr"
	"bpro-go/internal/execx"
	"bpro-go/internal/identity"
	"bpro-go/internal/model"
	"bpro-go/internal/pkgmgr"
	"bpro-go/internal/repository"
)

// App is the application layer between the CLI and the engines. It owns
// the repository and the log file; the caller must call Close when done.
type App struct {
	repo     *repository.Repository
	files    *bp.BackupEngine
	restorer *bp.RestoreEngine
	scanner  *bp.ScanEngine
	packages *pkgmgr.Service
	confs    *confmgr.Service
	logger   bp.Logger
	logFile  *os.File

	opName   string
	opParams string
	opID     string
}

// New creates a fully wired App. operation identifies the CLI command
// being run; it is recorded in the operation log when the command mutates
// state.
func New(confDir, targetDir, operation, parameters string) (*App, error) {
	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(filepath.Join(bp.ExpandPath(confDir), bp.ConfHolder, "log"), runID)
	if err != nil {
		return nil, err
	}
	logger := &slogAdapter{l: slogger}

	repo, err := repository.New(confDir, targetDir, &bp.SystemClock{}, &bp.UUIDGenerator{}, logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	names := identity.NewResolver()
	runner := execx.NewRunner(os.Stdout)
	archives := archive.NewFactory()
	interactive := func() bool {
		return term.IsTerminal(int(os.Stdout.Fd()))
	}

	return &App{
		repo:     repo,
		files:    bp.NewBackupEngine(repo, archives, names, logger, os.Stdout, os.Stderr),
		restorer: bp.NewRestoreEngine(repo, archives, names, runner, logger, os.Stdout, os.Stderr),
		scanner:  bp.NewScanEngine(repo, &bp.SystemClock{}, logger, os.Stderr),
		packages: pkgmgr.NewService(repo, runner, logger, os.Stdout, interactive),
		confs:    confmgr.NewService(repo, runner, logger, os.Stdout, identity.RealUID(), identity.RealGID()),
		logger:   logger,
		logFile:  logFile,
		opName:   operation,
		opParams: parameters,
	}, nil
}

// Close finishes the operation record according to runErr and releases the
// repository and the log file.
func (a *App) Close(runErr error) {
	if a.opID != "" {
		status := "success"
		if runErr != nil {
			status = "error"
		}
		if err := a.repo.FinishOperation(a.opID, status); err != nil {
			a.logger.Warn("failed to finish operation record", "error", err)
		}
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Warn("failed to close repository", "error", err)
	}
	a.logFile.Close()
}

// persistOperation records the start of the operation. Called by every
// state-mutating command, at most once per App.
func (a *App) persistOperation() error {
	if a.opID != "" {
		return nil
	}
	id, err := a.repo.CreateOperation(a.opName, a.opParams)
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	a.opID = id
	return nil
}

// Backup scans the selected domains and rebuilds the archive. Packages and
// configurations are scanned before the file backup so the embedded state
// snapshot carries the fresh results.
func (a *App) Backup(force, files, packages, configurations bool) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if packages {
		if err := a.packages.Scan(); err != nil {
			return err
		}
	}
	if configurations {
		if err := a.confs.Scan(); err != nil {
			return err
		}
	}
	if files {
		if err := a.files.Backup(force); err != nil {
			return err
		}
	}
	return nil
}

// EnsureConf bootstraps the configuration store from the archive when the
// local one is missing.
func (a *App) EnsureConf(dryRun bool) error {
	return a.restorer.EnsureConf(dryRun)
}

// Dry runs mutate nothing, so they are never recorded in the operation
// log. A dry-run bootstrap may also have redirected the repository to a
// temporary extraction of the archived store, which is discarded at the
// end of the run; writes there would vanish with it.
func (a *App) RestoreFiles(dryRun, interactive bool) error {
	if !dryRun {
		if err := a.persistOperation(); err != nil {
			return err
		}
	}
	return a.restorer.Restore(dryRun, interactive)
}

func (a *App) RestorePackages(dryRun bool) error {
	if !dryRun {
		if err := a.persistOperation(); err != nil {
			return err
		}
	}
	return a.packages.Restore(dryRun)
}

func (a *App) RestoreConfigurations(dryRun bool) error {
	if !dryRun {
		if err := a.persistOperation(); err != nil {
			return err
		}
	}
	return a.confs.Restore(dryRun)
}

// RestoreConfForce overwrites the local configuration store with the one
// embedded in the archive.
func (a *App) RestoreConfForce() error {
	return a.restorer.RestoreConf(true)
}

func (a *App) CheckPackages() ([]model.PackageStatus, error) {
	return a.packages.Check()
}

func (a *App) TrackPackage(p model.TrackedPackage) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.packages.Track(p)
}

func (a *App) CheckConfigurations() ([]model.ConfigurationStatus, error) {
	return a.confs.Check()
}

func (a *App) TrackConfiguration(c model.TrackedConfiguration) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.confs.Track(c)
}

func (a *App) Scan(paths []string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.scanner.Scan(paths)
}

func (a *App) IndexSnapshotTimes() ([]int64, error) {
	return a.repo.IndexSnapshotTimes()
}

func (a *App) RemoveIndexSnapshot(t int64) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if err := a.repo.RemoveIndexSnapshot(t); err != nil {
		return bp.WrapTool(err, "removing index snapshot")
	}
	return nil
}

func (a *App) Diff(fromTime, toTime *int64, paths []string) ([]string, error) {
	return a.scanner.Diff(fromTime, toTime, paths)
}

func (a *App) AddTrackedPath(path string, strategy model.BackupStrategy) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.SetTrackedPath(model.TrackedPath{Path: path, Strategy: strategy})
}

func (a *App) RemoveTrackedPath(path string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.RemoveTrackedPath(path)
}

func (a *App) AddArchiveExcludePath(path string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.AddArchiveExcludePath(path)
}

func (a *App) RemoveArchiveExcludePath(path string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.RemoveArchiveExcludePath(path)
}

func (a *App) AddArchiveExcludePattern(pattern string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if err := validatePattern(pattern); err != nil {
		return err
	}
	return a.repo.AddArchiveExcludePattern(pattern)
}

func (a *App) RemoveArchiveExcludePattern(pattern string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.RemoveArchiveExcludePattern(pattern)
}

func (a *App) AddScanExcludePath(path string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.AddScanExcludePath(path)
}

func (a *App) RemoveScanExcludePath(path string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.RemoveScanExcludePath(path)
}

func (a *App) AddScanExcludePattern(pattern string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if err := validatePattern(pattern); err != nil {
		return err
	}
	return a.repo.AddScanExcludePattern(pattern)
}

func (a *App) RemoveScanExcludePattern(pattern string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.repo.RemoveScanExcludePattern(pattern)
}

// SetPassphrase stores the archive passphrase in settings. The next backup
// uses it; existing archives keep the passphrase they were written with.
func (a *App) SetPassphrase(passphrase string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if passphrase == "" {
		return bp.Errorf("passphrase must not be empty")
	}
	return a.repo.SetSetting(bp.PassphraseSetting, passphrase)
}

func validatePattern(pattern string) error {
	if _, err := bp.NewExcludeFilter(nil, []string{pattern}); err != nil {
		return bp.WrapTool(err, "invalid pattern")
	}
	return nil
}
