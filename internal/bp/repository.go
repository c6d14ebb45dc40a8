package bp

import "bpro-go/internal/model"

// Repository is the persistence layer. Configuration (tracked paths,
// exclusions, tracked packages and configurations, settings) lives in the
// conf file; generated state (archive metadata, index snapshots, scan
// results, operation records) lives in the state database. Both sit inside
// the conf holder directory.
//
// Writes are applied immediately and are not transactional across calls; a
// failure mid-operation can leave configuration and state out of step with
// each other and with the archive.
type Repository interface {
	// ConfDir returns the conf holder directory.
	ConfDir() string
	// ConfPath returns the path of the configuration file.
	ConfPath() string
	// TargetPath returns the full path of the archive file.
	TargetPath() string

	TrackedPaths() map[string]model.TrackedPath
	SetTrackedPath(p model.TrackedPath) error
	RemoveTrackedPath(path string) error

	ArchiveExcludePaths() []string
	AddArchiveExcludePath(path string) error
	RemoveArchiveExcludePath(path string) error
	ArchiveExcludePatterns() []string
	AddArchiveExcludePattern(pattern string) error
	RemoveArchiveExcludePattern(pattern string) error

	ScanExcludePaths() []string
	AddScanExcludePath(path string) error
	RemoveScanExcludePath(path string) error
	ScanExcludePatterns() []string
	AddScanExcludePattern(pattern string) error
	RemoveScanExcludePattern(pattern string) error

	Settings() map[string]string
	SetSetting(key, value string) error

	// ArchiveMetadata returns the persisted archive metadata keyed by
	// configured (unexpanded) path. A fresh map is returned on every call.
	ArchiveMetadata() (map[string]*model.ArchiveMetadata, error)
	// SetArchiveMetadata replaces the persisted archive metadata.
	SetArchiveMetadata(metadata map[string]*model.ArchiveMetadata) error

	// IndexSnapshotTimes returns the times of all stored index snapshots
	// in ascending order.
	IndexSnapshotTimes() ([]int64, error)
	// IndexSnapshot returns the snapshot taken at t, or nil if there is
	// no snapshot with that time.
	IndexSnapshot(t int64) (*model.IndexSnapshot, error)
	SetIndexSnapshot(snapshot *model.IndexSnapshot) error
	RemoveIndexSnapshot(t int64) error

	ScannedPackages(handler model.PackageHandler) ([]model.ScannedPackage, error)
	// SetScannedPackages replaces the scanned package list for the
	// handlers present in packages.
	SetScannedPackages(handler model.PackageHandler, packages []model.ScannedPackage) error
	TrackedPackages(handler model.PackageHandler) []model.TrackedPackage
	SetTrackedPackage(p model.TrackedPackage) error

	ScannedConfigurations(handler model.ConfigurationHandler) ([]model.ScannedConfiguration, error)
	SetScannedConfigurations(handler model.ConfigurationHandler, configurations []model.ScannedConfiguration) error
	TrackedConfigurations(handler model.ConfigurationHandler) []model.TrackedConfiguration
	SetTrackedConfiguration(c model.TrackedConfiguration) error

	// CreateOperation records the start of an operation and returns its id.
	CreateOperation(operation, parameters string) (string, error)
	// FinishOperation records the outcome of a previously created operation.
	FinishOperation(id, status string) error

	// StateSnapshot writes a consistent copy of the state database into
	// dir and returns its path.
	StateSnapshot(dir string) (string, error)
	// LoadFrom loads configuration and state from another conf holder
	// directory without touching the configured one.
	LoadFrom(confDir string) error
	// Reload re-reads configuration and state from the configured conf
	// holder directory.
	Reload() error

	Close() error
}
