package model

import "time"

// BackupStrategy controls how a tracked path participates in restore.
type BackupStrategy string

const (
	// StrategyAuto backs up and restores the path without user involvement.
	StrategyAuto BackupStrategy = "auto"
	// StrategyBackupOnly includes the path in the archive but never restores
	// it (the restore walk skips the path and all of its descendants).
	StrategyBackupOnly BackupStrategy = "backup-only"
	// StrategyManual requires human review of staged changes before restore.
	StrategyManual BackupStrategy = "manual"
)

// BackupStrategies lists every valid strategy, for CLI help and validation.
func BackupStrategies() []BackupStrategy {
	return []BackupStrategy{StrategyAuto, StrategyBackupOnly, StrategyManual}
}

// Valid reports whether s is a known strategy.
func (s BackupStrategy) Valid() bool {
	switch s {
	case StrategyAuto, StrategyBackupOnly, StrategyManual:
		return true
	}
	return false
}

// TrackedPath is a user-declared filesystem root participating in
// backup/restore. Path is stored as configured (environment variables
// unexpanded), so entries stay portable across hosts and users.
type TrackedPath struct {
	Path     string         `toml:"path"`
	Strategy BackupStrategy `toml:"strategy"`
}

// Unix file type bits as persisted in ArchiveMetadata.Mode. These mirror the
// stat(2) S_IF* constants; keeping them here avoids dragging syscall types
// into the data model.
const (
	TypeMask    uint32 = 0o170000
	TypeDir     uint32 = 0o040000
	TypeRegular uint32 = 0o100000
	TypeSymlink uint32 = 0o120000
	PermMask    uint32 = 0o007777
)

// ArchiveMetadata describes one archived path: its archive-relative location,
// raw unix mode, modification time, size and normalized ownership. User and
// Group are empty when the path is owned by the invoking real user.
type ArchiveMetadata struct {
	Path    string
	Mode    uint32
	MtimeNS int64
	Size    int64
	User    string
	Group   string
}

// IsDir reports whether the archived entry is a directory.
func (m *ArchiveMetadata) IsDir() bool { return m.Mode&TypeMask == TypeDir }

// IsSymlink reports whether the archived entry is a symbolic link.
func (m *ArchiveMetadata) IsSymlink() bool { return m.Mode&TypeMask == TypeSymlink }

// Equal compares two metadata entries. Modification times agree when they
// match to the second: archive containers truncate sub-second precision, so
// the nanosecond remainder must not produce spurious differences.
func (m *ArchiveMetadata) Equal(other *ArchiveMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Path == other.Path &&
		m.Mode == other.Mode &&
		m.MtimeNS/1e9 == other.MtimeNS/1e9 &&
		m.Size == other.Size &&
		m.User == other.User &&
		m.Group == other.Group
}

// DataDiffersFromMetadata reports whether the archived data differs from
// another metadata entry: a file type change, a size change, or a
// modification time change at one-second granularity. Permission-only
// differences are not data differences.
func (m *ArchiveMetadata) DataDiffersFromMetadata(other *ArchiveMetadata) bool {
	return m.DataDiffersFromStat(other.Mode, other.MtimeNS, other.Size)
}

// DataDiffersFromStat is DataDiffersFromMetadata against a raw probe result.
func (m *ArchiveMetadata) DataDiffersFromStat(mode uint32, mtimeNS, size int64) bool {
	return m.Mode&TypeMask != mode&TypeMask ||
		m.MtimeNS/1e9 != mtimeNS/1e9 ||
		m.Size != size
}

// MetadataMapsEqual compares two whole archive-metadata maps using
// ArchiveMetadata.Equal per entry.
func MetadataMapsEqual(a, b map[string]*ArchiveMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// IndexMetadata is the coarse per-path record kept in index snapshots:
// just enough to answer "did this path change recently".
type IndexMetadata struct {
	Mtime int64
	Size  int64
}

// IndexSnapshot is a timestamped flat index of a path set. Immutable once
// written; identified by Time.
type IndexSnapshot struct {
	Time     int64
	Paths    []string
	Metadata map[string]IndexMetadata
}

// PackageHandler identifies a package-manager adapter.
type PackageHandler string

const (
	HandlerApt     PackageHandler = "apt"
	HandlerFlatpak PackageHandler = "flatpak"
	HandlerSnap    PackageHandler = "snap"
)

// PackageStrategy controls how a detected package is reconciled on restore.
type PackageStrategy string

const (
	PackageDependency PackageStrategy = "dependency"
	PackageIgnore     PackageStrategy = "ignore"
	PackageRemove     PackageStrategy = "remove"
	PackageTrack      PackageStrategy = "track"
)

// TrackedPackage is a user-classified package.
type TrackedPackage struct {
	Name     string          `toml:"name"`
	Handler  PackageHandler  `toml:"handler"`
	Strategy PackageStrategy `toml:"strategy"`
}

// ScannedPackage records one installed package observed during a scan.
type ScannedPackage struct {
	Name    string
	Handler PackageHandler
}

// ConfigurationHandler identifies a desktop-configuration adapter.
type ConfigurationHandler string

const HandlerGSettings ConfigurationHandler = "gsettings"

// ConfigurationStrategy controls whether a configuration key is reconciled.
type ConfigurationStrategy string

const (
	ConfigurationIgnore ConfigurationStrategy = "ignore"
	ConfigurationTrack  ConfigurationStrategy = "track"
)

// TrackedConfiguration is a user-classified configuration key.
type TrackedConfiguration struct {
	Handler  ConfigurationHandler  `toml:"handler"`
	Key      string                `toml:"key"`
	Strategy ConfigurationStrategy `toml:"strategy"`
}

// ScannedConfiguration records one configuration key/value observed during
// a scan.
type ScannedConfiguration struct {
	Handler ConfigurationHandler
	Key     string
	Value   string
}

// PackageStatus is the check-time view of one package: what is installed,
// what was recorded, and what the user decided.
type PackageStatus struct {
	Handler   PackageHandler
	Name      string
	Ignored   bool
	Installed bool
	Strategy  PackageStrategy // empty when the package is newly detected
}

// ConfigurationStatus is the check-time view of one configuration key.
type ConfigurationStatus struct {
	Handler  ConfigurationHandler
	Key      string
	Current  string
	Previous string
	Strategy ConfigurationStrategy // empty when the key is newly detected
}

// Operation is one audit-log record of a state-mutating CLI invocation.
type Operation struct {
	ID         string // UUID
	Operation  string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	FinishedAt time.Time
}
