// Package bp holds the core of the backup tool: the domain interfaces
// (repository, archive container, command runner) and the three filesystem
// engines for backup, restore and snapshot diff. Implementations live in
// sibling packages and are injected through constructors so the engines are
// independently testable.
package bp

const (
	// ConfHolder is the directory that holds the tool's own configuration
	// and state. It lives under the configured conf base directory and is
	// embedded in every archive under the same name.
	ConfHolder = ".bpro"
	// ConfFile is the configuration file inside the conf holder.
	ConfFile = "conf.toml"
	// StateFile is the state database inside the conf holder.
	StateFile = "state.db"
	// TargetFile is the archive file name inside the target directory.
	TargetFile = "bpro-data.zip.age"

	// PassphraseSetting is the settings key for the archive passphrase.
	PassphraseSetting = "passphrase"
	// DefaultPassphrase is used when no passphrase has been configured.
	// A shared literal provides no real confidentiality; engines warn
	// whenever it is in effect.
	DefaultPassphrase = "bpro"

	// DiffCheckerEnv names the external diff-review executable used by the
	// manual restore workflow.
	DiffCheckerEnv = "DIFF_CHECKER"

	// tmpSuffix is appended to temporary sibling files during restore.
	tmpSuffix = ".bpro.tmp"
)
