package app

import "os"

// GetDefaults returns the default base directories, checking environment
// variables first. Both default to the current directory, like running the
// tool from a backup drive.
//
// Environment variables:
//   - BPRO_CONF_DIR: directory that holds the conf holder
//   - BPRO_TARGET_DIR: directory that holds the archive file
func GetDefaults() map[string]string {
	confDir := os.Getenv("BPRO_CONF_DIR")
	if confDir == "" {
		confDir = "."
	}
	targetDir := os.Getenv("BPRO_TARGET_DIR")
	if targetDir == "" {
		targetDir = "."
	}
	return map[string]string{
		"conf_dir":   confDir,
		"target_dir": targetDir,
	}
}
