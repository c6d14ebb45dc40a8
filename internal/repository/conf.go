package repository

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"bpro-go/internal/model"
)

// confFile is the TOML schema of the configuration file.
type confFile struct {
	TrackedPaths          []model.TrackedPath          `toml:"tracked_paths"`
	Archive               exclusions                   `toml:"archive"`
	Scan                  exclusions                   `toml:"scan"`
	TrackedPackages       []model.TrackedPackage       `toml:"tracked_packages"`
	TrackedConfigurations []model.TrackedConfiguration `toml:"tracked_configurations"`
	Settings              map[string]string            `toml:"settings"`
}

type exclusions struct {
	ExcludePaths    []string `toml:"exclude_paths"`
	ExcludePatterns []string `toml:"exclude_patterns"`
}

func readConf(path string) (*confFile, error) {
	conf := &confFile{Settings: make(map[string]string)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if conf.Settings == nil {
		conf.Settings = make(map[string]string)
	}
	return conf, nil
}

// writeConf persists the configuration. Called after every mutation.
func (r *Repository) writeConf() error {
	f, err := os.Create(r.ConfPath())
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(r.conf); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (r *Repository) TrackedPaths() map[string]model.TrackedPath {
	out := make(map[string]model.TrackedPath, len(r.conf.TrackedPaths))
	for _, p := range r.conf.TrackedPaths {
		out[p.Path] = p
	}
	return out
}

func (r *Repository) SetTrackedPath(p model.TrackedPath) error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("invalid backup strategy: %s", p.Strategy)
	}
	replaced := false
	for i, existing := range r.conf.TrackedPaths {
		if existing.Path == p.Path {
			r.conf.TrackedPaths[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		r.conf.TrackedPaths = append(r.conf.TrackedPaths, p)
		sort.Slice(r.conf.TrackedPaths, func(i, j int) bool {
			return r.conf.TrackedPaths[i].Path < r.conf.TrackedPaths[j].Path
		})
	}
	return r.writeConf()
}

func (r *Repository) RemoveTrackedPath(path string) error {
	for i, existing := range r.conf.TrackedPaths {
		if existing.Path == path {
			r.conf.TrackedPaths = append(r.conf.TrackedPaths[:i], r.conf.TrackedPaths[i+1:]...)
			return r.writeConf()
		}
	}
	return fmt.Errorf("path is not tracked: %s", path)
}

func (r *Repository) ArchiveExcludePaths() []string {
	return append([]string(nil), r.conf.Archive.ExcludePaths...)
}

func (r *Repository) AddArchiveExcludePath(path string) error {
	var err error
	r.conf.Archive.ExcludePaths, err = r.addToList(r.conf.Archive.ExcludePaths, path)
	return err
}

func (r *Repository) RemoveArchiveExcludePath(path string) error {
	var err error
	r.conf.Archive.ExcludePaths, err = r.removeFromList(r.conf.Archive.ExcludePaths, path)
	return err
}

func (r *Repository) ArchiveExcludePatterns() []string {
	return append([]string(nil), r.conf.Archive.ExcludePatterns...)
}

func (r *Repository) AddArchiveExcludePattern(pattern string) error {
	var err error
	r.conf.Archive.ExcludePatterns, err = r.addToList(r.conf.Archive.ExcludePatterns, pattern)
	return err
}

func (r *Repository) RemoveArchiveExcludePattern(pattern string) error {
	var err error
	r.conf.Archive.ExcludePatterns, err = r.removeFromList(r.conf.Archive.ExcludePatterns, pattern)
	return err
}

func (r *Repository) ScanExcludePaths() []string {
	return append([]string(nil), r.conf.Scan.ExcludePaths...)
}

func (r *Repository) AddScanExcludePath(path string) error {
	var err error
	r.conf.Scan.ExcludePaths, err = r.addToList(r.conf.Scan.ExcludePaths, path)
	return err
}

func (r *Repository) RemoveScanExcludePath(path string) error {
	var err error
	r.conf.Scan.ExcludePaths, err = r.removeFromList(r.conf.Scan.ExcludePaths, path)
	return err
}

func (r *Repository) ScanExcludePatterns() []string {
	return append([]string(nil), r.conf.Scan.ExcludePatterns...)
}

func (r *Repository) AddScanExcludePattern(pattern string) error {
	var err error
	r.conf.Scan.ExcludePatterns, err = r.addToList(r.conf.Scan.ExcludePatterns, pattern)
	return err
}

func (r *Repository) RemoveScanExcludePattern(pattern string) error {
	var err error
	r.conf.Scan.ExcludePatterns, err = r.removeFromList(r.conf.Scan.ExcludePatterns, pattern)
	return err
}

func (r *Repository) addToList(list []string, value string) ([]string, error) {
	for _, v := range list {
		if v == value {
			return list, nil
		}
	}
	list = append(list, value)
	sort.Strings(list)
	return list, r.writeConf()
}

func (r *Repository) removeFromList(list []string, value string) ([]string, error) {
	for i, v := range list {
		if v == value {
			list = append(list[:i], list[i+1:]...)
			return list, r.writeConf()
		}
	}
	return list, fmt.Errorf("not configured: %s", value)
}

func (r *Repository) Settings() map[string]string {
	out := make(map[string]string, len(r.conf.Settings))
	for k, v := range r.conf.Settings {
		out[k] = v
	}
	return out
}

func (r *Repository) SetSetting(key, value string) error {
	r.conf.Settings[key] = value
	return r.writeConf()
}

func (r *Repository) TrackedPackages(handler model.PackageHandler) []model.TrackedPackage {
	var out []model.TrackedPackage
	for _, p := range r.conf.TrackedPackages {
		if p.Handler == handler {
			out = append(out, p)
		}
	}
	return out
}

func (r *Repository) SetTrackedPackage(p model.TrackedPackage) error {
	for i, existing := range r.conf.TrackedPackages {
		if existing.Handler == p.Handler && existing.Name == p.Name {
			r.conf.TrackedPackages[i] = p
			return r.writeConf()
		}
	}
	r.conf.TrackedPackages = append(r.conf.TrackedPackages, p)
	sort.Slice(r.conf.TrackedPackages, func(i, j int) bool {
		a, b := r.conf.TrackedPackages[i], r.conf.TrackedPackages[j]
		if a.Handler != b.Handler {
			return a.Handler < b.Handler
		}
		return a.Name < b.Name
	})
	return r.writeConf()
}

func (r *Repository) TrackedConfigurations(handler model.ConfigurationHandler) []model.TrackedConfiguration {
	var out []model.TrackedConfiguration
	for _, c := range r.conf.TrackedConfigurations {
		if c.Handler == handler {
			out = append(out, c)
		}
	}
	return out
}

func (r *Repository) SetTrackedConfiguration(c model.TrackedConfiguration) error {
	for i, existing := range r.conf.TrackedConfigurations {
		if existing.Handler == c.Handler && existing.Key == c.Key {
			r.conf.TrackedConfigurations[i] = c
			return r.writeConf()
		}
	}
	r.conf.TrackedConfigurations = append(r.conf.TrackedConfigurations, c)
	sort.Slice(r.conf.TrackedConfigurations, func(i, j int) bool {
		a, b := r.conf.TrackedConfigurations[i], r.conf.TrackedConfigurations[j]
		if a.Handler != b.Handler {
			return a.Handler < b.Handler
		}
		return a.Key < b.Key
	})
	return r.writeConf()
}
