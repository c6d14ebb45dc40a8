// Package pkgmgr reconciles installed packages against the tracked package
// list through the system package managers: apt, flatpak and snap.
package pkgmgr

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

// handler adapts one package manager.
type handler interface {
	name() model.PackageHandler
	available() bool
	installed() (map[string]struct{}, error)
	// ignored reports whether the tracked package takes no part in
	// restore for this manager.
	ignored(p model.TrackedPackage) bool
	installCommands(names []string, interactive bool) [][]string
	removeCommands(names []string, interactive bool) [][]string
	makeDependencyCommands(names []string) [][]string
}

// Service runs package scan, check and restore across all available
// package managers.
type Service struct {
	repo        bp.Repository
	runner      bp.Runner
	logger      bp.Logger
	out         io.Writer
	interactive func() bool
	handlers    []handler
}

func NewService(repo bp.Repository, runner bp.Runner, logger bp.Logger, out io.Writer, interactive func() bool) *Service {
	return &Service{
		repo:        repo,
		runner:      runner,
		logger:      logger,
		out:         out,
		interactive: interactive,
		handlers: []handler{
			&aptHandler{runner: runner},
			&flatpakHandler{runner: runner},
			&snapHandler{runner: runner},
		},
	}
}

func (s *Service) available() []handler {
	var out []handler
	for _, h := range s.handlers {
		if h.available() {
			out = append(out, h)
		}
	}
	return out
}

// Scan records the currently installed packages of every available
// manager.
func (s *Service) Scan() error {
	for _, h := range s.available() {
		installed, err := h.installed()
		if err != nil {
			return fmt.Errorf("listing %s packages: %w", h.name(), err)
		}
		packages := make([]model.ScannedPackage, 0, len(installed))
		for name := range installed {
			packages = append(packages, model.ScannedPackage{Name: name, Handler: h.name()})
		}
		sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
		if err := s.repo.SetScannedPackages(h.name(), packages); err != nil {
			return err
		}
		s.logger.Info("packages scanned", "handler", string(h.name()), "count", len(packages))
	}
	return nil
}

// Check compares installed packages with the last scan and the tracked
// classification, returning one status per package seen in either.
func (s *Service) Check() ([]model.PackageStatus, error) {
	var result []model.PackageStatus
	for _, h := range s.available() {
		statuses, err := s.checkHandler(h)
		if err != nil {
			return nil, err
		}
		result = append(result, statuses...)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Handler != b.Handler {
			return a.Handler < b.Handler
		}
		return a.Name < b.Name
	})
	return result, nil
}

func (s *Service) checkHandler(h handler) ([]model.PackageStatus, error) {
	installed, err := h.installed()
	if err != nil {
		return nil, fmt.Errorf("listing %s packages: %w", h.name(), err)
	}
	previous, err := s.repo.ScannedPackages(h.name())
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]model.TrackedPackage)
	for _, p := range s.repo.TrackedPackages(h.name()) {
		tracked[p.Name] = p
	}

	seen := make(map[string]struct{}, len(installed))
	var statuses []model.PackageStatus
	add := func(name string, isInstalled bool) {
		status := model.PackageStatus{Handler: h.name(), Name: name, Installed: isInstalled}
		if p, ok := tracked[name]; ok {
			status.Ignored = h.ignored(p)
			status.Strategy = p.Strategy
		}
		statuses = append(statuses, status)
		seen[name] = struct{}{}
	}
	for name := range installed {
		add(name, true)
	}
	for _, p := range previous {
		if _, ok := seen[p.Name]; !ok {
			add(p.Name, false)
		}
	}
	return statuses, nil
}

// Restore drives every available manager towards the tracked
// classification: tracked packages get installed, remove-classified ones
// removed, dependency-classified ones handed over to the dependency
// solver. Each command is announced before it runs.
func (s *Service) Restore(dryRun bool) error {
	for _, h := range s.available() {
		if err := s.restoreHandler(h, dryRun); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) restoreHandler(h handler, dryRun bool) error {
	installed, err := h.installed()
	if err != nil {
		return fmt.Errorf("listing %s packages: %w", h.name(), err)
	}

	var install, remove, makeDependency []string
	for _, p := range s.repo.TrackedPackages(h.name()) {
		if h.ignored(p) {
			continue
		}
		_, isInstalled := installed[p.Name]
		switch {
		case p.Strategy == model.PackageDependency && isInstalled:
			makeDependency = append(makeDependency, p.Name)
		case p.Strategy == model.PackageRemove && isInstalled:
			remove = append(remove, p.Name)
		case p.Strategy == model.PackageTrack && !isInstalled:
			install = append(install, p.Name)
		}
	}
	sort.Strings(install)
	sort.Strings(remove)
	sort.Strings(makeDependency)

	interactive := s.interactive()
	var commands [][]string
	if len(makeDependency) > 0 {
		commands = append(commands, h.makeDependencyCommands(makeDependency)...)
	}
	if len(remove) > 0 {
		commands = append(commands, h.removeCommands(remove, interactive)...)
	}
	if len(install) > 0 {
		commands = append(commands, h.installCommands(install, interactive)...)
	}
	for _, command := range commands {
		fmt.Fprintf(s.out, "# %s\n", strings.Join(command, " "))
		if dryRun {
			continue
		}
		if err := s.runner.Run(interactive, command[0], command[1:]...); err != nil {
			s.logger.Warn("package command failed", "command", strings.Join(command, " "), "error", err)
		}
	}
	return nil
}

// Track records the user's classification of a package.
func (s *Service) Track(p model.TrackedPackage) error {
	return s.repo.SetTrackedPackage(p)
}
