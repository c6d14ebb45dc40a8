// Package confmgr reconciles desktop configuration keys against the
// tracked configuration list. The only adapter is gsettings, which always
// runs as the real (pre-sudo) user so the right per-user settings are read
// and written.
package confmgr

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

type handler interface {
	name() model.ConfigurationHandler
	available() bool
	// current returns the live configuration as "schema.key" -> value.
	current() (map[string]string, error)
	restore(key, value string, dryRun bool) error
}

// Service runs configuration scan, check and restore across all available
// adapters.
type Service struct {
	repo     bp.Repository
	logger   bp.Logger
	handlers []handler
}

func NewService(repo bp.Repository, runner bp.Runner, logger bp.Logger, out io.Writer, uid, gid int) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		handlers: []handler{
			&gsettingsHandler{runner: runner, out: out, uid: uid, gid: gid},
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

// Scan records the current configuration values of every available
// adapter.
func (s *Service) Scan() error {
	for _, h := range s.available() {
		current, err := h.current()
		if err != nil {
			return fmt.Errorf("reading %s configuration: %w", h.name(), err)
		}
		configurations := make([]model.ScannedConfiguration, 0, len(current))
		for key, value := range current {
			configurations = append(configurations, model.ScannedConfiguration{
				Handler: h.name(), Key: key, Value: value,
			})
		}
		sort.Slice(configurations, func(i, j int) bool { return configurations[i].Key < configurations[j].Key })
		if err := s.repo.SetScannedConfigurations(h.name(), configurations); err != nil {
			return err
		}
		s.logger.Info("configurations scanned", "handler", string(h.name()), "count", len(configurations))
	}
	return nil
}

// Check reports configuration keys whose live value drifted from the last
// scan, plus keys that disappeared. Without a prior scan there is nothing
// to compare against and the adapter is skipped.
func (s *Service) Check() ([]model.ConfigurationStatus, error) {
	var result []model.ConfigurationStatus
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
		return a.Key < b.Key
	})
	return result, nil
}

func (s *Service) checkHandler(h handler) ([]model.ConfigurationStatus, error) {
	previous, err := s.scannedValues(h.name())
	if err != nil {
		return nil, err
	}
	if len(previous) == 0 {
		return nil, nil
	}
	current, err := h.current()
	if err != nil {
		return nil, fmt.Errorf("reading %s configuration: %w", h.name(), err)
	}
	tracked := s.trackedByKey(h.name())

	var statuses []model.ConfigurationStatus
	for key, value := range current {
		status := model.ConfigurationStatus{Handler: h.name(), Key: key, Current: value}
		status.Previous = previous[key]
		if status.Current == status.Previous {
			continue
		}
		if t, ok := tracked[key]; ok {
			status.Strategy = t.Strategy
		}
		statuses = append(statuses, status)
	}
	for key, value := range previous {
		if _, ok := current[key]; ok {
			continue
		}
		status := model.ConfigurationStatus{Handler: h.name(), Key: key, Previous: value}
		if t, ok := tracked[key]; ok {
			status.Strategy = t.Strategy
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Restore writes back every tracked key whose live value differs from the
// last scanned one.
func (s *Service) Restore(dryRun bool) error {
	for _, h := range s.available() {
		previous, err := s.scannedValues(h.name())
		if err != nil {
			return err
		}
		if len(previous) == 0 {
			continue
		}
		current, err := h.current()
		if err != nil {
			return fmt.Errorf("reading %s configuration: %w", h.name(), err)
		}
		tracked := s.trackedByKey(h.name())

		keys := make([]string, 0, len(previous))
		for key := range previous {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			t, ok := tracked[key]
			if !ok || t.Strategy != model.ConfigurationTrack {
				continue
			}
			if current[key] == previous[key] {
				continue
			}
			if err := h.restore(key, previous[key], dryRun); err != nil {
				s.logger.Warn("configuration restore failed", "key", key, "error", err)
			}
		}
	}
	return nil
}

// Track records the user's classification of a configuration key.
func (s *Service) Track(c model.TrackedConfiguration) error {
	return s.repo.SetTrackedConfiguration(c)
}

func (s *Service) scannedValues(name model.ConfigurationHandler) (map[string]string, error) {
	scanned, err := s.repo.ScannedConfigurations(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(scanned))
	for _, c := range scanned {
		out[c.Key] = c.Value
	}
	return out, nil
}

func (s *Service) trackedByKey(name model.ConfigurationHandler) map[string]model.TrackedConfiguration {
	out := make(map[string]model.TrackedConfiguration)
	for _, c := range s.repo.TrackedConfigurations(name) {
		out[c.Key] = c
	}
	return out
}

type gsettingsHandler struct {
	runner bp.Runner
	out    io.Writer
	uid    int
	gid    int
}

func (h *gsettingsHandler) name() model.ConfigurationHandler {
	return model.HandlerGSettings
}

func (h *gsettingsHandler) available() bool {
	_, err := h.runner.LookPath("gsettings")
	return err == nil
}

func (h *gsettingsHandler) current() (map[string]string, error) {
	out, err := h.runner.OutputAsUser(h.uid, h.gid, "gsettings", "list-recursively")
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) != 3 {
			continue
		}
		result[parts[0]+"."+parts[1]] = parts[2]
	}
	return result, nil
}

func (h *gsettingsHandler) restore(key, value string, dryRun bool) error {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return fmt.Errorf("invalid configuration key: %s", key)
	}
	schema, name := key[:i], key[i+1:]
	fmt.Fprintf(h.out, "# gsettings set %s %s %s\n", schema, name, value)
	if dryRun {
		return nil
	}
	return h.runner.RunAsUser(false, h.uid, h.gid, "gsettings", "set", schema, name, value)
}
