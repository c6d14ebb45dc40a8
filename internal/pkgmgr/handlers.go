package pkgmgr

import (
	"strings"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

type aptHandler struct {
	runner bp.Runner
}

func (h *aptHandler) name() model.PackageHandler {
	return model.HandlerApt
}

func (h *aptHandler) available() bool {
	_, err := h.runner.LookPath("apt")
	return err == nil
}

func (h *aptHandler) ignored(p model.TrackedPackage) bool {
	return p.Strategy == model.PackageIgnore
}

// installed lists manually installed packages; packages pulled in as
// dependencies stay out of the reconciliation.
func (h *aptHandler) installed() (map[string]struct{}, error) {
	out, err := h.runner.Output("apt-mark", "showmanual")
	if err != nil {
		return nil, err
	}
	return parseLines(out, 0), nil
}

func (h *aptHandler) installCommands(names []string, interactive bool) [][]string {
	if interactive {
		return [][]string{append([]string{"apt", "install"}, names...)}
	}
	return [][]string{append([]string{"apt", "install", "-y"}, names...)}
}

func (h *aptHandler) removeCommands(names []string, interactive bool) [][]string {
	if interactive {
		return [][]string{append([]string{"apt", "purge"}, names...)}
	}
	return [][]string{append([]string{"apt", "purge", "-y"}, names...)}
}

func (h *aptHandler) makeDependencyCommands(names []string) [][]string {
	return [][]string{append([]string{"apt-mark", "auto"}, names...)}
}

type flatpakHandler struct {
	runner bp.Runner
}

func (h *flatpakHandler) name() model.PackageHandler {
	return model.HandlerFlatpak
}

func (h *flatpakHandler) available() bool {
	_, err := h.runner.LookPath("flatpak")
	return err == nil
}

// flatpak has no notion of a dependency-installed application, so the
// dependency classification just mutes the package.
func (h *flatpakHandler) ignored(p model.TrackedPackage) bool {
	return p.Strategy == model.PackageDependency || p.Strategy == model.PackageIgnore
}

func (h *flatpakHandler) installed() (map[string]struct{}, error) {
	out, err := h.runner.Output("flatpak", "list", "--app", "--columns", "application")
	if err != nil {
		return nil, err
	}
	return parseLines(out, 1), nil
}

func (h *flatpakHandler) installCommands(names []string, interactive bool) [][]string {
	if interactive {
		return [][]string{append([]string{"flatpak", "install"}, names...)}
	}
	return [][]string{append([]string{"flatpak", "install", "-y", "--noninteractive"}, names...)}
}

func (h *flatpakHandler) removeCommands(names []string, interactive bool) [][]string {
	if interactive {
		return [][]string{append([]string{"flatpak", "uninstall", "--delete-data"}, names...)}
	}
	return [][]string{append([]string{"flatpak", "uninstall", "-y", "--delete-data", "--noninteractive"}, names...)}
}

func (h *flatpakHandler) makeDependencyCommands(names []string) [][]string {
	return nil
}

type snapHandler struct {
	runner bp.Runner
}

func (h *snapHandler) name() model.PackageHandler {
	return model.HandlerSnap
}

func (h *snapHandler) available() bool {
	_, err := h.runner.LookPath("snap")
	return err == nil
}

func (h *snapHandler) ignored(p model.TrackedPackage) bool {
	return p.Strategy == model.PackageDependency || p.Strategy == model.PackageIgnore
}

func (h *snapHandler) installed() (map[string]struct{}, error) {
	out, err := h.runner.Output("snap", "list")
	if err != nil {
		return nil, err
	}
	return parseLines(out, 1), nil
}

func (h *snapHandler) installCommands(names []string, interactive bool) [][]string {
	commands := make([][]string, 0, len(names))
	for _, name := range names {
		commands = append(commands, []string{"snap", "install", "--classic", name})
	}
	return commands
}

func (h *snapHandler) removeCommands(names []string, interactive bool) [][]string {
	commands := make([][]string, 0, len(names))
	for _, name := range names {
		commands = append(commands, []string{"snap", "remove", "--purge", name})
	}
	return commands
}

func (h *snapHandler) makeDependencyCommands(names []string) [][]string {
	return nil
}

// parseLines extracts the first field of every line, skipping the given
// number of header lines and blanks.
func parseLines(out []byte, skip int) map[string]struct{} {
	result := make(map[string]struct{})
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i, line := range lines {
		if i < skip {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		result[fields[0]] = struct{}{}
	}
	return result
}
