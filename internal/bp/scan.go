package bp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"bpro-go/internal/model"
)

// ScanEngine takes index snapshots of the filesystem and computes the
// difference between two snapshots.
type ScanEngine struct {
	repo   Repository
	clock  Clock
	logger Logger
	errw   io.Writer
}

func NewScanEngine(repo Repository, clock Clock, logger Logger, errw io.Writer) *ScanEngine {
	return &ScanEngine{repo: repo, clock: clock, logger: logger, errw: errw}
}

type scanRun struct {
	engine   *ScanEngine
	excludes *ExcludeFilter
	metadata map[string]model.IndexMetadata
}

// Scan walks the given roots, or the whole filesystem when none are given,
// and stores the resulting index snapshot. Unreadable paths are reported
// and skipped.
func (e *ScanEngine) Scan(paths []string) error {
	excludes, err := NewExcludeFilter(e.repo.ScanExcludePaths(), e.repo.ScanExcludePatterns())
	if err != nil {
		return WrapTool(err, "invalid scan exclusion")
	}
	excludes.Exclude(e.repo.ConfDir())
	excludes.Exclude(e.repo.TargetPath())

	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		roots = append(roots, SanitizePath(p))
	}
	if len(roots) == 0 {
		roots = []string{"/"}
	}
	sort.Strings(roots)

	r := &scanRun{engine: e, excludes: excludes, metadata: make(map[string]model.IndexMetadata)}
	for _, root := range roots {
		r.scanPath(root)
	}

	snapshot := &model.IndexSnapshot{
		Time:     e.clock.Now().Unix(),
		Paths:    roots,
		Metadata: r.metadata,
	}
	if err := e.repo.SetIndexSnapshot(snapshot); err != nil {
		return fmt.Errorf("storing index snapshot: %w", err)
	}
	e.logger.Info("index snapshot stored", "time", snapshot.Time, "entries", len(r.metadata))
	return nil
}

func (r *scanRun) scanPath(logical string) {
	if _, ok := r.metadata[logical]; ok {
		return
	}
	system := ExpandPath(logical)
	if r.excludes.Excluded(system) {
		return
	}
	st, err := lstatMetadata(system)
	if err != nil {
		fmt.Fprintf(r.engine.errw, "failed to scan path: %s, %v\n", system, err)
		return
	}
	if st == nil {
		return
	}
	switch {
	case st.IsDir():
		r.metadata[logical] = model.IndexMetadata{Mtime: st.MtimeNS / 1e9, Size: st.Size}
		r.scanDir(logical, system)
	case st.Supported():
		r.metadata[logical] = model.IndexMetadata{Mtime: st.MtimeNS / 1e9, Size: st.Size}
	}
}

func (r *scanRun) scanDir(logical, system string) {
	entries, err := os.ReadDir(system)
	if err != nil {
		fmt.Fprintf(r.engine.errw, "failed to scan path: %s, %v\n", system, err)
		return
	}
	for _, e := range entries {
		r.scanPath(filepath.Join(logical, e.Name()))
	}
}

// Diff returns the sorted list of paths that changed between two index
// snapshots, restricted to the snapshots' common roots and the optional
// caller filter. A path counts as changed when it is new, its recorded
// metadata differs, or its recorded mtime postdates the older snapshot;
// paths present only in the older snapshot count as removed and are
// reported the same way.
func (e *ScanEngine) Diff(fromTime, toTime *int64, paths []string) ([]string, error) {
	from, to, err := e.resolveSnapshots(fromTime, toTime)
	if err != nil {
		return nil, err
	}

	filter := make([]string, 0, len(paths))
	for _, p := range paths {
		filter = append(filter, ExpandPath(p))
	}
	scope := commonScope(expandAll(from.Paths), expandAll(to.Paths))
	if len(filter) > 0 {
		scope = commonScope(scope, filter)
	}

	fromMeta := expandKeys(from.Metadata)
	toMeta := expandKeys(to.Metadata)

	var result []string
	for path, meta := range toMeta {
		if !inScope(path, scope) {
			continue
		}
		old, ok := fromMeta[path]
		if !ok || old != meta || meta.Mtime > from.Time {
			result = append(result, path)
		}
	}
	for path := range fromMeta {
		if _, ok := toMeta[path]; !ok && inScope(path, scope) {
			result = append(result, path)
		}
	}
	sort.Strings(result)
	return result, nil
}

// resolveSnapshots picks the snapshots to compare: the requested times, or
// the two most recent snapshots. A requested origin time with no stored
// snapshot compares against an empty snapshot, so everything recorded
// since that time shows up.
func (e *ScanEngine) resolveSnapshots(fromTime, toTime *int64) (from, to *model.IndexSnapshot, err error) {
	times, err := e.repo.IndexSnapshotTimes()
	if err != nil {
		return nil, nil, fmt.Errorf("loading index snapshots: %w", err)
	}
	if len(times) == 0 {
		return nil, nil, Errorf("scan must be run before calculating a diff")
	}

	toT := times[len(times)-1]
	if toTime != nil {
		toT = *toTime
	}
	to, err = e.repo.IndexSnapshot(toT)
	if err != nil {
		return nil, nil, fmt.Errorf("loading index snapshot: %w", err)
	}
	if to == nil {
		return nil, nil, Errorf("there is no index snapshot with time %d", toT)
	}

	if fromTime != nil {
		from, err = e.repo.IndexSnapshot(*fromTime)
		if err != nil {
			return nil, nil, fmt.Errorf("loading index snapshot: %w", err)
		}
		if from == nil {
			from = &model.IndexSnapshot{Time: *fromTime, Paths: []string{"/"}}
		}
		return from, to, nil
	}
	if len(times) < 2 {
		return nil, nil, Errorf("at least two index snapshots are required for a diff")
	}
	from, err = e.repo.IndexSnapshot(times[len(times)-2])
	if err != nil {
		return nil, nil, fmt.Errorf("loading index snapshot: %w", err)
	}
	if from == nil {
		return nil, nil, Errorf("there is no index snapshot with time %d", times[len(times)-2])
	}
	return from, to, nil
}

func expandAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, ExpandPath(p))
	}
	return out
}

func expandKeys(m map[string]model.IndexMetadata) map[string]model.IndexMetadata {
	out := make(map[string]model.IndexMetadata, len(m))
	for k, v := range m {
		out[ExpandPath(k)] = v
	}
	return out
}

// commonScope intersects two root lists: for every pair where one root
// contains the other, the deeper root is kept.
func commonScope(a, b []string) []string {
	seen := make(map[string]struct{})
	var scope []string
	for _, p1 := range a {
		for _, p2 := range b {
			var deeper string
			switch {
			case isWithin(p1, p2):
				deeper = p1
			case isWithin(p2, p1):
				deeper = p2
			default:
				continue
			}
			if _, ok := seen[deeper]; !ok {
				seen[deeper] = struct{}{}
				scope = append(scope, deeper)
			}
		}
	}
	sort.Strings(scope)
	return scope
}

func inScope(path string, scope []string) bool {
	for _, root := range scope {
		if isWithin(path, root) {
			return true
		}
	}
	return false
}
