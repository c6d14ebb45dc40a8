package bp

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bpro-go/internal/identity"
	"bpro-go/internal/model"
)

// RestoreEngine converges the live filesystem towards the archive.
type RestoreEngine struct {
	repo     Repository
	archives ArchiveFactory
	names    *identity.Resolver
	runner   Runner
	logger   Logger
	out      io.Writer
	errw     io.Writer
}

func NewRestoreEngine(repo Repository, archives ArchiveFactory, names *identity.Resolver, runner Runner, logger Logger, out, errw io.Writer) *RestoreEngine {
	return &RestoreEngine{repo: repo, archives: archives, names: names, runner: runner, logger: logger, out: out, errw: errw}
}

// restoreNode is one system path under consideration, together with what
// the archive knows about it. Probe state is tracked per node and reset
// after every mutation so decisions are made against fresh data.
type restoreNode struct {
	system   string
	strategy model.BackupStrategy
	entry    *ArchiveEntryInfo
	meta     *model.ArchiveMetadata
	scanned  bool
	st       *Metadata
}

func (n *restoreNode) clone() *restoreNode {
	return &restoreNode{system: n.system, strategy: n.strategy, entry: n.entry, meta: n.meta}
}

// conflicting reports whether the live path and the archived path are of
// different types, rendering an in-place restore impossible.
func (n *restoreNode) conflicting() bool {
	return n.entry != nil && n.st != nil && n.meta != nil &&
		n.meta.Mode&model.TypeMask != n.st.Mode&model.TypeMask
}

// changed reports whether the archived file data may differ from the live
// one. Directories and unknown states count as changed.
func (n *restoreNode) changed() bool {
	return n.meta == nil || n.st == nil || n.meta.IsDir() ||
		n.meta.DataDiffersFromStat(n.st.Mode, n.st.MtimeNS, n.st.Size)
}

type inodeKey struct {
	dev uint64
	ino uint64
}

// restoreRun carries the state of one restore pass.
type restoreRun struct {
	engine      *RestoreEngine
	reader      ArchiveReader
	dryRun      bool
	interactive bool

	excludes *ExcludeFilter
	// metadata is the persisted archive metadata keyed by expanded
	// system path.
	metadata map[string]*model.ArchiveMetadata
	tracked  map[string]*restoreNode

	visited    map[string]struct{}
	inodes     map[inodeKey]struct{}
	systemDirs map[string]struct{}

	tmpRoot     string
	diffChecker string
}

// Restore runs one restore pass. When the local configuration store is
// missing it is bootstrapped from the archive first. With dryRun every
// action is announced but nothing is written; with interactive every
// changed path goes through the manual staging workflow.
func (e *RestoreEngine) Restore(dryRun, interactive bool) error {
	reader, err := e.openArchive()
	if err != nil {
		return err
	}
	defer reader.Close()

	r := &restoreRun{engine: e, reader: reader, dryRun: dryRun, interactive: interactive}
	if err := r.restoreConf(false); err != nil {
		return err
	}
	if err := r.prepare(); err != nil {
		return err
	}
	defer r.cleanup()
	for _, n := range r.trackedRoots() {
		r.restorePath(n.clone())
	}
	return nil
}

// RestoreConf restores only the tool's own configuration store from the
// archive. With force an existing store is overwritten.
func (e *RestoreEngine) RestoreConf(force bool) error {
	reader, err := e.openArchive()
	if err != nil {
		return err
	}
	defer reader.Close()
	r := &restoreRun{engine: e, reader: reader}
	return r.restoreConf(force)
}

// EnsureConf bootstraps the configuration store from the archive when none
// exists locally. A present store is left untouched.
func (e *RestoreEngine) EnsureConf(dryRun bool) error {
	reader, err := e.openArchive()
	if err != nil {
		return err
	}
	defer reader.Close()
	r := &restoreRun{engine: e, reader: reader, dryRun: dryRun}
	return r.restoreConf(false)
}

func (e *RestoreEngine) openArchive() (ArchiveReader, error) {
	target := e.repo.TargetPath()
	reader, err := e.archives.Open(target, passphraseFor(e.repo, e.logger))
	if err != nil {
		return nil, WrapTool(err, "opening archive %s", target)
	}
	return reader, nil
}

// prepare builds the run state from the repository. Called after the
// configuration bootstrap so a freshly restored store is picked up.
func (r *restoreRun) prepare() error {
	e := r.engine
	excludes, err := NewExcludeFilter(e.repo.ArchiveExcludePaths(), e.repo.ArchiveExcludePatterns())
	if err != nil {
		return WrapTool(err, "invalid archive exclusion")
	}
	excludes.Exclude(e.repo.ConfDir())
	excludes.Exclude(e.repo.TargetPath())
	r.excludes = excludes

	stored, err := e.repo.ArchiveMetadata()
	if err != nil {
		return fmt.Errorf("loading archive metadata: %w", err)
	}
	r.metadata = make(map[string]*model.ArchiveMetadata, len(stored))
	for logical, meta := range stored {
		r.metadata[ExpandPath(logical)] = meta
	}

	r.tracked = make(map[string]*restoreNode)
	for _, p := range e.repo.TrackedPaths() {
		n := &restoreNode{system: ExpandPath(p.Path), strategy: p.Strategy}
		r.scanArchiveInfo(n)
		r.tracked[n.system] = n
	}

	r.visited = make(map[string]struct{})
	r.inodes = make(map[inodeKey]struct{})
	r.systemDirs = make(map[string]struct{})

	if tool := os.Getenv(DiffCheckerEnv); tool != "" {
		path, err := e.runner.LookPath(tool)
		if err != nil {
			return Errorf("diff checker not found: %s", tool)
		}
		r.diffChecker = path
	}
	r.tmpRoot, err = os.MkdirTemp("", "bpro-data.")
	if err != nil {
		return WrapTool(err, "creating staging directory")
	}
	return nil
}

// cleanup removes the staging directory. Without a diff checker staged
// copies stay on disk so the announced paths remain inspectable.
func (r *restoreRun) cleanup() {
	if r.diffChecker != "" {
		os.RemoveAll(r.tmpRoot)
	}
}

func (r *restoreRun) trackedRoots() []*restoreNode {
	paths := make([]string, 0, len(r.tracked))
	for p := range r.tracked {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	roots := make([]*restoreNode, len(paths))
	for i, p := range paths {
		roots[i] = r.tracked[p]
	}
	return roots
}

// scanArchiveInfo attaches the persisted metadata and the archive entry to
// n. The entry's mode and size win over the persisted ones.
func (r *restoreRun) scanArchiveInfo(n *restoreNode) {
	n.meta = r.metadata[n.system]
	if n.meta == nil {
		return
	}
	if info, ok := r.reader.Info(n.meta.Path); ok {
		n.entry = info
		n.meta.Mode = info.Mode
		if !info.IsDir() {
			n.meta.Size = info.Size
		}
	}
}

// refresh swaps n for its configured node when its system path is a
// tracked root, keeping the configured strategy in effect.
func (r *restoreRun) refresh(n *restoreNode) *restoreNode {
	if t, ok := r.tracked[n.system]; ok {
		return t.clone()
	}
	r.scanArchiveInfo(n)
	return n
}

func (r *restoreRun) restorePath(n *restoreNode) {
	if _, ok := r.visited[n.system]; ok {
		return
	}
	r.visited[n.system] = struct{}{}
	if n.strategy == model.StrategyBackupOnly || r.excludes.Excluded(n.system) {
		return
	}
	if err := r.restoreOne(n); err != nil {
		fmt.Fprintf(r.engine.errw, "failed to restore %s: %v\n", n.system, err)
	}
}

func (r *restoreRun) restoreOne(n *restoreNode) error {
	if err := r.scanSystem(n); err != nil {
		return err
	}
	if n.entry == nil || r.loopDetected(n) {
		return nil
	}
	if n.conflicting() {
		if err := r.removeLive(n); err != nil {
			return err
		}
	}
	if r.interactive || n.strategy == model.StrategyManual {
		r.restoreManually(n)
		return nil
	}
	if n.entry.IsDir() {
		r.restoreDir(n)
	} else if err := r.restoreFile(n); err != nil {
		return err
	}
	return r.applyStat(n)
}

func (r *restoreRun) scanSystem(n *restoreNode) error {
	if n.scanned {
		return nil
	}
	n.scanned = true
	n.st = nil
	st, err := lstatMetadata(n.system)
	if err != nil {
		return err
	}
	if st != nil && !st.Supported() {
		return fmt.Errorf("file type is not supported: %s", n.system)
	}
	n.st = st
	return nil
}

// loopDetected records the inode of n and reports whether it was already
// seen, which means a symlink or bind mount cycles the walk.
func (r *restoreRun) loopDetected(n *restoreNode) bool {
	if n.st == nil {
		return false
	}
	key := inodeKey{dev: n.st.Dev, ino: n.st.Ino}
	if _, ok := r.inodes[key]; ok {
		return true
	}
	r.inodes[key] = struct{}{}
	return false
}

func (r *restoreRun) removeLive(n *restoreNode) error {
	fmt.Fprintf(r.engine.out, "[D] %s\n", n.system)
	if !r.dryRun {
		if err := removePath(n.system, n.st); err != nil {
			return err
		}
		delete(r.systemDirs, n.system)
	}
	n.st = nil
	return nil
}

func (r *restoreRun) restoreDir(n *restoreNode) {
	if err := r.restoreDirInner(n); err != nil {
		fmt.Fprintf(r.engine.errw, "failed to restore %s: %v\n", n.system, err)
	}
}

func (r *restoreRun) restoreDirInner(n *restoreNode) error {
	if err := r.scanSystem(n); err != nil {
		return err
	}
	prune := n.st != nil
	if n.st == nil {
		if err := r.makeDirs(n); err != nil {
			return err
		}
	}
	archChildren := r.childrenOnArchive(n)
	if prune {
		inArchive := make(map[string]struct{}, len(archChildren))
		for _, c := range archChildren {
			inArchive[c.system] = struct{}{}
		}
		sysChildren, err := r.childrenOnSystem(n)
		if err != nil {
			return err
		}
		for _, c := range sysChildren {
			if _, ok := inArchive[c.system]; !ok {
				r.prunePath(c)
			}
		}
	}
	for _, c := range archChildren {
		r.restorePath(c)
	}
	return nil
}

func (r *restoreRun) childrenOnArchive(n *restoreNode) []*restoreNode {
	if n.entry == nil {
		return nil
	}
	names := r.reader.Children(n.entry.Path)
	nodes := make([]*restoreNode, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, r.refresh(&restoreNode{
			system:   filepath.Join(n.system, name),
			strategy: n.strategy,
		}))
	}
	return nodes
}

func (r *restoreRun) childrenOnSystem(n *restoreNode) ([]*restoreNode, error) {
	entries, err := os.ReadDir(n.system)
	if err != nil {
		return nil, err
	}
	nodes := make([]*restoreNode, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, r.refresh(&restoreNode{
			system:   filepath.Join(n.system, e.Name()),
			strategy: n.strategy,
		}))
	}
	return nodes, nil
}

// prunePath removes a live path that is absent from the archive. Tracked
// roots and excluded paths are kept; a directory is removed only when all
// of its children could be pruned. Reports whether the path is gone.
func (r *restoreRun) prunePath(n *restoreNode) bool {
	if _, ok := r.tracked[n.system]; ok {
		return false
	}
	if r.excludes.Excluded(n.system) {
		return false
	}
	pruned, err := r.prune(n)
	if err != nil {
		fmt.Fprintf(r.engine.errw, "failed to prune %s: %v\n", n.system, err)
		return false
	}
	return pruned
}

func (r *restoreRun) prune(n *restoreNode) (bool, error) {
	if err := r.scanSystem(n); err != nil {
		return false, err
	}
	if n.entry != nil {
		return false, nil
	}
	if n.st == nil {
		return true, nil
	}
	if n.st.IsDir() {
		children, err := r.childrenOnSystem(n)
		if err != nil {
			return false, err
		}
		all := true
		for _, c := range children {
			if !r.prunePath(c) {
				all = false
			}
		}
		if !all {
			return false, nil
		}
	}
	if err := r.removeLive(n); err != nil {
		return false, err
	}
	return true, nil
}

func (r *restoreRun) restoreFile(n *restoreNode) error {
	if err := r.scanSystem(n); err != nil {
		return err
	}
	if n.st == nil {
		if p := r.parentNodeOf(n); p != nil {
			if err := r.makeDirs(p); err != nil {
				return err
			}
		}
	} else if !n.changed() {
		return nil
	}
	fmt.Fprintf(r.engine.out, "[C] %s\n", n.system)
	if r.dryRun {
		return nil
	}
	if n.meta.IsSymlink() {
		target, err := r.reader.ReadAll(n.entry.Path)
		if err != nil {
			return err
		}
		if n.st != nil {
			if err := r.removeLive(n); err != nil {
				return err
			}
		}
		if err := os.Symlink(string(target), n.system); err != nil {
			return err
		}
	} else {
		// Extract next to the destination so the swap stays on one
		// filesystem and the original survives a failed extraction.
		tmp := n.system + tmpSuffix
		if err := r.extractTo(n.entry, tmp); err != nil {
			os.Remove(tmp)
			return err
		}
		if n.st != nil {
			if err := removePath(n.system, n.st); err != nil {
				os.Remove(tmp)
				return err
			}
		}
		if err := os.Rename(tmp, n.system); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	n.scanned = false
	n.st = nil
	return nil
}

func (r *restoreRun) extractTo(info *ArchiveEntryInfo, dest string) error {
	src, err := r.reader.Open(info.Path)
	if err != nil {
		return err
	}
	defer src.Close()
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// makeDirs creates the directory for n and every missing ancestor, parents
// first, applying archived metadata where the archive knows the directory.
func (r *restoreRun) makeDirs(n *restoreNode) error {
	if _, ok := r.systemDirs[n.system]; ok {
		return nil
	}
	if err := r.scanSystem(n); err != nil {
		return err
	}
	if n.st == nil {
		if p := r.parentNodeOf(n); p != nil {
			if err := r.makeDirs(p); err != nil {
				return err
			}
		}
		if err := r.mkdir(n); err != nil {
			return err
		}
	}
	r.systemDirs[n.system] = struct{}{}
	return nil
}

func (r *restoreRun) parentNodeOf(n *restoreNode) *restoreNode {
	d := filepath.Dir(n.system)
	if d == filepath.Dir(d) {
		return nil
	}
	return r.refresh(&restoreNode{system: d, strategy: model.StrategyBackupOnly})
}

func (r *restoreRun) mkdir(n *restoreNode) error {
	fmt.Fprintf(r.engine.out, "[C] %s\n", n.system)
	if r.dryRun {
		return nil
	}
	mode := fs.FileMode(0o755)
	if n.meta != nil {
		mode = fileModeFromUnix(n.meta.Mode &^ model.TypeMask)
	}
	if err := os.Mkdir(n.system, mode); err != nil {
		return err
	}
	if n.meta != nil {
		if err := r.chstat(n.system, n.meta, nil); err != nil {
			return err
		}
	}
	n.scanned = false
	n.st = nil
	return nil
}

func (r *restoreRun) chstat(path string, meta *model.ArchiveMetadata, st *Metadata) error {
	names := r.engine.names
	return applyMetadata(path, meta, names.UID(meta.User), names.GID(meta.Group), st)
}

// applyStat brings the live path's metadata in line with the archive.
// Runs after content restore, and on its own when the content was already
// current.
func (r *restoreRun) applyStat(n *restoreNode) error {
	if n.meta == nil || r.dryRun {
		return nil
	}
	if err := r.scanSystem(n); err != nil {
		return err
	}
	if n.st == nil {
		return nil
	}
	err := r.chstat(n.system, n.meta, n.st)
	n.scanned = false
	n.st = nil
	return err
}

// restoreManually stages the archived subtree next to the live one instead
// of touching it, announces both paths, and hands them to the configured
// diff checker when there is one. Metadata is still applied afterwards so
// reviewed-and-merged content ends up with archived ownership and times.
func (r *restoreRun) restoreManually(n *restoreNode) {
	if err := r.restoreManuallyInner(n); err != nil {
		fmt.Fprintf(r.engine.errw, "failed to stage %s: %v\n", n.system, err)
	}
}

func (r *restoreRun) restoreManuallyInner(n *restoreNode) error {
	changed, err := r.subtreeChanged(n)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	staged := r.stagedPath(n.entry)
	fmt.Fprintf(r.engine.out, "[M] %s %s\n", staged, n.system)
	if r.dryRun {
		return nil
	}
	if err := r.stage(n); err != nil {
		return err
	}
	if r.diffChecker != "" {
		if err := r.engine.runner.Run(true, r.diffChecker, staged, n.system); err != nil {
			r.engine.logger.Warn("diff checker exited with error", "tool", r.diffChecker, "error", err)
		}
		r.restoreMetadataTree(n)
	}
	return nil
}

func (r *restoreRun) stagedPath(info *ArchiveEntryInfo) string {
	return filepath.Join(r.tmpRoot, filepath.FromSlash(strings.TrimSuffix(info.Path, "/")))
}

func (r *restoreRun) subtreeChanged(n *restoreNode) (bool, error) {
	if err := r.scanSystem(n); err != nil {
		return false, err
	}
	if n.entry.IsDir() {
		for _, c := range r.childrenOnArchive(n) {
			if c.entry == nil {
				continue
			}
			changed, err := r.subtreeChanged(c)
			if err != nil {
				return false, err
			}
			if changed {
				return true, nil
			}
		}
		return false, nil
	}
	return n.changed(), nil
}

func (r *restoreRun) stage(n *restoreNode) error {
	dest := r.stagedPath(n.entry)
	switch {
	case n.entry.IsDir():
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		for _, c := range r.childrenOnArchive(n) {
			if c.entry == nil {
				continue
			}
			if err := r.stage(c); err != nil {
				fmt.Fprintf(r.engine.errw, "failed to stage %s: %v\n", c.system, err)
			}
		}
	case n.meta != nil && n.meta.IsSymlink():
		target, err := r.reader.ReadAll(n.entry.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		os.Remove(dest)
		if err := os.Symlink(string(target), dest); err != nil {
			return err
		}
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := r.extractTo(n.entry, dest); err != nil {
			return err
		}
	}
	if n.meta != nil {
		if err := r.chstat(dest, n.meta, nil); err != nil {
			r.engine.logger.Debug("staged metadata not applied", "path", dest, "error", err)
		}
	}
	return nil
}

func (r *restoreRun) restoreMetadataTree(n *restoreNode) {
	if err := r.restoreMetadataTreeInner(n); err != nil {
		fmt.Fprintf(r.engine.errw, "failed to restore metadata of %s: %v\n", n.system, err)
	}
}

func (r *restoreRun) restoreMetadataTreeInner(n *restoreNode) error {
	n.scanned = false
	if err := r.scanSystem(n); err != nil {
		return err
	}
	if n.meta == nil || n.st == nil || n.meta.Mode&model.TypeMask != n.st.Mode&model.TypeMask {
		return nil
	}
	if err := r.chstat(n.system, n.meta, n.st); err != nil {
		return err
	}
	if n.entry.IsDir() {
		for _, c := range r.childrenOnArchive(n) {
			if c.entry == nil {
				continue
			}
			r.restoreMetadataTree(c)
		}
	}
	return nil
}

// restoreConf extracts the tool's configuration store from the archive.
// Without force an existing configuration file is left alone. Under a dry
// run the store is extracted into a temporary directory and loaded from
// there so the rest of the pass can report accurately.
func (r *restoreRun) restoreConf(force bool) error {
	e := r.engine
	if !force {
		if _, err := os.Stat(e.repo.ConfPath()); err == nil {
			return nil
		}
	}
	var members []*ArchiveEntryInfo
	hasConf := false
	for _, info := range r.reader.Infos() {
		if info.Path == ConfHolder+"/" || strings.HasPrefix(info.Path, ConfHolder+"/") {
			members = append(members, info)
			if info.Path == ConfHolder+"/"+ConfFile {
				hasConf = true
			}
		}
	}
	if !hasConf {
		return Errorf("archive %s does not contain a configuration store", e.repo.TargetPath())
	}

	base := filepath.Dir(e.repo.ConfDir())
	writeBase := base
	if r.dryRun {
		tmp, err := os.MkdirTemp("", "bpro-conf.")
		if err != nil {
			return WrapTool(err, "creating staging directory")
		}
		writeBase = tmp
	}
	for _, info := range members {
		rel := filepath.FromSlash(strings.TrimSuffix(info.Path, "/"))
		fmt.Fprintf(e.out, "[C] %s\n", filepath.Join(base, rel))
		dest := filepath.Join(writeBase, rel)
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return WrapTool(err, "restoring configuration store")
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
				return WrapTool(err, "restoring configuration store")
			}
			if err := r.extractTo(info, dest); err != nil {
				return WrapTool(err, "restoring configuration store")
			}
		}
		if info.Mode != 0 {
			if err := os.Chmod(dest, fileModeFromUnix(info.Mode&^model.TypeMask)); err != nil {
				return WrapTool(err, "restoring configuration store")
			}
		}
		if !info.Mtime.IsZero() {
			if err := lutimes(dest, info.Mtime.UnixNano()); err != nil {
				return WrapTool(err, "restoring configuration store")
			}
		}
	}
	if r.dryRun {
		return e.repo.LoadFrom(filepath.Join(writeBase, ConfHolder))
	}
	return e.repo.Reload()
}
