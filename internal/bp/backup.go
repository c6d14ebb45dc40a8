package bp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bpro-go/internal/identity"
	"bpro-go/internal/model"
)

// BackupEngine scans the tracked paths and rebuilds the archive when
// anything changed since the persisted archive metadata.
type BackupEngine struct {
	repo     Repository
	archives ArchiveFactory
	names    *identity.Resolver
	logger   Logger
	out      io.Writer
	errw     io.Writer
}

func NewBackupEngine(repo Repository, archives ArchiveFactory, names *identity.Resolver, logger Logger, out, errw io.Writer) *BackupEngine {
	return &BackupEngine{repo: repo, archives: archives, names: names, logger: logger, out: out, errw: errw}
}

// backupNode is one path under consideration. The logical path is the
// configured spelling and may contain environment variables; the system
// path is its expanded absolute form.
type backupNode struct {
	logical string
	system  string
	meta    *model.ArchiveMetadata
}

func newBackupNode(logical string) *backupNode {
	return &backupNode{logical: logical, system: ExpandPath(logical)}
}

func (n *backupNode) clone() *backupNode {
	return &backupNode{logical: n.logical, system: n.system}
}

// parentOf returns the parent node, preferring the logical spelling so a
// configured "$HOME/docs" resolves its parent as "$HOME". Returns nil at
// the root.
func parentOf(n *backupNode) *backupNode {
	for _, p := range []string{n.logical, n.system} {
		d := filepath.Dir(p)
		if d != filepath.Dir(d) {
			return newBackupNode(d)
		}
	}
	return nil
}

// backupRun carries the per-run caches of one backup pass.
type backupRun struct {
	engine   *BackupEngine
	force    bool
	excludes *ExcludeFilter

	// tracked maps expanded system paths of tracked roots to their
	// configured nodes, so a root reached while walking another root
	// keeps its configured spelling.
	tracked map[string]*backupNode
	scanned map[string]struct{}
	// statCache memoizes probe results by system path. A present nil
	// entry means the path is missing, unreadable or unsupported.
	statCache map[string]*Metadata
	// metadata accumulates resolved entries by logical path; nil entries
	// mark paths that could not be probed.
	metadata   map[string]*model.ArchiveMetadata
	metaSystem map[string]string
	// worthy lists every path that will be stored in the archive, keyed
	// by system path.
	worthy map[string]*model.ArchiveMetadata
}

func (e *BackupEngine) newRun(force bool) (*backupRun, error) {
	excludes, err := NewExcludeFilter(e.repo.ArchiveExcludePaths(), e.repo.ArchiveExcludePatterns())
	if err != nil {
		return nil, WrapTool(err, "invalid archive exclusion")
	}
	// The tool's own files never travel through the regular scan.
	excludes.Exclude(e.repo.ConfDir())
	excludes.Exclude(e.repo.TargetPath())

	r := &backupRun{
		engine:     e,
		force:      force,
		excludes:   excludes,
		tracked:    make(map[string]*backupNode),
		scanned:    make(map[string]struct{}),
		statCache:  make(map[string]*Metadata),
		metadata:   make(map[string]*model.ArchiveMetadata),
		metaSystem: make(map[string]string),
		worthy:     make(map[string]*model.ArchiveMetadata),
	}
	for _, p := range e.repo.TrackedPaths() {
		n := newBackupNode(p.Path)
		r.tracked[n.system] = n
	}
	return r, nil
}

// Backup runs one backup pass. With force the archive is rebuilt even when
// nothing changed.
func (e *BackupEngine) Backup(force bool) error {
	r, err := e.newRun(force)
	if err != nil {
		return err
	}
	for _, n := range r.trackedRoots() {
		r.scanPath(n.clone())
	}
	next := r.finalMetadata()

	current, err := e.repo.ArchiveMetadata()
	if err != nil {
		return fmt.Errorf("loading archive metadata: %w", err)
	}
	if !force && model.MetadataMapsEqual(current, next) {
		e.logger.Info("archive is up to date", "target", e.repo.TargetPath())
		return nil
	}
	if err := e.repo.SetArchiveMetadata(next); err != nil {
		return fmt.Errorf("storing archive metadata: %w", err)
	}
	return r.generateArchive()
}

func (r *backupRun) trackedRoots() []*backupNode {
	paths := make([]string, 0, len(r.tracked))
	for p := range r.tracked {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	roots := make([]*backupNode, len(paths))
	for i, p := range paths {
		roots[i] = r.tracked[p]
	}
	return roots
}

// refresh swaps n for its configured node when its system path is a
// tracked root.
func (r *backupRun) refresh(n *backupNode) *backupNode {
	if t, ok := r.tracked[n.system]; ok {
		return t.clone()
	}
	return n
}

func (r *backupRun) scanPath(n *backupNode) {
	if _, ok := r.scanned[n.logical]; ok {
		return
	}
	r.scanned[n.logical] = struct{}{}
	if r.excludes.Excluded(n.system) {
		return
	}
	r.scanPathMetadata(n)
	if n.meta == nil {
		return
	}
	if n.meta.IsDir() {
		r.scanDir(n)
	} else {
		r.worthy[n.system] = n.meta
	}
}

// scanPathMetadata resolves the archive metadata for n and every ancestor
// up to the root, parents first, memoizing by logical path.
func (r *backupRun) scanPathMetadata(n *backupNode) {
	if meta, ok := r.metadata[n.logical]; ok {
		n.meta = meta
		return
	}
	if p := parentOf(n); p != nil {
		r.scanPathMetadata(r.refresh(p))
	}
	var meta *model.ArchiveMetadata
	if st := r.statPath(n.system); st != nil {
		meta = r.generateMetadata(n.system, st)
	}
	n.meta = meta
	r.metadata[n.logical] = meta
	r.metaSystem[n.logical] = n.system
}

func (r *backupRun) statPath(system string) *Metadata {
	if st, ok := r.statCache[system]; ok {
		return st
	}
	var result *Metadata
	st, err := lstatMetadata(system)
	switch {
	case err != nil:
		fmt.Fprintf(r.engine.errw, "failed to scan path: %s, %v\n", system, err)
	case st != nil && !st.Supported():
		fmt.Fprintf(r.engine.errw, "file type is not supported: %s\n", system)
	default:
		result = st
	}
	r.statCache[system] = result
	return result
}

func (r *backupRun) generateMetadata(system string, st *Metadata) *model.ArchiveMetadata {
	return &model.ArchiveMetadata{
		Path:    ArchivePathFor(system, st.IsDir()),
		Mode:    st.Mode,
		MtimeNS: st.MtimeNS,
		Size:    st.Size,
		User:    r.engine.names.UserName(st.UID),
		Group:   r.engine.names.GroupName(st.GID),
	}
}

// scanDir walks a directory's children and decides whether the directory
// itself goes into the archive: it does when it is empty, so the archive
// can recreate it, or when at least one child made it in. A directory
// whose listing fails is dropped entirely.
func (r *backupRun) scanDir(n *backupNode) {
	entries, err := os.ReadDir(n.system)
	if err != nil {
		fmt.Fprintf(r.engine.errw, "failed to scan path: %s, %v\n", n.system, err)
		return
	}
	children := make([]*backupNode, 0, len(entries))
	for _, e := range entries {
		children = append(children, r.refresh(newBackupNode(filepath.Join(n.logical, e.Name()))))
	}
	for _, c := range children {
		r.scanPath(c)
	}
	keep := len(children) == 0
	for _, c := range children {
		if _, ok := r.worthy[c.system]; ok {
			keep = true
			break
		}
	}
	if keep {
		r.worthy[n.system] = n.meta
	}
}

// finalMetadata strips unresolved entries and prunes directory entries
// that neither go into the archive nor lead down to something that does.
func (r *backupRun) finalMetadata() map[string]*model.ArchiveMetadata {
	worthyPaths := make([]string, 0, len(r.worthy))
	for p := range r.worthy {
		worthyPaths = append(worthyPaths, p)
	}
	sort.Strings(worthyPaths)

	next := make(map[string]*model.ArchiveMetadata)
	for logical, meta := range r.metadata {
		if meta == nil {
			continue
		}
		if !meta.IsDir() {
			next[logical] = meta
			continue
		}
		system := r.metaSystem[logical]
		if _, ok := r.worthy[system]; ok {
			next[logical] = meta
			continue
		}
		if hasWorthyUnder(worthyPaths, system) {
			next[logical] = meta
		}
	}
	return next
}

func hasWorthyUnder(sortedPaths []string, dir string) bool {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	i := sort.SearchStrings(sortedPaths, prefix)
	return i < len(sortedPaths) && strings.HasPrefix(sortedPaths[i], prefix)
}

func (r *backupRun) generateArchive() error {
	e := r.engine
	target := e.repo.TargetPath()
	if r.force {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return WrapTool(err, "removing archive %s", target)
		}
	}
	w, err := e.archives.Create(target, passphraseFor(e.repo, e.logger))
	if err != nil {
		return WrapTool(err, "creating archive %s", target)
	}
	done := false
	defer func() {
		if !done {
			w.Abort()
		}
	}()

	paths := make([]string, 0, len(r.worthy))
	for p := range r.worthy {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := w.AddFile(r.worthy[p], p); err != nil {
			return fmt.Errorf("archiving %s: %w", p, err)
		}
	}
	if err := r.addConfHolder(w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return WrapTool(err, "finalizing archive %s", target)
	}
	done = true
	if err := os.Chown(target, identity.RealUID(), identity.RealGID()); err != nil {
		e.logger.Warn("failed to set archive ownership", "target", target, "error", err)
	}
	e.logger.Info("archive written", "target", target, "entries", len(paths))
	return nil
}

// addConfHolder embeds the tool's configuration and a consistent snapshot
// of the state database so an archive alone can bootstrap a fresh host.
func (r *backupRun) addConfHolder(w ArchiveWriter) error {
	e := r.engine
	if err := r.addConfEntry(w, e.repo.ConfDir(), ConfHolder+"/"); err != nil {
		return err
	}
	if err := r.addConfEntry(w, e.repo.ConfPath(), ConfHolder+"/"+ConfFile); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp("", "bpro-state.")
	if err != nil {
		return fmt.Errorf("creating state snapshot directory: %w", err)
	}
	defer os.RemoveAll(tmp)
	statePath, err := e.repo.StateSnapshot(tmp)
	if err != nil {
		return fmt.Errorf("snapshotting state: %w", err)
	}
	return r.addConfEntry(w, statePath, ConfHolder+"/"+StateFile)
}

func (r *backupRun) addConfEntry(w ArchiveWriter, system, archivePath string) error {
	st, err := lstatMetadata(system)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("archiving %s: path does not exist", system)
	}
	meta := r.generateMetadata(system, st)
	meta.Path = archivePath
	if err := w.AddFile(meta, system); err != nil {
		return fmt.Errorf("archiving %s: %w", system, err)
	}
	return nil
}

// passphraseFor returns the configured archive passphrase, falling back to
// the built-in default with a warning.
func passphraseFor(repo Repository, logger Logger) string {
	if p := repo.Settings()[PassphraseSetting]; p != "" {
		return p
	}
	logger.Warn("no passphrase configured, using the built-in default; set one with \"settings set-passphrase\"")
	return DefaultPassphrase
}
