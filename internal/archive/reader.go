package archive

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zip"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

// reader decrypts the archive into a temporary file, since age streams are
// not seekable, and serves zip entries from there. The temporary file is
// removed on Close.
type reader struct {
	tmp      *os.File
	zr       *zip.Reader
	files    map[string]*zip.File
	infos    map[string]*bp.ArchiveEntryInfo
	children map[string][]string
	sorted   []*bp.ArchiveEntryInfo
}

var _ bp.ArchiveReader = (*reader)(nil)

func newReader(targetPath, passphrase string) (*reader, error) {
	f, err := os.Open(targetPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	dec, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting archive: %w", err)
	}

	tmp, err := os.CreateTemp("", "bpro-zip.")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	size, err := io.Copy(tmp, dec)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("decrypting archive: %w", err)
	}
	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("reading archive index: %w", err)
	}

	r := &reader{
		tmp:      tmp,
		zr:       zr,
		files:    make(map[string]*zip.File, len(zr.File)),
		infos:    make(map[string]*bp.ArchiveEntryInfo, len(zr.File)+1),
		children: make(map[string][]string),
	}
	r.index()
	return r, nil
}

func (r *reader) index() {
	// Synthesized root so a tracked "/" resolves like any directory.
	r.infos[""] = &bp.ArchiveEntryInfo{Path: "", Mode: model.TypeDir | 0o755}

	for _, f := range r.zr.File {
		info := &bp.ArchiveEntryInfo{
			Path:  f.Name,
			Mode:  unixModeOf(f.Mode()),
			Size:  int64(f.UncompressedSize64),
			Mtime: f.Modified,
		}
		r.files[f.Name] = f
		r.infos[f.Name] = info

		trimmed := strings.TrimSuffix(f.Name, "/")
		parent := ""
		name := trimmed
		if i := strings.LastIndex(trimmed, "/"); i >= 0 {
			parent = trimmed[:i+1]
			name = trimmed[i+1:]
		}
		r.children[parent] = append(r.children[parent], name)
	}
	for _, names := range r.children {
		sort.Strings(names)
	}
	for _, info := range r.infos {
		if info.Path != "" {
			r.sorted = append(r.sorted, info)
		}
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Path < r.sorted[j].Path })
}

func (r *reader) Info(path string) (*bp.ArchiveEntryInfo, bool) {
	info, ok := r.infos[path]
	return info, ok
}

func (r *reader) Children(dirPath string) []string {
	return r.children[dirPath]
}

func (r *reader) Infos() []*bp.ArchiveEntryInfo {
	return r.sorted
}

func (r *reader) Open(path string) (io.ReadCloser, error) {
	f, ok := r.files[path]
	if !ok {
		return nil, fmt.Errorf("no archive entry: %s", path)
	}
	return f.Open()
}

func (r *reader) ReadAll(path string) ([]byte, error) {
	rc, err := r.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *reader) Close() error {
	err := r.tmp.Close()
	os.Remove(r.tmp.Name())
	return err
}
