package bp

import (
	"io"
	"strings"
	"time"

	"bpro-go/internal/model"
)

// ArchiveEntryInfo describes one member of an archive. Paths are relative
// to the archive root, use forward slashes, and directories carry a
// trailing slash.
type ArchiveEntryInfo struct {
	Path  string
	Mode  uint32
	Size  int64
	Mtime time.Time
}

func (i *ArchiveEntryInfo) IsDir() bool {
	// The empty path is the archive root.
	return i.Path == "" || strings.HasSuffix(i.Path, "/")
}

// ArchiveReader gives random access to an existing archive.
type ArchiveReader interface {
	// Info returns the entry stored at path, or false if there is none.
	Info(path string) (*ArchiveEntryInfo, bool)
	// Children returns the names of the immediate children of the
	// directory entry at dirPath, sorted.
	Children(dirPath string) []string
	// Infos returns all entries sorted by path.
	Infos() []*ArchiveEntryInfo
	// Open returns the content of the entry at path. For symlink entries
	// the content is the link target.
	Open(path string) (io.ReadCloser, error)
	ReadAll(path string) ([]byte, error)
	Close() error
}

// ArchiveWriter builds a new archive. Entries must be added with
// directories before their children.
type ArchiveWriter interface {
	// AddFile stores the path described by meta. Content is read from
	// systemPath for regular files; symlink entries store the link
	// target, directory entries store nothing.
	AddFile(meta *model.ArchiveMetadata, systemPath string) error
	// Close finalizes the archive and moves it into place.
	Close() error
	// Abort discards the partially written archive.
	Abort()
}

// ArchiveFactory opens and creates archive files.
type ArchiveFactory interface {
	Create(targetPath, passphrase string) (ArchiveWriter, error)
	Open(targetPath, passphrase string) (ArchiveReader, error)
}
