package bp

import (
	"fmt"
	"io/fs"
	"os"

	"bpro-go/internal/model"
)

// fileModeFromUnix converts raw unix mode bits to an fs.FileMode.
func fileModeFromUnix(mode uint32) fs.FileMode {
	fm := fs.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		fm |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		fm |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		fm |= fs.ModeSticky
	}
	switch mode & model.TypeMask {
	case model.TypeDir:
		fm |= fs.ModeDir
	case model.TypeSymlink:
		fm |= fs.ModeSymlink
	}
	return fm
}

// applyMetadata brings mode, ownership and modification time of path in
// line with meta, changing only what differs. Symlinks keep their mode.
// st is the current probe result and may be nil, in which case the path is
// probed first.
func applyMetadata(path string, meta *model.ArchiveMetadata, uid, gid int, st *Metadata) error {
	if st == nil {
		var err error
		st, err = lstatMetadata(path)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("applying metadata to %s: path does not exist", path)
		}
	}
	if !st.IsSymlink() && meta.Mode&model.PermMask != st.Mode&model.PermMask {
		if err := os.Chmod(path, fileModeFromUnix(meta.Mode&^model.TypeMask)); err != nil {
			return err
		}
	}
	if st.UID != uid || st.GID != gid {
		if err := os.Lchown(path, uid, gid); err != nil {
			return err
		}
	}
	// mtime comparison at second granularity, like archive metadata.
	if st.MtimeNS/1e9 != meta.MtimeNS/1e9 {
		if err := lutimes(path, meta.MtimeNS); err != nil {
			return err
		}
	}
	return nil
}

// removePath removes path, recursively when st says it is a directory.
func removePath(path string, st *Metadata) error {
	if st != nil && st.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}
