//go:build unix

package bp

import (
	"os"

	"golang.org/x/sys/unix"
)

// lstatMetadata probes path without following symlinks. A missing path
// returns (nil, nil); every other failure is returned as an error.
func lstatMetadata(path string) (*Metadata, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return nil, nil
		}
		return nil, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return &Metadata{
		Mode:    uint32(st.Mode),
		MtimeNS: st.Mtim.Nano(),
		Size:    st.Size,
		UID:     int(st.Uid),
		GID:     int(st.Gid),
		Dev:     uint64(st.Dev),
		Ino:     uint64(st.Ino),
	}, nil
}

// lutimes sets the modification and access time of path to mtimeNS without
// following symlinks.
func lutimes(path string, mtimeNS int64) error {
	ts := unix.NsecToTimespec(mtimeNS)
	err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return &os.PathError{Op: "utimensat", Path: path, Err: err}
	}
	return nil
}
