package bp

import "bpro-go/internal/model"

// Metadata is the result of probing one live path without following
// symlinks. Mode carries the full unix mode including the type bits.
type Metadata struct {
	Mode    uint32
	MtimeNS int64
	Size    int64
	UID     int
	GID     int
	Dev     uint64
	Ino     uint64
}

func (m *Metadata) IsDir() bool {
	return m.Mode&model.TypeMask == model.TypeDir
}

func (m *Metadata) IsSymlink() bool {
	return m.Mode&model.TypeMask == model.TypeSymlink
}

// Supported reports whether the path's type is handled by the tool.
// Sockets, fifos and device nodes are not.
func (m *Metadata) Supported() bool {
	switch m.Mode & model.TypeMask {
	case model.TypeDir, model.TypeRegular, model.TypeSymlink:
		return true
	}
	return false
}
