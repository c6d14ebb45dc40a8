// Package archive stores backup data as a deflate-compressed zip wrapped
// in an age stream encrypted with a scrypt passphrase. The zip carries the
// unix mode bits and modification time of every entry; symlink entries
// store the link target as their content.
package archive

import (
	"io/fs"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

// Factory implements bp.ArchiveFactory on top of age-encrypted zip files.
type Factory struct{}

var _ bp.ArchiveFactory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(targetPath, passphrase string) (bp.ArchiveWriter, error) {
	return newWriter(targetPath, passphrase)
}

func (f *Factory) Open(targetPath, passphrase string) (bp.ArchiveReader, error) {
	return newReader(targetPath, passphrase)
}

// fileModeOf converts raw unix mode bits to an fs.FileMode for zip headers.
func fileModeOf(mode uint32) fs.FileMode {
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

// unixModeOf is the reverse of fileModeOf.
func unixModeOf(fm fs.FileMode) uint32 {
	m := uint32(fm & 0o777)
	if fm&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if fm&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if fm&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	switch {
	case fm&fs.ModeDir != 0:
		m |= model.TypeDir
	case fm&fs.ModeSymlink != 0:
		m |= model.TypeSymlink
	default:
		m |= model.TypeRegular
	}
	return m
}
