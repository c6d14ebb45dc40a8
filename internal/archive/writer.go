package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

// writer streams zip entries through an age encryption layer into a
// temporary file next to the target, which is renamed into place on Close.
type writer struct {
	target string
	tmp    *os.File
	enc    io.WriteCloser
	zw     *zip.Writer
}

var _ bp.ArchiveWriter = (*writer)(nil)

func newWriter(targetPath, passphrase string) (*writer, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".bpro-data.*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary archive: %w", err)
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	enc, err := age.Encrypt(tmp, recipient)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	zw := zip.NewWriter(enc)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	return &writer{target: targetPath, tmp: tmp, enc: enc, zw: zw}, nil
}

func (w *writer) AddFile(meta *model.ArchiveMetadata, systemPath string) error {
	if meta.Path == "" {
		// The archive root needs no entry of its own.
		return nil
	}
	header := &zip.FileHeader{
		Name:     meta.Path,
		Method:   zip.Deflate,
		Modified: time.Unix(0, meta.MtimeNS),
	}
	header.SetMode(fileModeOf(meta.Mode))

	switch {
	case meta.IsDir():
		header.Method = zip.Store
		_, err := w.zw.CreateHeader(header)
		return err
	case meta.IsSymlink():
		target, err := os.Readlink(systemPath)
		if err != nil {
			return err
		}
		ew, err := w.zw.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.WriteString(ew, target)
		return err
	default:
		f, err := os.Open(systemPath)
		if err != nil {
			return err
		}
		defer f.Close()
		ew, err := w.zw.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.Copy(ew, f)
		return err
	}
}

func (w *writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.discard()
		return fmt.Errorf("finalizing zip: %w", err)
	}
	if err := w.enc.Close(); err != nil {
		w.discard()
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("closing temporary archive: %w", err)
	}
	if err := os.Chmod(w.tmp.Name(), 0o600); err != nil {
		os.Remove(w.tmp.Name())
		return err
	}
	if err := os.Rename(w.tmp.Name(), w.target); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("moving archive into place: %w", err)
	}
	return nil
}

func (w *writer) Abort() {
	w.discard()
}

func (w *writer) discard() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}
