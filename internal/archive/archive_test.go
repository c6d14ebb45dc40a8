package archive_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bpro-go/internal/archive"
	"bpro-go/internal/model"
)

func writeTestArchive(t *testing.T, target, passphrase string) {
	t.Helper()
	dir := t.TempDir()

	filePath := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(filePath, []byte("hello world"), 0o640); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	linkPath := filepath.Join(dir, "link")
	if err := os.Symlink("file.txt", linkPath); err != nil {
		t.Fatalf("creating fixture symlink: %v", err)
	}

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	w, err := archive.NewFactory().Create(target, passphrase)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	entries := []*model.ArchiveMetadata{
		{Path: "data/", Mode: model.TypeDir | 0o755, MtimeNS: mtime.UnixNano()},
		{Path: "data/file.txt", Mode: model.TypeRegular | 0o640, MtimeNS: mtime.UnixNano(), Size: 11},
		{Path: "data/link", Mode: model.TypeSymlink | 0o777, MtimeNS: mtime.UnixNano()},
	}
	systems := []string{dir, filePath, linkPath}
	for i, meta := range entries {
		if err := w.AddFile(meta, systems[i]); err != nil {
			t.Fatalf("AddFile(%s) error = %v", meta.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestArchive_RoundTrip(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bpro-data.zip.age")
	writeTestArchive(t, target, "secret")

	r, err := archive.NewFactory().Open(target, "secret")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	t.Run("lists entries excluding the root", func(t *testing.T) {
		infos := r.Infos()
		if len(infos) != 3 {
			t.Fatalf("Infos() len = %d, want 3", len(infos))
		}
		want := []string{"data/", "data/file.txt", "data/link"}
		for i, info := range infos {
			if info.Path != want[i] {
				t.Errorf("Infos()[%d].Path = %q, want %q", i, info.Path, want[i])
			}
		}
	})

	t.Run("synthesizes the archive root", func(t *testing.T) {
		root, ok := r.Info("")
		if !ok {
			t.Fatal("Info(\"\") not found")
		}
		if !root.IsDir() {
			t.Error("root entry should be a directory")
		}
		children := r.Children("")
		if len(children) != 1 || children[0] != "data" {
			t.Errorf("Children(\"\") = %v, want [data]", children)
		}
	})

	t.Run("reads file content", func(t *testing.T) {
		f, err := r.Open("data/file.txt")
		if err != nil {
			t.Fatalf("Open(data/file.txt) error = %v", err)
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			t.Fatalf("reading entry: %v", err)
		}
		if string(content) != "hello world" {
			t.Errorf("content = %q, want %q", content, "hello world")
		}
	})

	t.Run("stores the symlink target as content", func(t *testing.T) {
		target, err := r.ReadAll("data/link")
		if err != nil {
			t.Fatalf("ReadAll(data/link) error = %v", err)
		}
		if string(target) != "file.txt" {
			t.Errorf("link target = %q, want %q", target, "file.txt")
		}
	})

	t.Run("keeps mode and mtime", func(t *testing.T) {
		info, ok := r.Info("data/file.txt")
		if !ok {
			t.Fatal("Info(data/file.txt) not found")
		}
		if info.Mode != model.TypeRegular|0o640 {
			t.Errorf("mode = %o, want %o", info.Mode, model.TypeRegular|0o640)
		}
		if info.Size != 11 {
			t.Errorf("size = %d, want 11", info.Size)
		}
		want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		if !info.Mtime.Equal(want) {
			t.Errorf("mtime = %v, want %v", info.Mtime, want)
		}
		dir, ok := r.Info("data/")
		if !ok {
			t.Fatal("Info(data/) not found")
		}
		if !dir.IsDir() {
			t.Error("data/ should be a directory")
		}
	})
}

func TestArchive_WrongPassphrase(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bpro-data.zip.age")
	writeTestArchive(t, target, "secret")

	if _, err := archive.NewFactory().Open(target, "wrong"); err == nil {
		t.Fatal("Open() with wrong passphrase should fail")
	}
}

func TestArchive_AbortLeavesNoFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bpro-data.zip.age")

	w, err := archive.NewFactory().Create(target, "secret")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	w.Abort()

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("target should not exist after Abort, stat err = %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("listing target dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("target dir should be empty after Abort, got %d entries", len(entries))
	}
}

func TestArchive_OverwritesExistingTarget(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bpro-data.zip.age")
	writeTestArchive(t, target, "secret")
	writeTestArchive(t, target, "fresh")

	r, err := archive.NewFactory().Open(target, "fresh")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	r.Close()
}
