package bp_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"bpro-go/internal/archive"
	"bpro-go/internal/bp"
	"bpro-go/internal/identity"
	"bpro-go/internal/model"
	"bpro-go/internal/repository"
	"bpro-go/internal/testutil"
)

type backupFixture struct {
	repo    *repository.Repository
	engine  *bp.BackupEngine
	dataDir string
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()

	repo := testutil.NewTestRepository(t)
	dataDir := filepath.Join(t.TempDir(), "data")
	writeTree(t, dataDir, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	if err := os.Mkdir(filepath.Join(dataDir, "empty"), 0o755); err != nil {
		t.Fatalf("creating fixture dir: %v", err)
	}
	if err := repo.SetTrackedPath(model.TrackedPath{Path: dataDir, Strategy: model.StrategyAuto}); err != nil {
		t.Fatalf("SetTrackedPath() error = %v", err)
	}

	engine := bp.NewBackupEngine(repo, archive.NewFactory(), identity.NewResolver(), &bp.NopLogger{}, io.Discard, io.Discard)
	return &backupFixture{repo: repo, engine: engine, dataDir: dataDir}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}

func TestBackupEngine_Backup(t *testing.T) {
	t.Run("writes the archive and persists metadata", func(t *testing.T) {
		f := newBackupFixture(t)

		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if _, err := os.Stat(f.repo.TargetPath()); err != nil {
			t.Fatalf("target archive missing: %v", err)
		}

		metadata, err := f.repo.ArchiveMetadata()
		if err != nil {
			t.Fatalf("ArchiveMetadata() error = %v", err)
		}
		for _, want := range []string{
			f.dataDir,
			filepath.Join(f.dataDir, "a.txt"),
			filepath.Join(f.dataDir, "sub"),
			filepath.Join(f.dataDir, "sub", "b.txt"),
			filepath.Join(f.dataDir, "empty"),
		} {
			if _, ok := metadata[want]; !ok {
				t.Errorf("metadata missing %s", want)
			}
		}
		// Ancestors of the tracked root travel along so a restore can
		// recreate the whole chain.
		if _, ok := metadata[filepath.Dir(f.dataDir)]; !ok {
			t.Errorf("metadata missing ancestor %s", filepath.Dir(f.dataDir))
		}
	})

	t.Run("archive carries data, empty dirs and the conf holder", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}

		r, err := archive.NewFactory().Open(f.repo.TargetPath(), bp.DefaultPassphrase)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer r.Close()

		for _, want := range []string{
			bp.ArchivePathFor(filepath.Join(f.dataDir, "a.txt"), false),
			bp.ArchivePathFor(filepath.Join(f.dataDir, "empty"), true),
			bp.ConfHolder + "/" + bp.ConfFile,
			bp.ConfHolder + "/" + bp.StateFile,
		} {
			if _, ok := r.Info(want); !ok {
				t.Errorf("archive missing entry %s", want)
			}
		}
		content, err := r.ReadAll(bp.ArchivePathFor(filepath.Join(f.dataDir, "a.txt"), false))
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if string(content) != "alpha" {
			t.Errorf("content = %q, want %q", content, "alpha")
		}
	})

	t.Run("skips rebuilding when nothing changed", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if err := os.Remove(f.repo.TargetPath()); err != nil {
			t.Fatalf("removing target: %v", err)
		}

		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if _, err := os.Stat(f.repo.TargetPath()); !os.IsNotExist(err) {
			t.Error("unchanged backup should not rewrite the archive")
		}
	})

	t.Run("force rebuilds an unchanged archive", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if err := os.Remove(f.repo.TargetPath()); err != nil {
			t.Fatalf("removing target: %v", err)
		}

		if err := f.engine.Backup(true); err != nil {
			t.Fatalf("Backup(force) error = %v", err)
		}
		if _, err := os.Stat(f.repo.TargetPath()); err != nil {
			t.Errorf("forced backup should rewrite the archive: %v", err)
		}
	})

	t.Run("rebuilds when a file changed", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if err := os.Remove(f.repo.TargetPath()); err != nil {
			t.Fatalf("removing target: %v", err)
		}

		writeTree(t, f.dataDir, map[string]string{"a.txt": "alpha changed"})
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if _, err := os.Stat(f.repo.TargetPath()); err != nil {
			t.Errorf("changed backup should rewrite the archive: %v", err)
		}
	})

	t.Run("honors exclude paths and patterns", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.repo.AddArchiveExcludePath(filepath.Join(f.dataDir, "a.txt")); err != nil {
			t.Fatalf("AddArchiveExcludePath() error = %v", err)
		}
		if err := f.repo.AddArchiveExcludePattern(`sub`); err != nil {
			t.Fatalf("AddArchiveExcludePattern() error = %v", err)
		}

		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		metadata, err := f.repo.ArchiveMetadata()
		if err != nil {
			t.Fatalf("ArchiveMetadata() error = %v", err)
		}
		if _, ok := metadata[filepath.Join(f.dataDir, "a.txt")]; ok {
			t.Error("excluded path should not be in the metadata")
		}
		if _, ok := metadata[filepath.Join(f.dataDir, "sub", "b.txt")]; ok {
			t.Error("pattern-excluded path should not be in the metadata")
		}
		if _, ok := metadata[filepath.Join(f.dataDir, "empty")]; !ok {
			t.Error("unexcluded path should be in the metadata")
		}
	})

	t.Run("uses the configured passphrase", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.repo.SetSetting(bp.PassphraseSetting, "secret"); err != nil {
			t.Fatalf("SetSetting() error = %v", err)
		}
		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}

		if _, err := archive.NewFactory().Open(f.repo.TargetPath(), bp.DefaultPassphrase); err == nil {
			t.Error("archive should not open with the default passphrase")
		}
		r, err := archive.NewFactory().Open(f.repo.TargetPath(), "secret")
		if err != nil {
			t.Fatalf("Open() with configured passphrase error = %v", err)
		}
		r.Close()
	})

	t.Run("keeps the configured spelling of a root reached as an ancestor", func(t *testing.T) {
		repo := testutil.NewTestRepository(t)
		base := t.TempDir()
		t.Setenv("BPRO_TEST_DATA", base)
		writeTree(t, base, map[string]string{"b/c/d/file.txt": "delta"})

		// The outer root is configured with an env-var spelling; the inner
		// root sits below it and reaches the outer one while resolving its
		// ancestor chain.
		outer := "$BPRO_TEST_DATA/b"
		inner := filepath.Join(base, "b", "c", "d")
		for _, p := range []string{outer, inner} {
			if err := repo.SetTrackedPath(model.TrackedPath{Path: p, Strategy: model.StrategyAuto}); err != nil {
				t.Fatalf("SetTrackedPath(%s) error = %v", p, err)
			}
		}
		engine := bp.NewBackupEngine(repo, archive.NewFactory(), identity.NewResolver(), &bp.NopLogger{}, io.Discard, io.Discard)

		if err := engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		metadata, err := repo.ArchiveMetadata()
		if err != nil {
			t.Fatalf("ArchiveMetadata() error = %v", err)
		}
		if _, ok := metadata[outer]; !ok {
			t.Errorf("metadata missing configured spelling %s", outer)
		}
		if _, ok := metadata[filepath.Join(base, "b")]; ok {
			t.Errorf("metadata has duplicate system-spelled entry %s", filepath.Join(base, "b"))
		}
	})

	t.Run("drops a directory when all children are excluded", func(t *testing.T) {
		f := newBackupFixture(t)
		if err := f.repo.AddArchiveExcludePath(filepath.Join(f.dataDir, "sub", "b.txt")); err != nil {
			t.Fatalf("AddArchiveExcludePath() error = %v", err)
		}

		if err := f.engine.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		metadata, err := f.repo.ArchiveMetadata()
		if err != nil {
			t.Fatalf("ArchiveMetadata() error = %v", err)
		}
		if _, ok := metadata[filepath.Join(f.dataDir, "sub")]; ok {
			t.Error("a non-empty directory with nothing to archive should be dropped")
		}
		if _, ok := metadata[filepath.Join(f.dataDir, "empty")]; !ok {
			t.Error("an empty directory should still be archived")
		}
	})
}
