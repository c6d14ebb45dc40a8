package bp_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bpro-go/internal/archive"
	"bpro-go/internal/bp"
	"bpro-go/internal/identity"
	"bpro-go/internal/model"
	"bpro-go/internal/repository"
	"bpro-go/internal/testutil"
)

type restoreFixture struct {
	repo    *repository.Repository
	engine  *bp.RestoreEngine
	runner  *testutil.ScriptedRunner
	out     *bytes.Buffer
	dataDir string
}

// newRestoreFixture backs up a small tree so restore tests can mutate the
// live copy and converge it back.
func newRestoreFixture(t *testing.T, strategy model.BackupStrategy) *restoreFixture {
	t.Helper()
	t.Setenv(bp.DiffCheckerEnv, "")

	repo := testutil.NewTestRepository(t)
	dataDir := filepath.Join(t.TempDir(), "data")
	writeTree(t, dataDir, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	if err := os.Symlink("a.txt", filepath.Join(dataDir, "link")); err != nil {
		t.Fatalf("creating fixture symlink: %v", err)
	}
	if err := repo.SetTrackedPath(model.TrackedPath{Path: dataDir, Strategy: strategy}); err != nil {
		t.Fatalf("SetTrackedPath() error = %v", err)
	}

	backup := bp.NewBackupEngine(repo, archive.NewFactory(), identity.NewResolver(), &bp.NopLogger{}, io.Discard, io.Discard)
	if err := backup.Backup(false); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	out := &bytes.Buffer{}
	runner := testutil.NewScriptedRunner()
	engine := bp.NewRestoreEngine(repo, archive.NewFactory(), identity.NewResolver(), runner, &bp.NopLogger{}, out, io.Discard)
	return &restoreFixture{repo: repo, engine: engine, runner: runner, out: out, dataDir: dataDir}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(content)
}

func TestRestoreEngine_Restore(t *testing.T) {
	t.Run("restores changed and missing files and prunes extras", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		aPath := filepath.Join(f.dataDir, "a.txt")
		bPath := filepath.Join(f.dataDir, "sub", "b.txt")
		extraPath := filepath.Join(f.dataDir, "extra.txt")

		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!", "extra.txt": "extra"})
		if err := os.Remove(bPath); err != nil {
			t.Fatalf("removing fixture file: %v", err)
		}

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := readFile(t, aPath); got != "alpha" {
			t.Errorf("a.txt = %q, want %q", got, "alpha")
		}
		if got := readFile(t, bPath); got != "bravo" {
			t.Errorf("b.txt = %q, want %q", got, "bravo")
		}
		if _, err := os.Lstat(extraPath); !os.IsNotExist(err) {
			t.Error("extra.txt should have been pruned")
		}

		output := f.out.String()
		if !strings.Contains(output, "[C] "+aPath) {
			t.Errorf("output missing [C] for %s:\n%s", aPath, output)
		}
		if !strings.Contains(output, "[D] "+extraPath) {
			t.Errorf("output missing [D] for %s:\n%s", extraPath, output)
		}
	})

	t.Run("recreates a fully deleted tree", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		if err := os.RemoveAll(f.dataDir); err != nil {
			t.Fatalf("removing tree: %v", err)
		}

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := readFile(t, filepath.Join(f.dataDir, "sub", "b.txt")); got != "bravo" {
			t.Errorf("b.txt = %q, want %q", got, "bravo")
		}
		target, err := os.Readlink(filepath.Join(f.dataDir, "link"))
		if err != nil {
			t.Fatalf("reading restored symlink: %v", err)
		}
		if target != "a.txt" {
			t.Errorf("link target = %q, want %q", target, "a.txt")
		}
	})

	t.Run("restores archived mtime", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		aPath := filepath.Join(f.dataDir, "a.txt")
		st, err := os.Lstat(aPath)
		if err != nil {
			t.Fatalf("stat fixture: %v", err)
		}
		original := st.ModTime().Truncate(time.Second)

		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!"})
		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		st, err = os.Lstat(aPath)
		if err != nil {
			t.Fatalf("stat restored file: %v", err)
		}
		if got := st.ModTime().Truncate(time.Second); !got.Equal(original) {
			t.Errorf("mtime = %v, want %v", got, original)
		}
	})

	t.Run("leaves unchanged files alone", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if got := f.out.String(); strings.Contains(got, "[C] "+filepath.Join(f.dataDir, "a.txt")) {
			t.Errorf("unchanged file should not be announced:\n%s", got)
		}
	})

	t.Run("replaces a path whose type changed", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		aPath := filepath.Join(f.dataDir, "a.txt")
		if err := os.Remove(aPath); err != nil {
			t.Fatalf("removing fixture file: %v", err)
		}
		if err := os.Mkdir(aPath, 0o755); err != nil {
			t.Fatalf("creating conflicting dir: %v", err)
		}

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := readFile(t, aPath); got != "alpha" {
			t.Errorf("a.txt = %q, want %q", got, "alpha")
		}
		if !strings.Contains(f.out.String(), "[D] "+aPath) {
			t.Errorf("conflicting path should be announced as removed:\n%s", f.out.String())
		}
	})

	t.Run("dry run announces but changes nothing", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		aPath := filepath.Join(f.dataDir, "a.txt")
		extraPath := filepath.Join(f.dataDir, "extra.txt")
		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!", "extra.txt": "extra"})

		if err := f.engine.Restore(true, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := readFile(t, aPath); got != "changed!" {
			t.Errorf("dry run should not touch a.txt, got %q", got)
		}
		if _, err := os.Lstat(extraPath); err != nil {
			t.Errorf("dry run should not prune extra.txt: %v", err)
		}
		output := f.out.String()
		if !strings.Contains(output, "[C] "+aPath) {
			t.Errorf("dry run should announce %s:\n%s", aPath, output)
		}
		if !strings.Contains(output, "[D] "+extraPath) {
			t.Errorf("dry run should announce pruning of %s:\n%s", extraPath, output)
		}
	})

	t.Run("backup-only paths are never restored", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyBackupOnly)
		aPath := filepath.Join(f.dataDir, "a.txt")
		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!"})

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if got := readFile(t, aPath); got != "changed!" {
			t.Errorf("backup-only path should stay untouched, got %q", got)
		}
	})

	t.Run("manual strategy stages instead of writing", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyManual)
		aPath := filepath.Join(f.dataDir, "a.txt")
		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!"})

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := readFile(t, aPath); got != "changed!" {
			t.Errorf("manual restore should not touch the live file, got %q", got)
		}
		output := f.out.String()
		line := ""
		for _, l := range strings.Split(output, "\n") {
			if strings.HasPrefix(l, "[M] ") {
				line = l
				break
			}
		}
		if line == "" {
			t.Fatalf("output missing [M] announcement:\n%s", output)
		}
		staged := strings.TrimSuffix(strings.TrimPrefix(line, "[M] "), " "+f.dataDir)
		t.Cleanup(func() {
			rel, err := filepath.Rel(os.TempDir(), staged)
			if err != nil || strings.HasPrefix(rel, "..") {
				return
			}
			os.RemoveAll(filepath.Join(os.TempDir(), strings.Split(rel, string(filepath.Separator))[0]))
		})
		if got := readFile(t, filepath.Join(staged, "a.txt")); got != "alpha" {
			t.Errorf("staged a.txt = %q, want %q", got, "alpha")
		}
	})

	t.Run("terminates when the walk cycles back to a visited inode", func(t *testing.T) {
		t.Setenv(bp.DiffCheckerEnv, "")
		repo := testutil.NewTestRepository(t)
		dataDir := filepath.Join(t.TempDir(), "data")
		writeTree(t, dataDir, map[string]string{"a.txt": "alpha"})
		aPath := filepath.Join(dataDir, "a.txt")
		zPath := filepath.Join(dataDir, "z.txt")
		if err := os.Link(aPath, zPath); err != nil {
			t.Fatalf("creating fixture hard link: %v", err)
		}
		if err := repo.SetTrackedPath(model.TrackedPath{Path: dataDir, Strategy: model.StrategyAuto}); err != nil {
			t.Fatalf("SetTrackedPath() error = %v", err)
		}
		backup := bp.NewBackupEngine(repo, archive.NewFactory(), identity.NewResolver(), &bp.NopLogger{}, io.Discard, io.Discard)
		if err := backup.Backup(false); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}

		// Writing through one link drifts both directory entries.
		writeTree(t, dataDir, map[string]string{"a.txt": "changed!"})

		out := &bytes.Buffer{}
		engine := bp.NewRestoreEngine(repo, archive.NewFactory(), identity.NewResolver(), testutil.NewScriptedRunner(), &bp.NopLogger{}, out, io.Discard)
		if err := engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		// The first entry records the shared inode and is restored; the
		// second resolves to the same (dev, ino) and must be skipped.
		if got := readFile(t, aPath); got != "alpha" {
			t.Errorf("a.txt = %q, want %q", got, "alpha")
		}
		if got := readFile(t, zPath); got != "changed!" {
			t.Errorf("z.txt = %q, want the visited inode left alone", got)
		}
		output := out.String()
		if !strings.Contains(output, "[C] "+aPath) {
			t.Errorf("output missing [C] for %s:\n%s", aPath, output)
		}
		if strings.Contains(output, "[C] "+zPath) {
			t.Errorf("visited inode should not be restored again:\n%s", output)
		}
	})

	t.Run("fails when the configured diff checker is missing", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyAuto)
		t.Setenv(bp.DiffCheckerEnv, "no-such-tool")
		f.runner.Hide("no-such-tool")

		err := f.engine.Restore(false, false)
		if err == nil {
			t.Fatal("Restore() should fail when the diff checker is missing")
		}
		if !bp.IsToolError(err) {
			t.Errorf("error should be a tool error, got %v", err)
		}
	})

	t.Run("runs the diff checker for manual paths", func(t *testing.T) {
		f := newRestoreFixture(t, model.StrategyManual)
		t.Setenv(bp.DiffCheckerEnv, "meld")
		writeTree(t, f.dataDir, map[string]string{"a.txt": "changed!"})

		if err := f.engine.Restore(false, false); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		found := false
		for _, call := range f.runner.Calls {
			if strings.HasPrefix(call, "/usr/bin/meld ") && strings.HasSuffix(call, " "+f.dataDir) {
				found = true
			}
		}
		if !found {
			t.Errorf("diff checker not invoked, calls = %v", f.runner.Calls)
		}
	})

	t.Run("fails with a tool error when the archive is missing", func(t *testing.T) {
		t.Setenv(bp.DiffCheckerEnv, "")
		repo := testutil.NewTestRepository(t)
		engine := bp.NewRestoreEngine(repo, archive.NewFactory(), identity.NewResolver(), testutil.NewScriptedRunner(), &bp.NopLogger{}, io.Discard, io.Discard)

		err := engine.Restore(false, false)
		if err == nil {
			t.Fatal("Restore() without an archive should fail")
		}
		if !bp.IsToolError(err) {
			t.Errorf("error should be a tool error, got %v", err)
		}
	})
}

func TestRestoreEngine_EnsureConf(t *testing.T) {
	t.Setenv(bp.DiffCheckerEnv, "")

	source := newRestoreFixture(t, model.StrategyAuto)

	// A fresh conf dir sharing the source's target picks up the archived
	// configuration store.
	fresh := testutil.NewTestRepositoryAt(t, t.TempDir(), filepath.Dir(source.repo.TargetPath()))
	engine := bp.NewRestoreEngine(fresh, archive.NewFactory(), identity.NewResolver(), testutil.NewScriptedRunner(), &bp.NopLogger{}, io.Discard, io.Discard)

	if err := engine.EnsureConf(false); err != nil {
		t.Fatalf("EnsureConf() error = %v", err)
	}
	if _, ok := fresh.TrackedPaths()[source.dataDir]; !ok {
		t.Error("bootstrapped store should carry the source's tracked path")
	}
	metadata, err := fresh.ArchiveMetadata()
	if err != nil {
		t.Fatalf("ArchiveMetadata() error = %v", err)
	}
	if _, ok := metadata[source.dataDir]; !ok {
		t.Error("bootstrapped state should carry the source's archive metadata")
	}

	t.Run("existing store is left untouched", func(t *testing.T) {
		if err := fresh.SetSetting("marker", "kept"); err != nil {
			t.Fatalf("SetSetting() error = %v", err)
		}
		if err := engine.EnsureConf(false); err != nil {
			t.Fatalf("EnsureConf() error = %v", err)
		}
		if fresh.Settings()["marker"] != "kept" {
			t.Error("EnsureConf should not overwrite an existing store")
		}
	})
}

func TestRestoreEngine_RestoreConf(t *testing.T) {
	t.Setenv(bp.DiffCheckerEnv, "")

	source := newRestoreFixture(t, model.StrategyAuto)

	// Force-restoring over a diverged store brings the archived one back.
	if err := source.repo.SetSetting("marker", "diverged"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := source.engine.RestoreConf(true); err != nil {
		t.Fatalf("RestoreConf() error = %v", err)
	}
	if got := source.repo.Settings()["marker"]; got != "" {
		t.Errorf("marker = %q, want it gone after force restore", got)
	}
	if _, ok := source.repo.TrackedPaths()[source.dataDir]; !ok {
		t.Error("tracked path should survive the force restore")
	}
}
