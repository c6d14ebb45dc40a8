package testutil

import (
	"testing"

	"bpro-go/internal/bp"
	"bpro-go/internal/repository"
)

// NewTestRepository creates a repository rooted in temporary directories,
// with a real conf file and state database. Closed when the test completes.
func NewTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	return NewTestRepositoryAt(t, t.TempDir(), t.TempDir())
}

// NewTestRepositoryAt is NewTestRepository with explicit conf and target
// directories.
func NewTestRepositoryAt(t *testing.T, confDir, targetDir string) *repository.Repository {
	t.Helper()

	repo, err := repository.New(confDir, targetDir, FixedClock(), NewStubIDGenerator(), &bp.NopLogger{})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
	})

	return repo
}
