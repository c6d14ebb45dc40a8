package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bpro-go/internal/model"
)

func (r *Repository) ArchiveMetadata() (map[string]*model.ArchiveMetadata, error) {
	rows, err := r.db.Query(
		"SELECT path, archive_path, mode, mtime_ns, size, owner, grp FROM archive_metadata")
	if err != nil {
		return nil, fmt.Errorf("loading archive metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*model.ArchiveMetadata)
	for rows.Next() {
		var path string
		meta := &model.ArchiveMetadata{}
		if err := rows.Scan(&path, &meta.Path, &meta.Mode, &meta.MtimeNS, &meta.Size, &meta.User, &meta.Group); err != nil {
			return nil, fmt.Errorf("loading archive metadata: %w", err)
		}
		out[path] = meta
	}
	return out, rows.Err()
}

func (r *Repository) SetArchiveMetadata(metadata map[string]*model.ArchiveMetadata) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("storing archive metadata: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM archive_metadata"); err != nil {
		return fmt.Errorf("storing archive metadata: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO archive_metadata (path, archive_path, mode, mtime_ns, size, owner, grp) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("storing archive metadata: %w", err)
	}
	defer stmt.Close()
	for path, meta := range metadata {
		if _, err := stmt.Exec(path, meta.Path, meta.Mode, meta.MtimeNS, meta.Size, meta.User, meta.Group); err != nil {
			return fmt.Errorf("storing archive metadata for %s: %w", path, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) IndexSnapshotTimes() ([]int64, error) {
	rows, err := r.db.Query("SELECT time FROM index_snapshots ORDER BY time")
	if err != nil {
		return nil, fmt.Errorf("loading index snapshot times: %w", err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("loading index snapshot times: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (r *Repository) IndexSnapshot(t int64) (*model.IndexSnapshot, error) {
	var stored int64
	err := r.db.QueryRow("SELECT time FROM index_snapshots WHERE time = ?", t).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading index snapshot: %w", err)
	}

	snapshot := &model.IndexSnapshot{Time: t, Metadata: make(map[string]model.IndexMetadata)}

	rows, err := r.db.Query("SELECT root FROM index_snapshot_roots WHERE time = ? ORDER BY root", t)
	if err != nil {
		return nil, fmt.Errorf("loading index snapshot roots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("loading index snapshot roots: %w", err)
		}
		snapshot.Paths = append(snapshot.Paths, root)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := r.db.Query("SELECT path, mtime, size FROM index_snapshot_entries WHERE time = ?", t)
	if err != nil {
		return nil, fmt.Errorf("loading index snapshot entries: %w", err)
	}
	defer entries.Close()
	for entries.Next() {
		var path string
		var meta model.IndexMetadata
		if err := entries.Scan(&path, &meta.Mtime, &meta.Size); err != nil {
			return nil, fmt.Errorf("loading index snapshot entries: %w", err)
		}
		snapshot.Metadata[path] = meta
	}
	return snapshot, entries.Err()
}

func (r *Repository) SetIndexSnapshot(snapshot *model.IndexSnapshot) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("storing index snapshot: %w", err)
	}
	defer tx.Rollback()

	// Replacing the snapshot row cascades into roots and entries.
	if _, err := tx.Exec("DELETE FROM index_snapshots WHERE time = ?", snapshot.Time); err != nil {
		return fmt.Errorf("storing index snapshot: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO index_snapshots (time) VALUES (?)", snapshot.Time); err != nil {
		return fmt.Errorf("storing index snapshot: %w", err)
	}
	for _, root := range snapshot.Paths {
		if _, err := tx.Exec("INSERT INTO index_snapshot_roots (time, root) VALUES (?, ?)", snapshot.Time, root); err != nil {
			return fmt.Errorf("storing index snapshot roots: %w", err)
		}
	}
	stmt, err := tx.Prepare("INSERT INTO index_snapshot_entries (time, path, mtime, size) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("storing index snapshot entries: %w", err)
	}
	defer stmt.Close()
	for path, meta := range snapshot.Metadata {
		if _, err := stmt.Exec(snapshot.Time, path, meta.Mtime, meta.Size); err != nil {
			return fmt.Errorf("storing index snapshot entry %s: %w", path, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) RemoveIndexSnapshot(t int64) error {
	res, err := r.db.Exec("DELETE FROM index_snapshots WHERE time = ?", t)
	if err != nil {
		return fmt.Errorf("removing index snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("there is no index snapshot with time %d", t)
	}
	return nil
}

func (r *Repository) ScannedPackages(handler model.PackageHandler) ([]model.ScannedPackage, error) {
	rows, err := r.db.Query("SELECT name FROM scanned_packages WHERE handler = ? ORDER BY name", string(handler))
	if err != nil {
		return nil, fmt.Errorf("loading scanned packages: %w", err)
	}
	defer rows.Close()

	var out []model.ScannedPackage
	for rows.Next() {
		p := model.ScannedPackage{Handler: handler}
		if err := rows.Scan(&p.Name); err != nil {
			return nil, fmt.Errorf("loading scanned packages: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) SetScannedPackages(handler model.PackageHandler, packages []model.ScannedPackage) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("storing scanned packages: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM scanned_packages WHERE handler = ?", string(handler)); err != nil {
		return fmt.Errorf("storing scanned packages: %w", err)
	}
	for _, p := range packages {
		if _, err := tx.Exec("INSERT INTO scanned_packages (handler, name) VALUES (?, ?)", string(handler), p.Name); err != nil {
			return fmt.Errorf("storing scanned package %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) ScannedConfigurations(handler model.ConfigurationHandler) ([]model.ScannedConfiguration, error) {
	rows, err := r.db.Query("SELECT key, value FROM scanned_configurations WHERE handler = ? ORDER BY key", string(handler))
	if err != nil {
		return nil, fmt.Errorf("loading scanned configurations: %w", err)
	}
	defer rows.Close()

	var out []model.ScannedConfiguration
	for rows.Next() {
		c := model.ScannedConfiguration{Handler: handler}
		if err := rows.Scan(&c.Key, &c.Value); err != nil {
			return nil, fmt.Errorf("loading scanned configurations: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) SetScannedConfigurations(handler model.ConfigurationHandler, configurations []model.ScannedConfiguration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("storing scanned configurations: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM scanned_configurations WHERE handler = ?", string(handler)); err != nil {
		return fmt.Errorf("storing scanned configurations: %w", err)
	}
	for _, c := range configurations {
		if _, err := tx.Exec(
			"INSERT INTO scanned_configurations (handler, key, value) VALUES (?, ?, ?)",
			string(handler), c.Key, c.Value); err != nil {
			return fmt.Errorf("storing scanned configuration %s: %w", c.Key, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) CreateOperation(operation, parameters string) (string, error) {
	id := r.ids.NewID()
	_, err := r.db.Exec(
		"INSERT INTO operations (id, operation, parameters, started_at) VALUES (?, ?, ?, ?)",
		id, operation, parameters, r.clock.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("recording operation: %w", err)
	}
	return id, nil
}

func (r *Repository) FinishOperation(id, status string) error {
	_, err := r.db.Exec(
		"UPDATE operations SET status = ?, finished_at = ? WHERE id = ?",
		status, r.clock.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("recording operation outcome: %w", err)
	}
	return nil
}

// Operations returns the recorded operations, most recent first.
func (r *Repository) Operations(limit int) ([]model.Operation, error) {
	rows, err := r.db.Query(
		"SELECT id, operation, parameters, status, started_at, COALESCE(finished_at, 0) FROM operations ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("loading operations: %w", err)
	}
	defer rows.Close()

	var out []model.Operation
	for rows.Next() {
		var op model.Operation
		var started, finished int64
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("loading operations: %w", err)
		}
		op.StartedAt = time.Unix(started, 0)
		if finished != 0 {
			op.FinishedAt = time.Unix(finished, 0)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
