package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// Stat reads one row.
func (a *Adapter) Stat(ctx context.Context, path string) (*models.Stats, error) {
	r, ok, err := a.lookup(ctx, a.db, path)
	if err != nil {
		return nil, wrap("stat", path, err)
	}
	if !ok {
		return nil, fserrors.New("stat", path, fserrors.KindNotFound, nil)
	}
	return r.stats(), nil
}

// ReadFile returns a file row's contents.
func (a *Adapter) ReadFile(ctx context.Context, path string, opts adapter.ReadOptions) ([]byte, *models.Stats, error) {
	r := row{path: path}
	var data []byte
	err := a.db.QueryRowContext(ctx, a.q(
		`SELECT is_dir, size, mtime_ns, version, data FROM %s WHERE path = ?`), path).
		Scan(&r.isDir, &r.size, &r.mtimeNs, &r.version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotFound, nil)
	}
	if err != nil {
		return nil, nil, wrap("read", path, err)
	}
	if r.isDir {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable, errors.New("is a directory"))
	}
	if opts.MaxSize > 0 && r.size > opts.MaxSize {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable,
			fmt.Errorf("file size %d exceeds limit %d", r.size, opts.MaxSize))
	}
	if data == nil {
		data = []byte{}
	}
	return data, r.stats(), nil
}

// ensureParents creates every missing ancestor of path inside tx and
// returns the ones it created, outermost first.
func (a *Adapter) ensureParents(ctx context.Context, tx *sql.Tx, op, path string, now int64) ([]row, error) {
	var missing []string
	for p := parentOf(path); p != ""; p = parentOf(p) {
		r, ok, err := a.lookup(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			if !r.isDir {
				return nil, fserrors.New(op, path, fserrors.KindNotFound, fmt.Errorf("%s is not a directory", p))
			}
			break
		}
		missing = append(missing, p)
	}

	created := make([]row, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		if _, err := tx.ExecContext(ctx, a.q(
			`INSERT INTO %s (path, parent, is_dir, mtime_ns) VALUES (?, ?, ?, ?)`),
			p, parentOf(p), true, now); err != nil {
			return nil, err
		}
		created = append(created, row{path: p, isDir: true, mtimeNs: now, version: 1})
	}
	return created, nil
}

// WriteFile upserts a file row and any missing parents in one transaction.
func (a *Adapter) WriteFile(ctx context.Context, path string, data []byte, opts adapter.WriteOptions) (*models.Stats, error) {
	now := time.Now().UnixNano()
	var parents []row
	var written row
	existed := false

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		cur, ok, err := a.lookup(ctx, tx, path)
		if err != nil {
			return err
		}
		if ok && cur.isDir {
			return fserrors.New("write", path, fserrors.KindPermissionDenied, errors.New("is a directory"))
		}
		if ok {
			if err := adapter.CheckHash(path, cur.stats(), opts); err != nil {
				return err
			}
		}
		existed = ok

		if parents, err = a.ensureParents(ctx, tx, "write", path, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, a.q(
			`INSERT INTO %[1]s (path, parent, is_dir, data, size, mtime_ns, version)
			 VALUES (?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT (path) DO UPDATE SET
			   data = excluded.data, size = excluded.size,
			   mtime_ns = excluded.mtime_ns, version = %[1]s.version + 1`),
			path, parentOf(path), false, data, int64(len(data)), now); err != nil {
			return err
		}

		written, _, err = a.lookup(ctx, tx, path)
		return err
	})
	if err != nil {
		return nil, wrap("write", path, err)
	}

	for _, p := range parents {
		a.record(models.EventCreated, p.path, p.stats())
	}
	stats := written.stats()
	kind := models.EventCreated
	if existed {
		kind = models.EventModified
	}
	a.record(kind, path, stats)
	return stats, nil
}

// Readdir lists the rows whose parent is path.
func (a *Adapter) Readdir(ctx context.Context, path string) ([]adapter.DirEntry, error) {
	dir, ok, err := a.lookup(ctx, a.db, path)
	if err != nil {
		return nil, wrap("readdir", path, err)
	}
	if !ok || !dir.isDir {
		return nil, fserrors.New("readdir", path, fserrors.KindNotFound, nil)
	}

	rows, err := a.db.QueryContext(ctx, a.q(
		`SELECT path, is_dir, size, mtime_ns, version FROM %s WHERE parent = ? ORDER BY path`), path)
	if err != nil {
		return nil, wrap("readdir", path, err)
	}
	defer rows.Close()

	var entries []adapter.DirEntry
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.isDir, &r.size, &r.mtimeNs, &r.version); err != nil {
			return nil, wrap("readdir", path, err)
		}
		entries = append(entries, adapter.DirEntry{Name: vpath.Name(r.path), Stats: r.stats()})
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("readdir", path, err)
	}
	return entries, nil
}

// Mkdir inserts a directory row and any missing parents.
func (a *Adapter) Mkdir(ctx context.Context, path string) (*models.Stats, error) {
	now := time.Now().UnixNano()
	var parents []row

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		_, ok, err := a.lookup(ctx, tx, path)
		if err != nil {
			return err
		}
		if ok {
			return fserrors.New("mkdir", path, fserrors.KindPathExists, nil)
		}
		if parents, err = a.ensureParents(ctx, tx, "mkdir", path, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, a.q(
			`INSERT INTO %s (path, parent, is_dir, mtime_ns) VALUES (?, ?, ?, ?)`),
			path, parentOf(path), true, now)
		return err
	})
	if err != nil {
		return nil, wrap("mkdir", path, err)
	}

	for _, p := range parents {
		a.record(models.EventCreated, p.path, p.stats())
	}
	stats := row{path: path, isDir: true, mtimeNs: now, version: 1}.stats()
	a.record(models.EventCreated, path, stats)
	return stats, nil
}

// Rename re-keys a row and its descendants in one transaction.
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) (*models.Stats, error) {
	if vpath.Contains(oldPath, newPath) {
		return nil, fserrors.New("rename", newPath, fserrors.KindIO, errors.New("cannot move a directory into itself"))
	}

	now := time.Now().UnixNano()
	var moved row
	var parents []row

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		src, ok, err := a.lookup(ctx, tx, oldPath)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New("rename", oldPath, fserrors.KindNotFound, nil)
		}
		if _, exists, err := a.lookup(ctx, tx, newPath); err != nil {
			return err
		} else if exists {
			return fserrors.New("rename", newPath, fserrors.KindPathExists, nil)
		}
		if parents, err = a.ensureParents(ctx, tx, "rename", newPath, now); err != nil {
			return err
		}

		var children []string
		if src.isDir {
			if children, err = a.descendants(ctx, tx, oldPath); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, a.q(
			`UPDATE %s SET path = ?, parent = ?, mtime_ns = ? WHERE path = ?`),
			newPath, parentOf(newPath), now, oldPath); err != nil {
			return err
		}
		for _, child := range children {
			dst, _ := vpath.Rebase(child, oldPath, newPath)
			if _, err := tx.ExecContext(ctx, a.q(
				`UPDATE %s SET path = ?, parent = ? WHERE path = ?`),
				dst, parentOf(dst), child); err != nil {
				return err
			}
		}

		moved, _, err = a.lookup(ctx, tx, newPath)
		return err
	})
	if err != nil {
		return nil, wrap("rename", oldPath, err)
	}

	for _, p := range parents {
		a.record(models.EventCreated, p.path, p.stats())
	}
	stats := moved.stats()
	a.poller.Observe(oldPath, nil)
	a.poller.Observe(newPath, stats)
	a.events.Emit(models.RawEvent{Kind: models.EventRenamed, Path: oldPath, NewPath: newPath, Stats: stats})
	return stats, nil
}

func (a *Adapter) descendants(ctx context.Context, tx *sql.Tx, path string) ([]string, error) {
	lo, hi := subtreeBounds(path)
	rows, err := tx.QueryContext(ctx, a.q(
		`SELECT path FROM %s WHERE path > ? AND path < ? ORDER BY path`), lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Unlink deletes a row and everything below it.
func (a *Adapter) Unlink(ctx context.Context, path string) error {
	if path == "/" {
		return fserrors.New("unlink", path, fserrors.KindPermissionDenied, errors.New("cannot remove the volume root"))
	}

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		_, ok, err := a.lookup(ctx, tx, path)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New("unlink", path, fserrors.KindNotFound, nil)
		}
		lo, hi := subtreeBounds(path)
		_, err = tx.ExecContext(ctx, a.q(
			`DELETE FROM %s WHERE path = ? OR (path > ? AND path < ?)`), path, lo, hi)
		return err
	})
	if err != nil {
		return wrap("unlink", path, err)
	}

	a.poller.Observe(path, nil)
	a.events.Emit(models.RawEvent{Kind: models.EventRemoved, Path: path})
	return nil
}

// record reports a change this adapter made and keeps the poller from
// reporting it again.
func (a *Adapter) record(kind models.EventKind, path string, stats *models.Stats) {
	a.poller.Observe(path, stats)
	a.events.Emit(models.RawEvent{Kind: kind, Path: path, Stats: stats})
}
