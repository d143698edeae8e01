// Package sqlstore keeps a volume's tree in a single SQL table. PostgreSQL
// (lib/pq) and SQLite (modernc.org/sqlite) are supported. Every row is one
// file or directory keyed by its volume path; external writers are picked
// up by polling.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

const (
	defaultTable        = "vfs_nodes"
	defaultPollInterval = 10 * time.Second
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the JSON-serializable SQL adapter configuration.
type Config struct {
	Driver       string           `json:"driver"` // postgres, sqlite
	DSN          string           `json:"dsn"`
	Table        string           `json:"table"`
	PollInterval adapter.Duration `json:"poll_interval"`
}

type dialect struct {
	driver   string
	blobType string
	numbered bool // $1 placeholders instead of ?
}

var dialects = map[string]dialect{
	"postgres": {driver: "postgres", blobType: "BYTEA", numbered: true},
	"sqlite":   {driver: "sqlite", blobType: "BLOB"},
}

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Adapter implements adapter.Adapter on a SQL table.
type Adapter struct {
	db      *sql.DB
	dialect dialect
	table   string
	events  *adapter.Emitter
	poller  *adapter.Poller
	cancel  context.CancelFunc
}

// New opens the database, creates the table if needed, and ensures the
// root row exists.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d.driver == "sqlite" {
		// One connection keeps :memory: databases shared and serializes
		// writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	interval := cfg.PollInterval.Std()
	if interval <= 0 {
		interval = defaultPollInterval
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		db:      db,
		dialect: d,
		table:   table,
		events:  adapter.NewEmitter(),
		cancel:  cancel,
	}
	if err := a.migrate(ctx); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.poller = adapter.NewPoller(interval, a.scan, a.events.Emit)
	a.poller.Start(pollCtx)

	logging.Info("sql store opened", logging.String("driver", d.driver), logging.String("table", table))
	return a, nil
}

// NewFromJSON creates an Adapter from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Adapter, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse sql config: %w", err)
	}
	return New(ctx, cfg)
}

func (a *Adapter) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path     TEXT PRIMARY KEY,
		parent   TEXT NOT NULL,
		is_dir   BOOLEAN NOT NULL,
		data     %s,
		size     BIGINT NOT NULL DEFAULT 0,
		mtime_ns BIGINT NOT NULL,
		version  BIGINT NOT NULL DEFAULT 1
	)`, a.table, a.dialect.blobType)
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent)`, a.table, a.table)
	if _, err := a.db.ExecContext(ctx, index); err != nil {
		return err
	}

	_, err := a.db.ExecContext(ctx, a.q(
		`INSERT INTO %s (path, parent, is_dir, mtime_ns) VALUES (?, '', ?, ?) ON CONFLICT (path) DO NOTHING`),
		"/", true, time.Now().UnixNano())
	return err
}

// q formats the table name into query and rebinds its placeholders.
func (a *Adapter) q(query string) string {
	return a.dialect.rebind(fmt.Sprintf(query, a.table))
}

// Type returns "sqlstore".
func (a *Adapter) Type() string { return "sqlstore" }

// DB returns the underlying connection pool.
func (a *Adapter) DB() *sql.DB { return a.db }

// Events returns the change channel.
func (a *Adapter) Events() <-chan models.RawEvent {
	return a.events.Events()
}

// WatchPath starts polling the rows under path.
func (a *Adapter) WatchPath(path string) error {
	if err := a.poller.Add(context.Background(), path); err != nil {
		return wrap("watch", path, err)
	}
	return nil
}

// UnwatchPath stops polling path.
func (a *Adapter) UnwatchPath(path string) error {
	a.poller.Remove(path)
	return nil
}

// Close stops polling and closes the database.
func (a *Adapter) Close() error {
	a.cancel()
	a.poller.Stop()
	a.events.Close()
	return a.db.Close()
}

// row is one node as stored.
type row struct {
	path    string
	isDir   bool
	size    int64
	mtimeNs int64
	version int64
}

func (r row) stats() *models.Stats {
	return models.NewStats(models.StatsOptions{
		IsFile:  !r.isDir,
		ModTime: time.Unix(0, r.mtimeNs),
		Size:    r.size,
		Hash:    fmt.Sprintf("%d:%d", r.version, r.mtimeNs),
	})
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *Adapter) lookup(ctx context.Context, db querier, path string) (row, bool, error) {
	r := row{path: path}
	err := db.QueryRowContext(ctx, a.q(
		`SELECT is_dir, size, mtime_ns, version FROM %s WHERE path = ?`), path).
		Scan(&r.isDir, &r.size, &r.mtimeNs, &r.version)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// subtreeBounds returns the half-open key range holding every descendant
// of path. '0' is the byte after '/'.
func subtreeBounds(path string) (string, string) {
	if path == "/" {
		return "/", "0"
	}
	return path + "/", path + "0"
}

func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// scan returns the rows at and below root for the poller.
func (a *Adapter) scan(ctx context.Context, root string) (adapter.Snapshot, error) {
	lo, hi := subtreeBounds(root)
	rows, err := a.db.QueryContext(ctx, a.q(
		`SELECT path, is_dir, size, mtime_ns, version FROM %s WHERE path = ? OR (path > ? AND path < ?)`),
		root, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(adapter.Snapshot)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.isDir, &r.size, &r.mtimeNs, &r.version); err != nil {
			return nil, err
		}
		if r.path == "/" && root != "/" {
			continue
		}
		snap[r.path] = r.stats()
	}
	return snap, rows.Err()
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		return err
	}
	return fserrors.New(op, path, fserrors.KindIO, err)
}

func parentOf(path string) string {
	if path == "/" {
		return ""
	}
	return vpath.AsFile(vpath.Parent(path))
}
