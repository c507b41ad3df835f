package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// sqliteBackend keeps one table per dataset. AUTOINCREMENT guarantees rowids
// are never reused, so keys keep growing across Clear. SQLite rowids start at 1;
// keys are rowid-1.
type sqliteBackend struct {
	db    *sql.DB
	path  string
	table string
}

func openSQLite(ctx context.Context, path, table string) (*sqliteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 250`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		channels INTEGER NOT NULL,
		pix BLOB NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create table %s", table)
	}
	return &sqliteBackend{db: db, path: path, table: table}, nil
}

func (b *sqliteBackend) add(ctx context.Context, label string, img Image) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO %q (label, width, height, channels, pix) VALUES (?, ?, ?, ?, ?)`, b.table)
	res, err := b.db.ExecContext(ctx, q, label, img.Width, img.Height, img.Channels, img.Pix)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id - 1, nil
}

func (b *sqliteBackend) getRange(ctx context.Context, low, high int64) ([]Sample, error) {
	q := fmt.Sprintf(`SELECT id, label, width, height, channels, pix FROM %q WHERE id-1 BETWEEN ? AND ? ORDER BY id`, b.table)
	return b.query(ctx, q, low, high)
}

func (b *sqliteBackend) getAll(ctx context.Context) ([]Sample, error) {
	q := fmt.Sprintf(`SELECT id, label, width, height, channels, pix FROM %q ORDER BY id`, b.table)
	return b.query(ctx, q)
}

func (b *sqliteBackend) query(ctx context.Context, q string, args ...interface{}) ([]Sample, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var id int64
		if err := rows.Scan(&id, &s.Label, &s.Image.Width, &s.Image.Height, &s.Image.Channels, &s.Image.Pix); err != nil {
			return nil, err
		}
		s.Key = id - 1
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) count(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, b.table)).Scan(&n)
	return n, err
}

func (b *sqliteBackend) clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, b.table))
	return err
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}

func (b *sqliteBackend) destroy() error {
	if err := b.db.Close(); err != nil {
		return err
	}
	if b.path == ":memory:" {
		return nil
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(b.path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
