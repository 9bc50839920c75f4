package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable record store. Each collection maps to a table
// of the same name with (key, value, updated_at) columns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN so read-modify-write
	// transactions in Update cannot interleave.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+collection+` WHERE key = ?`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", collection, err)
	}
	return value, nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.Prefix != "" {
		// substr counts characters, so the length must come from SQLite too.
		where = append(where, "substr(key, 1, length(?)) = ?")
		args = append(args, q.Prefix, q.Prefix)
	}
	if q.Before != "" {
		where = append(where, "key < ?")
		args = append(args, q.Before)
	}

	query := `SELECT key, value FROM ` + collection
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Descending {
		query += " ORDER BY key DESC"
	} else {
		query += " ORDER BY key ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := checkCall(ctx, collection); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+collection+` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) ([]byte, error) {
	if err := checkCall(ctx, collection); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM `+collection+` WHERE key = ?`, key).Scan(&cur)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read %s: %w", collection, err)
		}
		exists = false
	}

	next, err := fn(cur, exists)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+collection+` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, next, time.Now().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("write %s: %w", collection, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	if err := checkCall(ctx, collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+collection+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	return nil
}
