package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOpTimeout = 5 * time.Second

// SQLite stores keys in a single table of a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("get", err)
	}
	return v, true, nil
}

func (s *SQLite) Set(key, value string) error {
	return s.exec("set", `INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
}

func (s *SQLite) Remove(key string) error {
	return s.exec("remove", `DELETE FROM kv WHERE k = ?`, key)
}

func (s *SQLite) Clear() error {
	return s.exec("clear", `DELETE FROM kv`)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) exec(op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

func (s *SQLite) wrap(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w", op, err)
}
