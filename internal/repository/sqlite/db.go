package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) a sqlite database at the given path and ensures directories exist.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// a single connection serializes writes from concurrent workers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Repositories bundles the sqlite-backed repositories sharing one database.
type Repositories struct {
	Sessions *SessionRepository
	Items    *ItemRepository
}

// NewRepositories creates the schema and returns the repositories.
func NewRepositories(ctx context.Context, db *sql.DB) (*Repositories, error) {
	repos := &Repositories{
		Sessions: NewSessionRepository(db),
		Items:    NewItemRepository(db),
	}
	if err := repos.Sessions.Init(ctx); err != nil {
		return nil, fmt.Errorf("init session repository: %w", err)
	}
	if err := repos.Items.Init(ctx); err != nil {
		return nil, fmt.Errorf("init item repository: %w", err)
	}
	return repos, nil
}
