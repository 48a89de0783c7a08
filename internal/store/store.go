// Package store owns all persisted state: articles, entities, CVEs, groups,
// trends, memberships, and exemplars. Every write primitive accepts an
// optional caller-owned transaction; absent one, it opens and commits its
// own. SQLite single-writer semantics apply throughout.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrBusy is returned when SQLite reports a lock conflict. Callers may
// retry the unit of work.
var ErrBusy = errors.New("store: database is busy")

// Execer is the subset of *sql.DB and *sql.Tx that write primitives use.
// Passing a *sql.Tx lets a caller group several primitives into one
// transaction; passing nil makes each primitive self-contained.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (creating if necessary) the database at path and ensures the
// schema exists. A schema failure here is fatal to the caller.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent writes surface as ErrBusy otherwise.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// initialize creates the necessary tables
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS articles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			link TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			published_date TEXT,
			source TEXT NOT NULL,
			processed_date TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS article_authors (
			article_id INTEGER NOT NULL,
			author TEXT NOT NULL,
			UNIQUE (article_id, author),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS entity_profiles (
			entity_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			description TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			mention_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (entity_name, entity_type)
		);`,

		`CREATE TABLE IF NOT EXISTS article_entities (
			article_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			relevance_score REAL NOT NULL DEFAULT 0.5,
			context TEXT,
			UNIQUE (article_id, entity_id),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE,
			FOREIGN KEY (entity_id) REFERENCES entity_profiles (entity_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS article_companies (
			article_id INTEGER NOT NULL,
			company_name TEXT NOT NULL,
			UNIQUE (article_id, company_name),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS article_cves (
			article_id INTEGER NOT NULL,
			cve_id TEXT NOT NULL,
			published_date TEXT,
			UNIQUE (article_id, cve_id),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS cve_info (
			cve_id TEXT PRIMARY KEY,
			base_score REAL,
			has_base_score INTEGER NOT NULL DEFAULT 0,
			vendor TEXT,
			affected_products TEXT,
			cve_url TEXT,
			vendor_link TEXT,
			solution TEXT,
			raw_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS groups (
			group_id INTEGER PRIMARY KEY AUTOINCREMENT,
			main_topic TEXT NOT NULL,
			sub_topic TEXT,
			group_label TEXT NOT NULL,
			description TEXT,
			consistency_score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		// article_id is the primary key: an article belongs to at most one
		// group at any instant.
		`CREATE TABLE IF NOT EXISTS group_memberships (
			article_id INTEGER PRIMARY KEY,
			group_id INTEGER NOT NULL,
			added_at TEXT NOT NULL,
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE,
			FOREIGN KEY (group_id) REFERENCES groups (group_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS group_entities (
			group_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			relevance_score REAL NOT NULL DEFAULT 0.5,
			UNIQUE (group_id, entity_id),
			FOREIGN KEY (group_id) REFERENCES groups (group_id) ON DELETE CASCADE,
			FOREIGN KEY (entity_id) REFERENCES entity_profiles (entity_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS trending_groups (
			trend_id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			trend_label TEXT NOT NULL,
			summary TEXT,
			importance_score REAL NOT NULL DEFAULT 5,
			confidence_score REAL NOT NULL DEFAULT 0.5,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS trending_group_memberships (
			trend_id INTEGER NOT NULL,
			article_id INTEGER NOT NULL,
			UNIQUE (trend_id, article_id),
			FOREIGN KEY (trend_id) REFERENCES trending_groups (trend_id) ON DELETE CASCADE,
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS trend_entities (
			trend_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			relevance_score REAL NOT NULL DEFAULT 0.5,
			UNIQUE (trend_id, entity_id),
			FOREIGN KEY (trend_id) REFERENCES trending_groups (trend_id) ON DELETE CASCADE,
			FOREIGN KEY (entity_id) REFERENCES entity_profiles (entity_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS exemplar_groups (
			exemplar_id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			pattern_name TEXT NOT NULL,
			pattern_description TEXT,
			success_score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (category, pattern_name)
		);`,

		`CREATE TABLE IF NOT EXISTS exemplar_articles (
			exemplar_id INTEGER NOT NULL,
			article_id INTEGER NOT NULL,
			UNIQUE (exemplar_id, article_id),
			FOREIGN KEY (exemplar_id) REFERENCES exemplar_groups (exemplar_id) ON DELETE CASCADE,
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS article_external_references (
			article_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			domain TEXT,
			ref_type TEXT,
			UNIQUE (article_id, url),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS named_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_name TEXT NOT NULL UNIQUE,
			event_type TEXT,
			cve_ids TEXT
		);`,

		`CREATE TABLE IF NOT EXISTS article_events (
			article_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			UNIQUE (article_id, event_id),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE,
			FOREIGN KEY (event_id) REFERENCES named_events (event_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS quotes (
			quote_id INTEGER PRIMARY KEY AUTOINCREMENT,
			quote_text TEXT NOT NULL,
			speaker TEXT
		);`,

		`CREATE TABLE IF NOT EXISTS article_quotes (
			article_id INTEGER NOT NULL,
			quote_id INTEGER NOT NULL,
			UNIQUE (article_id, quote_id),
			FOREIGN KEY (article_id) REFERENCES articles (id) ON DELETE CASCADE,
			FOREIGN KEY (quote_id) REFERENCES quotes (quote_id) ON DELETE CASCADE
		);`,

		`CREATE INDEX IF NOT EXISTS idx_articles_published ON articles (published_date);`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_group ON group_memberships (group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_article_entities_entity ON article_entities (entity_id);`,
		`CREATE INDEX IF NOT EXISTS idx_article_cves_cve ON article_cves (cve_id);`,
	}

	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec resolves the Execer for a write primitive: the caller's transaction
// when one was injected, otherwise the database itself.
func (s *Store) exec(tx Execer) Execer {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error. On a busy database it retries once after a short delay
// before surfacing ErrBusy.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	err := s.runTx(fn)
	if errors.Is(err, ErrBusy) {
		time.Sleep(100 * time.Millisecond)
		err = s.runTx(fn)
	}
	return err
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr converts SQLite lock errors into ErrBusy so callers can retry.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}
