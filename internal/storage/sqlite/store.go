// Package sqlite stores articles in a single SQLite file. Every article row
// has a companion row in the articles_fts full-text table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/storage/sqlite/migrations"
)

// DefaultBusyTimeout is how long a statement waits for a locked database.
const DefaultBusyTimeout = 30 * time.Second

// Config locates the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is the SQLite article store.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ kb.ArticleStore  = (*Store)(nil)
	_ kb.SchemaManager = (*Store)(nil)
)

// Open opens or creates the database at cfg.Path and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(DELETE)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Migrate applies every embedded migration newer than the recorded version.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, version, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return err
	}
	return tx.Commit()
}

// BackfillSearch indexes articles that have no full-text row and reports how many were added.
func (s *Store) BackfillSearch(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO articles_fts (rowid, kb_number, title, content)
		SELECT id, kb_number, title, COALESCE(content, '')
		FROM articles
		WHERE id NOT IN (SELECT rowid FROM articles_fts)
	`)
	if err != nil {
		return 0, fmt.Errorf("backfilling search index: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfilling search index: %w", err)
	}
	return n, nil
}

// SearchStatus compares the article count with the full-text row count.
func (s *Store) SearchStatus(ctx context.Context) (kb.SearchStatus, error) {
	var st kb.SearchStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM articles), (SELECT COUNT(*) FROM articles_fts)
	`).Scan(&st.Articles, &st.Indexed)
	if err != nil {
		return kb.SearchStatus{}, fmt.Errorf("reading search status: %w", err)
	}
	return st, nil
}

// ExistingIDs lists every stored article number.
func (s *Store) ExistingIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kb_number FROM articles")
	if err != nil {
		return nil, fmt.Errorf("listing article numbers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning article number: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing article numbers: %w", err)
	}
	return ids, nil
}

// EnsureProduct returns the row id for name, inserting it when missing.
// Names are compared exactly.
func (s *Store) EnsureProduct(ctx context.Context, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO products (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name); err != nil {
		return 0, fmt.Errorf("inserting product %q: %w", name, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM products WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("loading product %q: %w", name, err)
	}
	return id, nil
}

// Begin opens an article write transaction.
func (s *Store) Begin(ctx context.Context) (kb.ArticleTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &articleTx{tx: tx}, nil
}

// DeleteArticle removes an article with its product links and search row.
func (s *Store) DeleteArticle(ctx context.Context, id int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rowID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM articles WHERE kb_number = ?", id).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up article %d: %w", id, err)
	}

	for _, stmt := range []string{
		"DELETE FROM article_products WHERE article_id = ?",
		"DELETE FROM articles_fts WHERE rowid = ?",
		"DELETE FROM articles WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, rowID); err != nil {
			return false, fmt.Errorf("deleting article %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("deleting article %d: %w", id, err)
	}
	return true, nil
}

type articleTx struct {
	tx *sql.Tx
}

func (t *articleTx) Exists(ctx context.Context, id int) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM articles WHERE kb_number = ? LIMIT 1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking article %d: %w", id, err)
	}
	return true, nil
}

func (t *articleTx) InsertArticle(ctx context.Context, rec kb.ArticleRecord, createdAt time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO articles (kb_number, title, content, article_id, updated_date, created_at, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Content, nullable(rec.OfficialID), nullable(rec.UpdatedDate), createdAt, rec.URL)
	if err != nil {
		return 0, classify(fmt.Sprintf("inserting article %d", rec.ID), err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting article %d: %w", rec.ID, err)
	}

	searchText := rec.SearchText
	if searchText == "" {
		searchText = rec.Content
	}
	if _, err := t.tx.ExecContext(ctx,
		"INSERT INTO articles_fts (rowid, kb_number, title, content) VALUES (?, ?, ?, ?)",
		rowID, rec.ID, rec.Title, searchText); err != nil {
		return 0, fmt.Errorf("indexing article %d: %w", rec.ID, err)
	}
	return rowID, nil
}

func (t *articleTx) LinkProduct(ctx context.Context, articleRowID, productID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO article_products (article_id, product_id) VALUES (?, ?)",
		articleRowID, productID); err != nil {
		return fmt.Errorf("linking product %d: %w", productID, err)
	}
	return nil
}

func (t *articleTx) Commit(_ context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classify("committing article", err)
	}
	return nil
}

func (t *articleTx) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back: %w", err)
	}
	return nil
}

// classify wraps uniqueness violations with kb.ErrAlreadyExists.
func classify(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, kb.ErrAlreadyExists, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
