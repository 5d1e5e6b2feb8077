// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/storage/postgres/migrations"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool used by the stores.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// NewPool connects a pgx pool using cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ArticleStore writes articles, products and their links into Postgres.
// The search_text column carries the plain-text rendering used for search.
type ArticleStore struct {
	pool Pool
}

var (
	_ kb.ArticleStore  = (*ArticleStore)(nil)
	_ kb.SchemaManager = (*ArticleStore)(nil)
)

// NewArticleStore connects to Postgres using cfg.
func NewArticleStore(ctx context.Context, cfg Config) (*ArticleStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ArticleStore{pool: pool}, nil
}

// NewArticleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArticleStoreWithPool(pool Pool) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArticleStore{pool: pool}, nil
}

// Runs returns a run repository sharing the store's pool.
func (s *ArticleStore) Runs() *RunStore {
	return &RunStore{pool: s.pool}
}

// Ping checks that the database is reachable.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate applies every embedded migration newer than the recorded version.
func (s *ArticleStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
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
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		script, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, version, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *ArticleStore) applyMigration(ctx context.Context, version int, script string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, script); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// BackfillSearch fills search_text for rows written without it.
func (s *ArticleStore) BackfillSearch(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE articles SET search_text = COALESCE(content, '') WHERE search_text IS NULL")
	if err != nil {
		return 0, fmt.Errorf("backfill search text: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SearchStatus counts articles and those carrying search text.
func (s *ArticleStore) SearchStatus(ctx context.Context) (kb.SearchStatus, error) {
	var st kb.SearchStatus
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(search_text) FROM articles").Scan(&st.Articles, &st.Indexed); err != nil {
		return kb.SearchStatus{}, fmt.Errorf("read search status: %w", err)
	}
	return st, nil
}

// ExistingIDs lists every stored article number.
func (s *ArticleStore) ExistingIDs(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT kb_number FROM articles")
	if err != nil {
		return nil, fmt.Errorf("list article numbers: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan article number: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list article numbers: %w", err)
	}
	return ids, nil
}

// EnsureProduct returns the row id for name, inserting it when missing.
func (s *ArticleStore) EnsureProduct(ctx context.Context, name string) (int64, error) {
	const query = `
WITH ins AS (
	INSERT INTO products (name) VALUES ($1)
	ON CONFLICT (name) DO NOTHING
	RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM products WHERE name = $1
LIMIT 1`
	var id int64
	if err := s.pool.QueryRow(ctx, query, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure product %q: %w", name, err)
	}
	return id, nil
}

// Begin opens an article write transaction.
func (s *ArticleStore) Begin(ctx context.Context) (kb.ArticleTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &articleTx{tx: tx}, nil
}

// DeleteArticle removes an article; product links cascade.
func (s *ArticleStore) DeleteArticle(ctx context.Context, id int) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM articles WHERE kb_number = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete article %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

type articleTx struct {
	tx pgx.Tx
}

func (t *articleTx) Exists(ctx context.Context, id int) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM articles WHERE kb_number = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check article %d: %w", id, err)
	}
	return exists, nil
}

func (t *articleTx) InsertArticle(ctx context.Context, rec kb.ArticleRecord, createdAt time.Time) (int64, error) {
	const query = `
INSERT INTO articles (
	kb_number,
	title,
	content,
	article_id,
	updated_date,
	created_at,
	url,
	search_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
RETURNING id`
	searchText := rec.SearchText
	if searchText == "" {
		searchText = rec.Content
	}
	var rowID int64
	err := t.tx.QueryRow(ctx, query,
		rec.ID,
		rec.Title,
		rec.Content,
		nullable(rec.OfficialID),
		nullable(rec.UpdatedDate),
		createdAt,
		rec.URL,
		searchText,
	).Scan(&rowID)
	if err != nil {
		return 0, classify(fmt.Sprintf("insert article %d", rec.ID), err)
	}
	return rowID, nil
}

func (t *articleTx) LinkProduct(ctx context.Context, articleRowID, productID int64) error {
	if _, err := t.tx.Exec(ctx,
		"INSERT INTO article_products (article_id, product_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		articleRowID, productID); err != nil {
		return fmt.Errorf("link product %d: %w", productID, err)
	}
	return nil
}

func (t *articleTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify("commit article", err)
	}
	return nil
}

func (t *articleTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// classify wraps unique violations with kb.ErrAlreadyExists.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %w", op, kb.ErrAlreadyExists, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
