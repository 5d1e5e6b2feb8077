package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dankin/vmware-kb/internal/kb"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "data", "kb.db")})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func sampleRecord(id int) kb.ArticleRecord {
	return kb.ArticleRecord{
		ID:          id,
		Title:       "vCenter upgrade fails",
		Content:     `<div class="wolken-content-container"><p>Apply the patch.</p></div>`,
		OfficialID:  "318000",
		UpdatedDate: "2024-03-01",
		URL:         fmt.Sprintf("https://kb.example.com/article/%d", id),
		Products:    []string{"VMware vCenter Server"},
		SearchText:  "Apply the patch.",
	}
}

func insert(t *testing.T, store *Store, rec kb.ArticleRecord) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	rowID, err := tx.InsertArticle(ctx, rec, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return rowID
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, second.Close()) })

	var versions int
	require.NoError(t, second.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 3, versions)

	for _, table := range []string{"articles", "products", "article_products", "articles_fts", "crawl_runs"} {
		var name string
		err := second.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestInsertArticleWritesSearchRow(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	ctx := context.Background()
	rowID := insert(t, store, sampleRecord(1001))

	ids, err := store.ExistingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1001}, ids)

	var hit int64
	err = store.db.QueryRowContext(ctx,
		"SELECT rowid FROM articles_fts WHERE articles_fts MATCH ?", `"patch"`).Scan(&hit)
	require.NoError(t, err)
	assert.Equal(t, rowID, hit)

	st, err := store.SearchStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Synced())
	assert.Equal(t, int64(1), st.Articles)
}

func TestInsertArticleStoresEmptyOptionalFieldsAsNull(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	rec := sampleRecord(1002)
	rec.OfficialID = ""
	rec.UpdatedDate = ""
	insert(t, store, rec)

	var nulls int
	err := store.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM articles WHERE article_id IS NULL AND updated_date IS NULL").Scan(&nulls)
	require.NoError(t, err)
	assert.Equal(t, 1, nulls)
}

func TestTxExistsAndDuplicateInsert(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	ctx := context.Background()
	insert(t, store, sampleRecord(2002))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	ok, err := tx.Exists(ctx, 2002)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.Exists(ctx, 2003)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tx.InsertArticle(ctx, sampleRecord(2002), time.Now())
	require.ErrorIs(t, err, kb.ErrAlreadyExists)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
}

func TestEnsureProductIsCaseSensitive(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureProduct(ctx, "VMware vSphere")
	require.NoError(t, err)
	again, err := store.EnsureProduct(ctx, "VMware vSphere")
	require.NoError(t, err)
	upper, err := store.EnsureProduct(ctx, "VMWARE VSPHERE")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, upper)
}

func TestLinkProductAndDeleteArticle(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	ctx := context.Background()

	productID, err := store.EnsureProduct(ctx, "VMware NSX")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	rowID, err := tx.InsertArticle(ctx, sampleRecord(3003), time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.LinkProduct(ctx, rowID, productID))
	require.NoError(t, tx.LinkProduct(ctx, rowID, productID))
	require.NoError(t, tx.Commit(ctx))

	var links int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM article_products").Scan(&links))
	assert.Equal(t, 1, links)

	deleted, err := store.DeleteArticle(ctx, 3003)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteArticle(ctx, 3003)
	require.NoError(t, err)
	assert.False(t, deleted)

	st, err := store.SearchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, kb.SearchStatus{}, st)

	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM article_products").Scan(&links))
	assert.Zero(t, links)

	var products int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&products))
	assert.Equal(t, 1, products)
}

func TestBackfillSearch(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	ctx := context.Background()
	insert(t, store, sampleRecord(4001))

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO articles (kb_number, title, content, created_at, url)
		VALUES (4002, 'Legacy row', NULL, CURRENT_TIMESTAMP, 'u')`)
	require.NoError(t, err)

	st, err := store.SearchStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Synced())

	n, err := store.BackfillSearch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.BackfillSearch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err = store.SearchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, kb.SearchStatus{Articles: 2, Indexed: 2}, st)
}
