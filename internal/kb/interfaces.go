package kb

import (
	"context"
	"time"
)

// Fetcher retrieves the raw page for an article id.
type Fetcher interface {
	Fetch(ctx context.Context, id int) (RawPage, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Publisher sends notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ArticleStore persists articles and products.
type ArticleStore interface {
	// ExistingIDs lists every article id already stored.
	ExistingIDs(ctx context.Context) ([]int, error)
	// EnsureProduct returns the row id for name, creating the row if needed.
	EnsureProduct(ctx context.Context, name string) (int64, error)
	// Begin opens a write transaction.
	Begin(ctx context.Context) (ArticleTx, error)
	// DeleteArticle removes an article and its associations. It reports whether a row existed.
	DeleteArticle(ctx context.Context, id int) (bool, error)
	Close() error
}

// ArticleTx is a single article write. InsertArticle and Commit return an
// error wrapping ErrAlreadyExists on a uniqueness violation.
type ArticleTx interface {
	Exists(ctx context.Context, id int) (bool, error)
	InsertArticle(ctx context.Context, rec ArticleRecord, createdAt time.Time) (int64, error)
	LinkProduct(ctx context.Context, articleRowID, productID int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SchemaManager applies the store schema and repairs the full-text rows.
type SchemaManager interface {
	Migrate(ctx context.Context) error
	// BackfillSearch indexes articles missing from the search table and
	// reports how many rows were added.
	BackfillSearch(ctx context.Context) (int64, error)
	SearchStatus(ctx context.Context) (SearchStatus, error)
}
