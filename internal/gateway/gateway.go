// Package gateway commits extracted articles to the article store exactly
// once. It keeps the shared set of known ids and the product cache that all
// workers use.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/metrics"
)

// Gateway is safe for concurrent use by any number of workers.
type Gateway struct {
	store  kb.ArticleStore
	clock  kb.Clock
	logger *zap.Logger

	knownMu sync.RWMutex
	known   map[int]struct{}

	productsMu sync.RWMutex
	products   map[string]int64
	// createMu serializes product creation on cache misses.
	createMu sync.Mutex
}

// New builds a Gateway over store. Call Load to seed the known ids.
func New(store kb.ArticleStore, clock kb.Clock, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:    store,
		clock:    clock,
		logger:   logger,
		known:    make(map[int]struct{}),
		products: make(map[string]int64),
	}
}

// Load seeds the known set with every id already in the store and returns its size.
func (g *Gateway) Load(ctx context.Context) (int, error) {
	ids, err := g.store.ExistingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load known ids: %w", err)
	}
	g.knownMu.Lock()
	defer g.knownMu.Unlock()
	for _, id := range ids {
		g.known[id] = struct{}{}
	}
	return len(g.known), nil
}

// Known reports whether id is already stored, without a database round trip.
func (g *Gateway) Known(id int) bool {
	g.knownMu.RLock()
	defer g.knownMu.RUnlock()
	_, ok := g.known[id]
	return ok
}

func (g *Gateway) markKnown(id int) {
	g.knownMu.Lock()
	g.known[id] = struct{}{}
	g.knownMu.Unlock()
}

// Forget deletes the stored article for id so it can be ingested again.
func (g *Gateway) Forget(ctx context.Context, id int) (bool, error) {
	deleted, err := g.store.DeleteArticle(ctx, id)
	if err != nil {
		return false, err
	}
	g.knownMu.Lock()
	delete(g.known, id)
	g.knownMu.Unlock()
	return deleted, nil
}

// Commit writes rec with its product links in one transaction. A uniqueness
// conflict on the id is reported as OutcomeAlreadyExists with a nil error.
func (g *Gateway) Commit(ctx context.Context, rec kb.ArticleRecord) (kb.Outcome, error) {
	outcome, err := g.commit(ctx, rec)
	metrics.ObserveCommit(string(outcome))
	return outcome, err
}

func (g *Gateway) commit(ctx context.Context, rec kb.ArticleRecord) (kb.Outcome, error) {
	if g.Known(rec.ID) {
		return kb.OutcomeAlreadyExists, nil
	}

	// Products are resolved before the article transaction opens so that no
	// worker waits on createMu while holding a store transaction.
	productIDs, err := g.resolveProducts(ctx, rec.Products)
	if err != nil {
		return kb.OutcomeFailed, err
	}

	tx, err := g.store.Begin(ctx)
	if err != nil {
		return kb.OutcomeFailed, err
	}

	exists, err := tx.Exists(ctx, rec.ID)
	if err != nil {
		return g.abort(ctx, tx, rec.ID, err)
	}
	if exists {
		g.rollback(ctx, tx, rec.ID)
		g.markKnown(rec.ID)
		return kb.OutcomeAlreadyExists, nil
	}

	rowID, err := tx.InsertArticle(ctx, rec, g.clock.Now())
	if err != nil {
		return g.abort(ctx, tx, rec.ID, err)
	}
	for _, productID := range productIDs {
		if err := tx.LinkProduct(ctx, rowID, productID); err != nil {
			return g.abort(ctx, tx, rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return g.abort(ctx, tx, rec.ID, err)
	}

	g.markKnown(rec.ID)
	return kb.OutcomeInserted, nil
}

// abort rolls tx back and classifies err.
func (g *Gateway) abort(ctx context.Context, tx kb.ArticleTx, id int, err error) (kb.Outcome, error) {
	g.rollback(ctx, tx, id)
	if errors.Is(err, kb.ErrAlreadyExists) {
		g.logger.Debug("article inserted concurrently", zap.Int("kb", id))
		g.markKnown(id)
		return kb.OutcomeAlreadyExists, nil
	}
	return kb.OutcomeFailed, err
}

func (g *Gateway) rollback(ctx context.Context, tx kb.ArticleTx, id int) {
	if err := tx.Rollback(ctx); err != nil {
		g.logger.Warn("rollback failed", zap.Int("kb", id), zap.Error(err))
	}
}

func (g *Gateway) resolveProducts(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := g.productID(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// productID returns the cached row id for name. On a miss it takes createMu,
// checks the cache again and only then asks the store.
func (g *Gateway) productID(ctx context.Context, name string) (int64, error) {
	if id, ok := g.cachedProduct(name); ok {
		return id, nil
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	if id, ok := g.cachedProduct(name); ok {
		return id, nil
	}
	id, err := g.store.EnsureProduct(ctx, name)
	if err != nil {
		return 0, err
	}
	g.productsMu.Lock()
	g.products[name] = id
	g.productsMu.Unlock()
	return id, nil
}

func (g *Gateway) cachedProduct(name string) (int64, bool) {
	g.productsMu.RLock()
	defer g.productsMu.RUnlock()
	id, ok := g.products[name]
	return id, ok
}

// CachedProducts reports the number of product names in the cache.
func (g *Gateway) CachedProducts() int {
	g.productsMu.RLock()
	defer g.productsMu.RUnlock()
	return len(g.products)
}
