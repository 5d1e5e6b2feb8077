// Package worker runs the per-id ingestion pipeline: fetch, extract, localize
// assets, commit and notify.
package worker

import (
	"context"
	"errors"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/assets"
	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/telemetry"
)

// Extractor turns a fetched page into a record.
type Extractor interface {
	Extract(page kb.RawPage) (kb.ArticleRecord, *goquery.Document, error)
	SearchText(content string) string
}

// Localizer copies referenced assets locally and rewrites the body.
type Localizer interface {
	LocalizeImages(ctx context.Context, body string, id int) (string, map[string]string)
	LocalizeAttachments(ctx context.Context, body string, id int, pageURL string, doc *goquery.Document) (string, []assets.Resolved)
}

// Committer is the store gateway seen by a worker.
type Committer interface {
	Known(id int) bool
	Commit(ctx context.Context, rec kb.ArticleRecord) (kb.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives kb.ArticleInserted notifications; empty disables them.
	Topic string
}

// Deps are the collaborators of a Worker. Fetcher and Localizer belong to
// this worker alone; the rest may be shared.
type Deps struct {
	Fetcher   kb.Fetcher
	Extractor Extractor
	Localizer Localizer
	Gateway   Committer
	Publisher kb.Publisher
	Clock     kb.Clock
	Tracer    trace.Tracer
}

// Worker processes one id at a time. It is not safe for concurrent use.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger}
}

// Process resolves id to exactly one of success, skipped or failed. The
// caller reports the result.
func (w *Worker) Process(ctx context.Context, id int) kb.Result {
	start := w.deps.Clock.Now()
	ctx, span := w.deps.Tracer.Start(ctx, "worker.Process", trace.WithAttributes(attribute.Int("kb.id", id)))
	defer span.End()

	res := w.process(ctx, id)
	res.ID = id
	res.Duration = w.deps.Clock.Now().Sub(start)

	span.SetAttributes(
		attribute.String("kb.status", string(res.Status)),
		attribute.Int("kb.attempts", res.Attempts),
	)
	if res.Status == kb.StatusFailed && res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (w *Worker) process(ctx context.Context, id int) kb.Result {
	if w.deps.Gateway.Known(id) {
		return kb.Result{Status: kb.StatusSkipped}
	}

	page, err := w.deps.Fetcher.Fetch(ctx, id)
	if err != nil {
		w.logFailure("fetch failed", id, err)
		return kb.Result{Status: kb.StatusFailed, Attempts: page.Attempts, Err: err}
	}

	rec, doc, err := w.deps.Extractor.Extract(page)
	if err != nil {
		w.logFailure("extract failed", id, err)
		return kb.Result{Status: kb.StatusFailed, Attempts: page.Attempts, Err: err}
	}

	rec.Content = w.localize(ctx, rec.Content, id, page.URL, doc)
	rec.SearchText = w.deps.Extractor.SearchText(rec.Content)

	outcome, err := w.deps.Gateway.Commit(ctx, rec)
	res := kb.Result{Title: rec.Title, Attempts: page.Attempts}
	switch outcome {
	case kb.OutcomeInserted:
		res.Status = kb.StatusSuccess
		w.notify(ctx, rec)
		w.logger.Info("article stored",
			zap.Int("kb", id),
			zap.String("title", rec.Title),
			zap.Int("products", len(rec.Products)))
	case kb.OutcomeAlreadyExists:
		res.Status = kb.StatusSkipped
	default:
		res.Status = kb.StatusFailed
		res.Err = err
		w.logger.Error("commit failed", zap.Int("kb", id), zap.Error(err))
	}
	return res
}

// localize runs both asset passes. Asset failures never fail the article;
// unresolved references keep their remote URLs.
func (w *Worker) localize(ctx context.Context, body string, id int, pageURL string, doc *goquery.Document) string {
	if w.deps.Localizer == nil {
		return body
	}
	ctx, span := w.deps.Tracer.Start(ctx, "worker.localize")
	defer span.End()

	body, images := w.deps.Localizer.LocalizeImages(ctx, body, id)
	body, attachments := w.deps.Localizer.LocalizeAttachments(ctx, body, id, pageURL, doc)
	span.SetAttributes(
		attribute.Int("kb.images", len(images)),
		attribute.Int("kb.attachments", len(attachments)),
	)
	if len(images) > 0 || len(attachments) > 0 {
		w.logger.Debug("assets localized",
			zap.Int("kb", id),
			zap.Int("images", len(images)),
			zap.Int("attachments", len(attachments)))
	}
	return body
}

func (w *Worker) notify(ctx context.Context, rec kb.ArticleRecord) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	msg := kb.ArticleInserted{
		KBNumber:   rec.ID,
		Title:      rec.Title,
		URL:        rec.URL,
		Products:   rec.Products,
		InsertedAt: w.deps.Clock.Now(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		w.logger.Warn("publish article inserted failed", zap.Int("kb", rec.ID), zap.Error(err))
	}
}

// logFailure keeps expected misses quiet: NotFound is a debug line and parse
// failures carry a stack only at debug level.
func (w *Worker) logFailure(msg string, id int, err error) {
	switch {
	case errors.Is(err, kb.ErrNotFound):
		w.logger.Debug(msg, zap.Int("kb", id), zap.Error(err))
	case errors.Is(err, kb.ErrParse):
		w.logger.Warn(msg, zap.Int("kb", id), zap.Error(err))
		w.logger.Debug("parse failure detail", zap.Int("kb", id), zap.Error(err), zap.Stack("stack"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.logger.Debug(msg, zap.Int("kb", id), zap.Error(err))
	default:
		w.logger.Warn(msg, zap.Int("kb", id), zap.Error(err))
	}
}
