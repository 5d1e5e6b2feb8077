// Package extract turns fetched article pages into structured records using
// ordered fallback chains over a parsed document.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/kb"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// Extractor parses article pages. It is safe for concurrent use.
type Extractor struct {
	converter *md.Converter
	logger    *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Extractor{converter: converter, logger: logger}
}

// Extract builds the record for page. The returned document is an untouched
// parse of the page, scripts included, for attachment discovery.
func (e *Extractor) Extract(page kb.RawPage) (rec kb.ArticleRecord, pristine *goquery.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("extract panic", zap.Int("kb", page.ID), zap.Any("panic", r), zap.Stack("stack"))
			rec, pristine = kb.ArticleRecord{}, nil
			err = fmt.Errorf("%w: kb %d: %v", kb.ErrParse, page.ID, r)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return kb.ArticleRecord{}, nil, fmt.Errorf("%w: parse page: %w", kb.ErrParse, err)
	}

	title, found := Title(doc, page.ID)
	if found && IsSoftNotFound(title) {
		return kb.ArticleRecord{}, nil, fmt.Errorf("%w: kb %d title %q", kb.ErrNotFound, page.ID, title)
	}

	rec = kb.ArticleRecord{
		ID:    page.ID,
		Title: truncate(title, kb.MaxTitleLen),
		URL:   page.URL,
	}
	if id, ok := OfficialID(doc); ok {
		rec.OfficialID = truncate(id, kb.MaxOfficialIDLen)
	}
	if date, ok := UpdateDate(doc); ok {
		rec.UpdatedDate = truncate(date, kb.MaxDateLen)
	}
	rec.Products = Products(doc)
	if len(rec.Products) > kb.MaxProducts {
		rec.Products = rec.Products[:kb.MaxProducts]
	}

	pristine, err = goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return kb.ArticleRecord{}, nil, fmt.Errorf("%w: parse page: %w", kb.ErrParse, err)
	}

	body, err := Body(doc)
	if err != nil {
		return kb.ArticleRecord{}, nil, fmt.Errorf("%w: %w", kb.ErrParse, err)
	}
	rec.Content = truncate(Clean(body), kb.MaxContentLen)
	return rec, pristine, nil
}

// SearchText renders markup as plain markdown for the full-text index.
func (e *Extractor) SearchText(content string) string {
	if content == "" {
		return ""
	}
	out, err := e.converter.ConvertString(content)
	if err != nil {
		e.logger.Debug("search text conversion failed", zap.Error(err))
		return content
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(out, "\n\n"))
}
