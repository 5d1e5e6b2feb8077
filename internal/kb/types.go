// Package kb defines the domain types shared by the knowledge-base ingestion pipeline.
package kb

import (
	"fmt"
	"time"
)

// Field limits applied to every extracted record.
const (
	MaxTitleLen      = 1000
	MaxContentLen    = 200000
	MaxOfficialIDLen = 100
	MaxDateLen       = 100
	MaxProducts      = 20
	MaxProductLen    = 200
)

// RawPage is the result of a successful page fetch.
type RawPage struct {
	ID         int
	URL        string
	StatusCode int
	Body       []byte
	// Attempts counts the HTTP attempts made, including the successful one.
	Attempts int
	Duration time.Duration
}

// ArticleRecord is the structured form of one article, produced by the extractor.
type ArticleRecord struct {
	ID          int
	Title       string
	Content     string
	OfficialID  string
	UpdatedDate string
	URL         string
	Products    []string
	// SearchText is a plain-text rendering of Content used for the full-text index.
	SearchText string
}

// Outcome is the result of committing a record to the store.
type Outcome string

// Commit outcomes.
const (
	OutcomeInserted      Outcome = "inserted"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeFailed        Outcome = "failed"
)

// Status is the terminal state of one id as seen by the orchestrator.
type Status string

// Terminal statuses. Every processed id resolves to exactly one of them.
const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result reports how a single id was processed.
type Result struct {
	ID       int
	Status   Status
	Title    string
	Attempts int
	Duration time.Duration
	Err      error
}

// ArticleURL builds the page URL for id using the configured base URL.
func ArticleURL(baseURL string, id int) string {
	return fmt.Sprintf("%s%d", baseURL, id)
}

// ArticleInserted is published after a new article row is committed so that
// read-side indexes can refresh.
type ArticleInserted struct {
	KBNumber   int       `json:"kb_number"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Products   []string  `json:"products,omitempty"`
	InsertedAt time.Time `json:"inserted_at"`
}

// SearchStatus compares the article count with the rows in the search index.
type SearchStatus struct {
	Articles int64
	Indexed  int64
}

// Synced reports whether every article has a search row.
func (s SearchStatus) Synced() bool {
	return s.Articles == s.Indexed
}
