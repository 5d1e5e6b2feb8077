package kb

import "errors"

// Error taxonomy for a single id. Callers classify with errors.Is.
var (
	// ErrNotFound marks a 404 or a soft-404 page. It is never retried.
	ErrNotFound = errors.New("article does not exist")
	// ErrTransient marks a retryable failure (timeout, connection error, 429/503, undersized body).
	ErrTransient = errors.New("transient fetch failure")
	// ErrTerminal marks a non-retryable HTTP failure or exhausted retries.
	ErrTerminal = errors.New("terminal fetch failure")
	// ErrParse marks an unexpected structural failure during extraction.
	ErrParse = errors.New("parse failure")
	// ErrAlreadyExists marks a uniqueness conflict on the article id.
	ErrAlreadyExists = errors.New("article already exists")
)
