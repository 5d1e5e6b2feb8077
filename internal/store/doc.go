// Package store declares the crawl run repository. Implementations live in
// internal/storage/*; this package imports no database drivers.
package store
