// Package progress carries crawl progress from workers to observers. Workers
// emit events through a non-blocking Hub; a background goroutine batches them
// and hands each batch to sinks that log, count or persist run state.
package progress
