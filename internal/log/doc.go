// Package log provides logging with automatic suppression of repeated
// messages, built on top of the standard slog package.
//
// This package extends slog to provide:
//   - Deduplication of repeated warnings emitted during a page walk
//   - Configurable log levels with verbose mode support
//   - Consistent log formatting across the application
//
// # Deduplication
//
// A scan touches millions of pages, and one systemic condition (for
// example an unreadable range in the image) would repeat the same warning
// for every affected page. The DedupHandler lets the first occurrence
// through, swallows the repeats, and periodically re-emits the message
// with a "suppressed" attribute carrying the repeat count. Info and Debug
// records are never deduplicated.
//
// # Usage
//
//	// Create a deduplicating logger
//	logger := log.NewLogger(os.Stderr, true) // verbose=true
//
//	// Use as a standard slog.Logger
//	logger.Warn("unreadable page", "pfn", pfn)
//
//	// Set as default logger
//	slog.SetDefault(logger)
package log
