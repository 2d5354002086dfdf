package log

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// SuppressedKey is the attribute key carrying the number of suppressed
// repeats when a deduplicated message is re-emitted.
const SuppressedKey = "suppressed"

// defaultEmitEvery controls how often a repeated message is let through.
// The first occurrence always passes; afterwards every Nth repeat is
// emitted with a suppressed-count attribute.
const defaultEmitEvery = 1000

// DedupHandler wraps an slog.Handler to suppress repeated identical
// messages. A page walk visits millions of pages, and a single systemic
// condition (an unreadable range, an unknown flag combination) would
// otherwise repeat the same warning once per page and drown everything
// else out.
//
// Design decision: We use a handler wrapper rather than rate limiting at
// the call sites because:
//  1. It integrates seamlessly with standard slog APIs
//  2. It works with any underlying handler (text, JSON, etc.)
//  3. Call sites stay simple: they log every occurrence and the handler
//     decides what reaches the output
type DedupHandler struct {
	// handler is the underlying slog handler that receives surviving
	// records.
	handler slog.Handler

	// emitEvery is the repeat interval at which a suppressed message is
	// re-emitted.
	emitEvery int

	// state holds the occurrence counters, shared across handlers derived
	// via WithAttrs and WithGroup so repeats stay detected.
	state *dedupState
}

// dedupState counts occurrences per message and level.
type dedupState struct {
	mu   sync.Mutex
	seen map[dedupKey]int
}

// dedupKey identifies a message for deduplication. Two records with the
// same level and message text are considered repeats regardless of their
// attributes; a per-page warning typically differs only in the PFN.
type dedupKey struct {
	level   slog.Level
	message string
}

// NewDedupHandler creates a new DedupHandler wrapping the given handler.
// If handler is nil, the returned DedupHandler uses slog.Default().Handler().
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &DedupHandler{
		handler:   handler,
		emitEvery: defaultEmitEvery,
		state:     &dedupState{seen: make(map[dedupKey]int)},
	}
}

// Enabled reports whether the handler handles records at the given level.
// It delegates to the underlying handler.
func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle passes the record through unless it is a repeat. Info and Debug
// records are never deduplicated; only Warn and above are, because those
// are the levels a page walk can emit in bulk.
func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn {
		return h.handler.Handle(ctx, r)
	}

	key := dedupKey{level: r.Level, message: r.Message}

	h.state.mu.Lock()
	h.state.seen[key]++
	count := h.state.seen[key]
	h.state.mu.Unlock()

	switch {
	case count == 1:
		return h.handler.Handle(ctx, r)
	case count%h.emitEvery == 0:
		reemitted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
		r.Attrs(func(a slog.Attr) bool {
			reemitted.AddAttrs(a)
			return true
		})
		reemitted.AddAttrs(slog.Int(SuppressedKey, count-1))
		return h.handler.Handle(ctx, reemitted)
	default:
		return nil
	}
}

// WithAttrs returns a new handler with the given attributes added.
// The suppression counters are shared so that repeats are still detected
// across derived loggers.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DedupHandler{
		handler:   h.handler.WithAttrs(attrs),
		emitEvery: h.emitEvery,
		state:     h.state,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	return &DedupHandler{
		handler:   h.handler.WithGroup(name),
		emitEvery: h.emitEvery,
		state:     h.state,
	}
}

// NewLogger creates a new slog.Logger with deduplicated text output.
//
// Parameters:
//   - w: The io.Writer to write log output to (typically os.Stderr)
//   - verbose: If true, sets log level to Debug; otherwise Warn
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	textHandler := slog.NewTextHandler(w, opts)

	return slog.New(NewDedupHandler(textHandler))
}

// NewJSONLogger creates a new slog.Logger with deduplicated JSON output.
// Useful for structured log aggregation.
func NewJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	jsonHandler := slog.NewJSONHandler(w, opts)

	return slog.New(NewDedupHandler(jsonHandler))
}
