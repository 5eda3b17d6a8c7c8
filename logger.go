package kvgo

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with kvgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON lines to w at or above level.
// A nil w writes to stderr.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable text to w.
// A nil w writes to stderr.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithDir adds the data directory field.
func (l *Logger) WithDir(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("dir", dir),
	}
}

// LogRecovery logs the replay of the log on Open.
func (l *Logger) LogRecovery(ctx context.Context, records int, lastSeq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "wal recovery failed",
			"records_replayed", records,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "wal recovery completed",
		"records_replayed", records,
		"last_seq", lastSeq,
	)
}

// LogRotation logs a memtable switching to immutable.
func (l *Logger) LogRotation(ctx context.Context, entries int, bytes int64, seq uint64, segment string) {
	l.InfoContext(ctx, "memtable rotated",
		"entries", entries,
		"bytes", bytes,
		"seq", seq,
		"segment", segment,
	)
}

// LogFlush logs an immutable memtable handed to the flush function.
func (l *Logger) LogFlush(ctx context.Context, entries int, seq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "memtable flush failed",
			"entries", entries,
			"seq", seq,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "memtable flushed",
		"entries", entries,
		"seq", seq,
	)
}

// LogArchive logs a sealed segment upload.
func (l *Logger) LogArchive(ctx context.Context, segment, name string, err error) {
	if err != nil {
		l.WarnContext(ctx, "wal archive failed",
			"segment", segment,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "wal archived",
		"segment", segment,
		"name", name,
	)
}
