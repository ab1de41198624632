// Package debug provides the library's debug logging facility.
// It is a no-op unless the host application registers a slog.Handler.
package debug

import (
	"context"
	"fmt"
	"log/slog"
)

var (
	logger = slog.New(noOp{})
)

// RegisterLogger installs h as the sink for all debug log events.
func RegisterLogger(h slog.Handler) {
	logger = slog.New(h)
}

// Log writes the log message to the configured log handler.
// Level indicates the verbosity of the messages to log, as defined in log/slog.
// Arguments can be added as required, preferably as a set of slog.Attr.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger.Log(ctx, level, msg, args...)
}

// TxFrame records an outbound frame at debug level.
// fr is expected to be a fmt.Stringer; its String method is only
// invoked when a handler is registered.
func TxFrame(ctx context.Context, scope string, fr any) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.Log(ctx, slog.LevelDebug, "TX", slog.String("scope", scope), slog.String("frame", fmt.Sprint(fr)))
}

// RxFrame records an inbound frame at debug level.
func RxFrame(ctx context.Context, scope string, fr any) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.Log(ctx, slog.LevelDebug, "RX", slog.String("scope", scope), slog.String("frame", fmt.Sprint(fr)))
}

// Assert registers an error-level log message if the specified condition is false, optionally alongside
// any meaningful (set of) slog.Attr(s).
func Assert(ctx context.Context, condition bool, args ...any) {
	if !condition {
		logger.Log(ctx, slog.LevelError, "assertion failed", args...)
	}
}
