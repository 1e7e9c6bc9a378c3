package logger

import (
	"context"
	"io"
	"log/slog"
)

// LevelSuccess sits between Info and Warn. Pipeline steps use it to mark
// completed work so dashboards can highlight it.
const LevelSuccess = slog.Level(2)

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels
type ColorTextHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch {
	case r.Level < slog.LevelInfo:
		colorCode = "\033[36m" // Cyan
	case r.Level == LevelSuccess:
		colorCode = "\033[1;32m" // Bold green
	case r.Level < slog.LevelWarn:
		colorCode = "\033[32m" // Green
	case r.Level < slog.LevelError:
		colorCode = "\033[33m" // Yellow
	default:
		colorCode = "\033[31m" // Red
	}
	r.Message = colorCode + LevelName(r.Level) + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the color wrapper when attributes are attached.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)}
}

// WithGroup keeps the color wrapper when a group is opened.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler)}
}

// LevelName renders a level using the agent's vocabulary.
func LevelName(l slog.Level) string {
	switch {
	case l == LevelSuccess:
		return "SUCCESS"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}
