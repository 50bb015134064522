package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects level, format and an optional log file.
type Options struct {
	Level  string
	Format string // "text" or "json"
	File   string
	// Output defaults to stdout. MCP stdio mode points it at stderr.
	Output io.Writer
}

// New creates a slog.Logger writing to stdout and, when File is set, to
// that file as well. The returned closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlers := []slog.Handler{newHandler(out, opts.Format, handlerOpts)}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, newHandler(f, opts.Format, handlerOpts))
		closer = f
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
