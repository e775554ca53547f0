package logger

import (
	"bytes"
	"log/slog"
	"os"

	"github.com/arnekt/raftcore/api"
)

// NewLogger creates a new slog.Logger writing JSON to stdout. Dev gets
// debug-level logging; Prod/Staging stay at info. addSource controls whether
// the handler annotates records with call-site info.
func NewLogger(env api.Environment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case api.Prod, api.Staging:
		level = slog.LevelInfo
	case api.Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a text-handler logger writing into an in-memory
// buffer, for assertions in tests, plus the buffer itself.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return buf, slog.New(h)
}

// ErrAttr is the canonical slog attribute for an error value.
func ErrAttr(err error) slog.Attr {
	return slog.Attr{Key: "error", Value: slog.StringValue(err.Error())}
}
