package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
