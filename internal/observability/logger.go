package observability

import (
	"log/slog"
	"os"
)

func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// NewComponentLogger scopes a child logger to one pipeline component.
func NewComponentLogger(parent *slog.Logger, component string) *slog.Logger {
	return parent.With("component", component)
}
