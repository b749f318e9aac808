package nlmeans

import (
	"log/slog"

	"github.com/gogpu/nlmeans/internal/logging"
)

// SetLogger configures the logger for nlmeans and all its sub-packages.
// By default, nlmeans produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by nlmeans:
//   - [slog.LevelDebug]: per-frame dispatch counts, pool allocations
//   - [slog.LevelInfo]: filter initialization, device selection
//   - [slog.LevelWarn]: corrected window sizes, parallelism forced to 1
//
// Example:
//
//	nlmeans.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by nlmeans.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
