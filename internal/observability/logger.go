// Package observability wires structured logging, tracing, and metrics for
// every coordination primitive package. It carries no domain logic of its
// own; store and retry packages call into it only to log and record spans.
package observability

import (
	"log/slog"
	"os"

	"github.com/glenn-edgar/kb-coordinator/internal/config"
)

// SetupLogger configures a JSON slog logger tagged with service/env fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
