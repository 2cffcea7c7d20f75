package telemetry

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Logger returns the process logger: the OTel slog bridge when
// telemetry is enabled, a plain JSON handler otherwise.
func Logger(dsn string) *slog.Logger {
	if dsn != "" {
		return otelslog.NewLogger(serviceName)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
