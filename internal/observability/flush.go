package observability

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// FlushTelemetry runs during graceful shutdown after in-flight requests have
// drained. Metrics are pull-based, so this syncs logs and closes any extra
// sinks (event publisher, cache connections) handed in.
func FlushTelemetry(logger *zap.Logger, closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
