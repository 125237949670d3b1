package groupwave

import (
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger builds the root logger for a Device. Subsystems derive a
// scoped child with subsystemLogger rather than constructing their own.
func NewLogger(level log.Level) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
}

func subsystemLogger(base *log.Logger, name string) *log.Logger {
	if base == nil {
		base = NewLogger(log.InfoLevel)
	}
	return base.With("subsystem", name)
}
