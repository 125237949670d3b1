package groupwave

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const (
	watchdogInterval = 5 * time.Second
	taskStaleAfter   = 10 * time.Second
)

// Watchdog runs a periodic liveness check over all slot tasks per
// §7: a task that hasn't ticked within taskStaleAfter is forced to
// tear down and its slot moves to Error, keeping one wedged slot from
// ever blocking the other fourteen.
type Watchdog struct {
	log   *log.Logger
	slots *SlotManager
}

func NewWatchdog(logger *log.Logger, slots *SlotManager) *Watchdog {
	return &Watchdog{log: subsystemLogger(logger, "watchdog"), slots: slots}
}

// Run blocks, polling every watchdogInterval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	for i := 0; i < NumSlots; i++ {
		s := w.slots.Slot(i)
		task := s.Task()
		if task == nil {
			continue
		}
		if task.Stale(taskStaleAfter) {
			w.log.Warn("forcing teardown of stuck slot task", "slot", i)
			task.Stop()
			s.markError(SlotErrorTimeout)
		}
	}
}
