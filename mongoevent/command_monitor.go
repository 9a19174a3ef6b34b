package mongoevent

import (
	"context"
	"sync"

	"github.com/prestonvasquez/topology-listener/metrics"
	"go.mongodb.org/mongo-driver/v2/event"
)

// CommandMonitor records the latest failure of each command name seen on the
// shard connections.
type CommandMonitor struct {
	mu          sync.RWMutex
	lastFailure map[string]error
	metrics     *metrics.Metrics
}

// NewCommandMonitor creates a new CommandMonitor. m may be nil.
func NewCommandMonitor(m *metrics.Metrics) *CommandMonitor {
	return &CommandMonitor{
		lastFailure: make(map[string]error),
		metrics:     m,
	}
}

// NewCommandEventMonitor creates a MongoDB event.CommandMonitor that records
// failed commands.
func NewCommandEventMonitor(monitor *CommandMonitor) *event.CommandMonitor {
	return &event.CommandMonitor{
		Failed: func(_ context.Context, evt *event.CommandFailedEvent) {
			monitor.mu.Lock()
			monitor.lastFailure[evt.CommandName] = evt.Failure
			monitor.mu.Unlock()

			monitor.metrics.CommandFailed(evt.CommandName)
		},
	}
}

// LastFailure returns the most recent failure of the named command.
func (cm *CommandMonitor) LastFailure(command string) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.lastFailure[command]
}

// Failures returns a copy of the latest failure message per command.
func (cm *CommandMonitor) Failures() map[string]string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make(map[string]string, len(cm.lastFailure))
	for name, err := range cm.lastFailure {
		if err != nil {
			out[name] = err.Error()
		}
	}

	return out
}
