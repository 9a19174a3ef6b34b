package mongoevent

import (
	"maps"
	"sync"

	"github.com/prestonvasquez/topology-listener/metrics"
	"go.mongodb.org/mongo-driver/v2/event"
)

// PoolMonitor counts ready pooled connections per server address across all
// shard connections.
type PoolMonitor struct {
	mu             sync.RWMutex
	connsPerServer map[string]int
	metrics        *metrics.Metrics
}

// NewPoolMonitor creates a new PoolMonitor. m may be nil.
func NewPoolMonitor(m *metrics.Metrics) *PoolMonitor {
	return &PoolMonitor{
		connsPerServer: make(map[string]int),
		metrics:        m,
	}
}

// NewPoolEventMonitor creates an event.PoolMonitor that routes events to
// local PoolMonitor callbacks.
func NewPoolEventMonitor(monitor *PoolMonitor) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			monitor.mu.Lock()
			defer monitor.mu.Unlock()

			switch evt.Type {
			case event.ConnectionReady:
				monitor.connsPerServer[evt.Address]++
			case event.ConnectionClosed:
				if monitor.connsPerServer[evt.Address] > 0 {
					monitor.connsPerServer[evt.Address]--
				}
			case event.ConnectionPoolCleared:
				monitor.connsPerServer[evt.Address] = 0
			default:
				return
			}

			monitor.metrics.SetReadyConnections(evt.Address, monitor.connsPerServer[evt.Address])
		},
	}
}

// ConnsReady returns the number of ready connections for the given server
// address.
func (pm *PoolMonitor) ConnsReady(serverAddr string) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return pm.connsPerServer[serverAddr]
}

// Ready returns a copy of the ready connection count of every address seen.
func (pm *PoolMonitor) Ready() map[string]int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return maps.Clone(pm.connsPerServer)
}
