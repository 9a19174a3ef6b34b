// Package sink carries topology events to their consumers.
package sink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prestonvasquez/topology-listener/topology"
)

// EventType tags the payload of an Event.
type EventType string

const (
	EventInitialTopology EventType = "initial_topology"
	EventTopologyChange  EventType = "topology_change"
	EventShardAdded      EventType = "shard_added"
	EventShardRemoved    EventType = "shard_removed"
)

// Event is the tagged record handed to publishers. Value is a
// topology.Snapshot for EventInitialTopology, a FieldChange for
// EventTopologyChange and a ShardChange otherwise.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"type"`
	Time  time.Time `json:"time"`
	Value any       `json:"value"`
}

// FieldChange is the value of a topology_change event.
type FieldChange struct {
	Shard    string         `json:"shard"`
	Type     topology.Field `json:"type"`
	Previous string         `json:"previous"`
	New      string         `json:"new"`
}

// ShardChange is the value of shard_added and shard_removed events.
type ShardChange struct {
	Shard    string                 `json:"shard"`
	Topology topology.ShardTopology `json:"topology"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

func newEvent(typ EventType, value any) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Time:  time.Now().UTC(),
		Value: value,
	}
}

// NewInitialTopologyEvent wraps the baseline snapshot.
func NewInitialTopologyEvent(snap topology.Snapshot) Event {
	return newEvent(EventInitialTopology, snap)
}

// NewChangeEvent converts a diff entry into its event.
func NewChangeEvent(c topology.Change) Event {
	switch c.Kind {
	case topology.ChangeShardAdded:
		return newEvent(EventShardAdded, ShardChange{Shard: c.Shard, Topology: c.Topology})
	case topology.ChangeShardRemoved:
		return newEvent(EventShardRemoved, ShardChange{Shard: c.Shard, Topology: c.Topology})
	}

	return newEvent(EventTopologyChange, FieldChange{
		Shard:    c.Shard,
		Type:     c.Field,
		Previous: c.Previous,
		New:      c.New,
	})
}
