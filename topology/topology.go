// Package topology holds the primary/location model of a sharded cluster and
// the pure diff between two observations of it.
package topology

import (
	"encoding/json"
	"slices"
)

// MemberInfo is the location metadata of one replica set member.
type MemberInfo struct {
	Host     string `json:"host"`
	Region   string `json:"region"`
	Provider string `json:"provider"`
}

// ShardTopology is the primary and membership of a single shard.
type ShardTopology struct {
	ShardID         string       `json:"-"`
	PrimaryHost     string       `json:"primary_host"`
	PrimaryRegion   string       `json:"primary_region"`
	PrimaryProvider string       `json:"primary_provider"`
	Members         []MemberInfo `json:"hosts"`
}

// NewShardTopology resolves the primary's region and provider by matching
// primaryHost against members. It returns a *ShardError wrapping
// ErrPrimaryNotInMembership if no member has that exact host.
func NewShardTopology(shardID, primaryHost string, members []MemberInfo) (ShardTopology, error) {
	st := ShardTopology{
		ShardID:     shardID,
		PrimaryHost: primaryHost,
		Members:     slices.Clone(members),
	}

	for _, m := range members {
		if m.Host == primaryHost {
			st.PrimaryRegion = m.Region
			st.PrimaryProvider = m.Provider

			return st, nil
		}
	}

	return ShardTopology{}, &ShardError{
		Shard: shardID,
		Kind:  ErrPrimaryNotInMembership,
		Err:   errPrimaryHost(primaryHost),
	}
}

// Field returns the value of a primary field.
func (st ShardTopology) Field(f Field) string {
	switch f {
	case FieldPrimaryHost:
		return st.PrimaryHost
	case FieldPrimaryRegion:
		return st.PrimaryRegion
	case FieldPrimaryProvider:
		return st.PrimaryProvider
	}

	return ""
}

// Equal reports whether both topologies carry the same primary and members.
func (st ShardTopology) Equal(other ShardTopology) bool {
	return st.ShardID == other.ShardID &&
		st.PrimaryHost == other.PrimaryHost &&
		st.PrimaryRegion == other.PrimaryRegion &&
		st.PrimaryProvider == other.PrimaryProvider &&
		slices.Equal(st.Members, other.Members)
}

// Snapshot is an immutable view of every shard's topology taken in one scan.
// The zero value is an empty snapshot.
type Snapshot struct {
	shards map[string]ShardTopology
}

// NewSnapshot builds a snapshot keyed by ShardID. A later shard with a
// duplicate ID replaces an earlier one.
func NewSnapshot(shards ...ShardTopology) Snapshot {
	m := make(map[string]ShardTopology, len(shards))
	for _, st := range shards {
		st.Members = slices.Clone(st.Members)
		m[st.ShardID] = st
	}

	return Snapshot{shards: m}
}

// Len returns the number of shards.
func (s Snapshot) Len() int {
	return len(s.shards)
}

// Shard returns the topology of the given shard.
func (s Snapshot) Shard(id string) (ShardTopology, bool) {
	st, ok := s.shards[id]
	if !ok {
		return ShardTopology{}, false
	}

	st.Members = slices.Clone(st.Members)

	return st, true
}

// ShardIDs returns the shard IDs in lexicographic order.
func (s Snapshot) ShardIDs() []string {
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Equal reports whether both snapshots hold the same shards.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.shards) != len(other.shards) {
		return false
	}

	for id, st := range s.shards {
		ost, ok := other.shards[id]
		if !ok || !st.Equal(ost) {
			return false
		}
	}

	return true
}

// MarshalJSON encodes the snapshot as an object keyed by shard ID.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.shards == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(s.shards)
}
