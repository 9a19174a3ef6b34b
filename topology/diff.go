package topology

import "slices"

// Field names a primary attribute compared by Diff.
type Field string

const (
	FieldPrimaryHost     Field = "primary_host"
	FieldPrimaryRegion   Field = "primary_region"
	FieldPrimaryProvider Field = "primary_provider"
)

// Fields lists the compared fields in emission order.
var Fields = []Field{FieldPrimaryHost, FieldPrimaryRegion, FieldPrimaryProvider}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeFieldChanged ChangeKind = "field_changed"
	ChangeShardAdded   ChangeKind = "shard_added"
	ChangeShardRemoved ChangeKind = "shard_removed"
)

// Change is one difference between two snapshots. Field, Previous and New are
// set for ChangeFieldChanged; Topology is set for shard additions (the new
// topology) and removals (the last known topology).
type Change struct {
	Kind     ChangeKind
	Shard    string
	Field    Field
	Previous string
	New      string
	Topology ShardTopology
}

// Diff returns the changes from before to after. Shards are visited in
// lexicographic order and, within a shard present in both, fields in the
// order of Fields.
func Diff(before, after Snapshot) []Change {
	seen := make(map[string]struct{}, len(before.shards)+len(after.shards))
	ids := make([]string, 0, len(before.shards)+len(after.shards))
	for _, m := range []map[string]ShardTopology{before.shards, after.shards} {
		for id := range m {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	var changes []Change
	for _, id := range ids {
		prev, inBefore := before.Shard(id)
		next, inAfter := after.Shard(id)

		switch {
		case inBefore && !inAfter:
			changes = append(changes, Change{Kind: ChangeShardRemoved, Shard: id, Topology: prev})
		case !inBefore && inAfter:
			changes = append(changes, Change{Kind: ChangeShardAdded, Shard: id, Topology: next})
		default:
			for _, f := range Fields {
				if prev.Field(f) == next.Field(f) {
					continue
				}

				changes = append(changes, Change{
					Kind:     ChangeFieldChanged,
					Shard:    id,
					Field:    f,
					Previous: prev.Field(f),
					New:      next.Field(f),
				})
			}
		}
	}

	return changes
}
