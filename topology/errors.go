package topology

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailure means a shard could not be reached.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrQueryFailure means an admin command was rejected or timed out.
	ErrQueryFailure = errors.New("query failure")

	// ErrPrimaryNotInMembership means the reported primary host is not one of
	// the replica set members.
	ErrPrimaryNotInMembership = errors.New("primary not in membership")

	// ErrBootstrapFailure means the initial scan never completed.
	ErrBootstrapFailure = errors.New("bootstrap failure")
)

// ShardError is a collection failure attributed to one shard. Kind is one of
// the Err* sentinels and is matched by errors.Is.
type ShardError struct {
	Shard string
	Kind  error
	Err   error
}

func (e *ShardError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shard %q: %v", e.Shard, e.Kind)
	}

	return fmt.Sprintf("shard %q: %v: %v", e.Shard, e.Kind, e.Err)
}

func (e *ShardError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func errPrimaryHost(host string) error {
	if host == "" {
		return errors.New("no primary reported")
	}

	return fmt.Errorf("primary host %q", host)
}
