// Package collector reads the primary and tagged membership of every shard and
// assembles them into a topology.Snapshot.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prestonvasquez/topology-listener/topology"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRegionTag is the member tag holding the member's region.
	DefaultRegionTag = "region"

	// DefaultProviderTag is the member tag holding the member's cloud provider.
	DefaultProviderTag = "provider"
)

// HelloResult is the subset of the hello command reply used to find the
// primary.
type HelloResult struct {
	Primary string `bson:"primary"`
	SetName string `bson:"setName"`
}

// ReplSetMember is one member of a replica set configuration.
type ReplSetMember struct {
	Host string            `bson:"host"`
	Tags map[string]string `bson:"tags"`
}

// ReplSetConfig is the subset of the replSetGetConfig reply used to build
// membership.
type ReplSetConfig struct {
	ID      string          `bson:"_id"`
	Members []ReplSetMember `bson:"members"`
}

// Querier runs the two admin queries against one shard.
type Querier interface {
	Hello(ctx context.Context) (HelloResult, error)
	ReplSetConfig(ctx context.Context) (ReplSetConfig, error)
}

// Shard is a shard connection known to the collector. Name is only used to
// attribute failures before the replica set name is known.
type Shard struct {
	Name    string
	Querier Querier
}

type options struct {
	regionTag   string
	providerTag string
	timeout     time.Duration
	logger      *zap.Logger
}

// Option configures a Collector.
type Option func(*options)

// WithTags overrides the member tag names read for region and provider.
func WithTags(regionTag, providerTag string) Option {
	return func(o *options) {
		o.regionTag = regionTag
		o.providerTag = providerTag
	}
}

// WithTimeout bounds every Scan. Zero leaves the caller's context as is.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger used for per-shard debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Collector scans a fixed set of shards.
type Collector struct {
	shards []Shard
	opts   options
}

// New creates a collector over the given shards.
func New(shards []Shard, optionFuncs ...Option) *Collector {
	opts := options{
		regionTag:   DefaultRegionTag,
		providerTag: DefaultProviderTag,
		logger:      zap.NewNop(),
	}

	for _, apply := range optionFuncs {
		apply(&opts)
	}

	return &Collector{
		shards: append([]Shard(nil), shards...),
		opts:   opts,
	}
}

// Scan queries every shard concurrently and returns the resulting snapshot.
// If any shard fails the whole scan fails and no snapshot is returned.
func (c *Collector) Scan(ctx context.Context) (topology.Snapshot, error) {
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	results := make([]topology.ShardTopology, len(c.shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range c.shards {
		g.Go(func() error {
			st, err := c.collectShard(gctx, shard)
			if err != nil {
				return err
			}

			results[i] = st

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return topology.Snapshot{}, err
	}

	seen := make(map[string]string, len(results))
	for i, st := range results {
		if other, ok := seen[st.ShardID]; ok {
			return topology.Snapshot{}, &topology.ShardError{
				Shard: c.shards[i].Name,
				Kind:  topology.ErrQueryFailure,
				Err:   fmt.Errorf("replica set %q already reported by shard %q", st.ShardID, other),
			}
		}

		seen[st.ShardID] = c.shards[i].Name
	}

	return topology.NewSnapshot(results...), nil
}

func (c *Collector) collectShard(ctx context.Context, shard Shard) (topology.ShardTopology, error) {
	hello, err := shard.Querier.Hello(ctx)
	if err != nil {
		return topology.ShardTopology{}, classify(shard.Name, "hello", err)
	}

	cfg, err := shard.Querier.ReplSetConfig(ctx)
	if err != nil {
		return topology.ShardTopology{}, classify(shard.Name, "replSetGetConfig", err)
	}

	members := make([]topology.MemberInfo, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		members = append(members, topology.MemberInfo{
			Host:     m.Host,
			Region:   m.Tags[c.opts.regionTag],
			Provider: m.Tags[c.opts.providerTag],
		})
	}

	st, err := topology.NewShardTopology(cfg.ID, hello.Primary, members)
	if err != nil {
		return topology.ShardTopology{}, err
	}

	c.opts.logger.Debug("collected shard",
		zap.String("shard", cfg.ID),
		zap.String("primary", st.PrimaryHost),
		zap.Int("members", len(members)))

	return st, nil
}

// classify wraps err into a *topology.ShardError of the matching kind.
func classify(shard, command string, err error) error {
	kind := topology.ErrQueryFailure
	if mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		kind = topology.ErrConnectionFailure
	}

	return &topology.ShardError{
		Shard: shard,
		Kind:  kind,
		Err:   fmt.Errorf("%s: %w", command, err),
	}
}
