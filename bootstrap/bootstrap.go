// Package bootstrap discovers the shards of a cluster and opens one monitored
// connection per shard.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prestonvasquez/topology-listener/collector"
	"github.com/prestonvasquez/topology-listener/metrics"
	"github.com/prestonvasquez/topology-listener/mongoevent"
	"github.com/prestonvasquez/topology-listener/topology"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("cluster is not connected")

// PrepareURI substitutes the escaped user and password into the two %s
// placeholders of pattern.
func PrepareURI(pattern, user, password string) string {
	return fmt.Sprintf(pattern, escapeUserInfo(user), escapeUserInfo(password))
}

// escapeUserInfo percent-encodes s for the userinfo part of a connection
// string. The driver path-unescapes userinfo, so a space must be %20, not +.
func escapeUserInfo(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ShardHost is one entry of listShards, in "<replica set>/<host>,<host>" form.
type ShardHost struct {
	ReplicaSet string
	Hosts      string
}

// ParseShardHost splits a listShards host string.
func ParseShardHost(host string) (ShardHost, error) {
	rs, hosts, ok := strings.Cut(host, "/")
	if !ok || rs == "" || hosts == "" {
		return ShardHost{}, fmt.Errorf("malformed shard host %q", host)
	}

	return ShardHost{ReplicaSet: rs, Hosts: hosts}, nil
}

// URIPattern returns the connection string pattern for the shard, still
// holding the credential placeholders.
func (s ShardHost) URIPattern(tls bool, readPreference string) string {
	return "mongodb://%s:%s@" + s.Hosts +
		fmt.Sprintf("/?tls=%t&readPreference=%s&replicaSet=%s", tls, readPreference, s.ReplicaSet)
}

// ListShards runs listShards against a router.
func ListShards(ctx context.Context, client *mongo.Client) ([]ShardHost, error) {
	var res struct {
		Shards []struct {
			ID   string `bson:"_id"`
			Host string `bson:"host"`
		} `bson:"shards"`
	}

	cmd := bson.D{{Key: "listShards", Value: 1}}
	if err := client.Database("admin").RunCommand(ctx, cmd).Decode(&res); err != nil {
		return nil, fmt.Errorf("listShards: %w", err)
	}

	hosts := make([]ShardHost, 0, len(res.Shards))
	for _, shard := range res.Shards {
		host, err := ParseShardHost(shard.Host)
		if err != nil {
			return nil, err
		}

		hosts = append(hosts, host)
	}

	return hosts, nil
}

// Endpoint is a shard name and a ready-to-use connection string.
type Endpoint struct {
	Name string
	URI  string
}

// Config configures a Cluster.
type Config struct {
	URI               string
	User              string
	Password          string
	TLS               bool
	ReadPreference    string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	CollectorOptions  []collector.Option
}

// Cluster owns the per-shard clients and their monitors. It implements the
// store's Scanner once connected.
type Cluster struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	pool     *mongoevent.PoolMonitor
	commands *mongoevent.CommandMonitor

	mu        sync.RWMutex
	clients   []*mongo.Client
	collector *collector.Collector
}

// New returns an unconnected Cluster. The logger and metrics may be nil.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.ReadPreference == "" {
		cfg.ReadPreference = "primaryPreferred"
	}

	return &Cluster{
		cfg:      cfg,
		logger:   logger.Named("bootstrap"),
		metrics:  m,
		pool:     mongoevent.NewPoolMonitor(m),
		commands: mongoevent.NewCommandMonitor(m),
	}
}

// Pool returns the connection pool monitor shared by all shard clients.
func (c *Cluster) Pool() *mongoevent.PoolMonitor { return c.pool }

// Commands returns the command monitor shared by all shard clients.
func (c *Cluster) Commands() *mongoevent.CommandMonitor { return c.commands }

// Connect lists the shards through the router at cfg.URI and connects to each
// of them, forwarding role changes to target.
func (c *Cluster) Connect(ctx context.Context, target mongoevent.Triggerer) error {
	router, err := mongo.Connect(c.clientOptions(PrepareURI(c.cfg.URI, c.cfg.User, c.cfg.Password)))
	if err != nil {
		return bootstrapErr(fmt.Errorf("connect to router: %w", err))
	}

	defer func() {
		if err := router.Disconnect(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to disconnect router client", zap.Error(err))
		}
	}()

	hosts, err := ListShards(ctx, router)
	if err != nil {
		return bootstrapErr(err)
	}

	endpoints := make([]Endpoint, 0, len(hosts))
	for _, host := range hosts {
		endpoints = append(endpoints, Endpoint{
			Name: host.ReplicaSet,
			URI:  PrepareURI(host.URIPattern(c.cfg.TLS, c.cfg.ReadPreference), c.cfg.User, c.cfg.Password),
		})
	}

	c.logger.Info("discovered shards", zap.Int("count", len(endpoints)))

	return c.ConnectShards(ctx, endpoints, target)
}

// ConnectShards opens one monitored client per endpoint. On failure every
// client opened so far is disconnected.
func (c *Cluster) ConnectShards(ctx context.Context, endpoints []Endpoint, target mongoevent.Triggerer) error {
	if len(endpoints) == 0 {
		return bootstrapErr(errors.New("no shards to connect to"))
	}

	clients := make([]*mongo.Client, 0, len(endpoints))
	shards := make([]collector.Shard, 0, len(endpoints))

	for _, ep := range endpoints {
		bridge := mongoevent.NewBridge(ep.Name, target, c.logger, c.metrics)

		opts := c.clientOptions(ep.URI).
			SetServerMonitor(mongoevent.NewEventServerMonitor(bridge)).
			SetMonitor(mongoevent.NewCommandEventMonitor(c.commands)).
			SetPoolMonitor(mongoevent.NewPoolEventMonitor(c.pool))

		client, err := mongo.Connect(opts)
		if err != nil {
			disconnectAll(context.WithoutCancel(ctx), clients, c.logger)

			return bootstrapErr(&topology.ShardError{
				Shard: ep.Name,
				Kind:  topology.ErrConnectionFailure,
				Err:   err,
			})
		}

		clients = append(clients, client)
		shards = append(shards, collector.Shard{Name: ep.Name, Querier: collector.NewMongoQuerier(client)})

		c.logger.Debug("connected to shard", zap.String("shard", ep.Name))
	}

	coll := collector.New(shards, append([]collector.Option{collector.WithLogger(c.logger)}, c.cfg.CollectorOptions...)...)

	c.mu.Lock()
	c.clients = append(c.clients, clients...)
	c.collector = coll
	c.mu.Unlock()

	c.metrics.SetShards(len(shards))

	return nil
}

// Scan runs a collector scan across the connected shards.
func (c *Cluster) Scan(ctx context.Context) (topology.Snapshot, error) {
	c.mu.RLock()
	coll := c.collector
	c.mu.RUnlock()

	if coll == nil {
		return topology.Snapshot{}, errNotConnected
	}

	return coll.Scan(ctx)
}

// Close disconnects every shard client.
func (c *Cluster) Close(ctx context.Context) error {
	c.mu.Lock()
	clients := c.clients
	c.clients = nil
	c.collector = nil
	c.mu.Unlock()

	return disconnectAll(ctx, clients, c.logger)
}

func (c *Cluster) clientOptions(uri string) *options.ClientOptions {
	opts := options.Client().ApplyURI(uri)

	if c.cfg.HeartbeatInterval > 0 {
		opts.SetHeartbeatInterval(c.cfg.HeartbeatInterval)
	}

	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}

	return opts
}

func disconnectAll(ctx context.Context, clients []*mongo.Client, logger *zap.Logger) error {
	var errs []error

	for _, client := range clients {
		if err := client.Disconnect(ctx); err != nil {
			logger.Warn("failed to disconnect shard client", zap.Error(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func bootstrapErr(err error) error {
	return fmt.Errorf("%w: %w", topology.ErrBootstrapFailure, err)
}
