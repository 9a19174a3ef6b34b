// Package mongolocal starts throwaway MongoDB replica sets in Docker for
// integration tests.
package mongolocal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/mongo"

	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultReplicaSet is the replica set name used when none is configured.
const DefaultReplicaSet = "rs0"

// TeardownFunc is a function that tears down resources used during testing.
type TeardownFunc func(t *testing.T)

type options struct {
	mongoClientOpts    *mongooptions.ClientOptions
	image              string
	replicaSet         string
	enableTestCommands bool
}

// Option configures New and NewWithEnv.
type Option func(*options)

// WithMongoClientOptions configures the mongo.Client options used to connect.
// The connection string always comes from the container.
func WithMongoClientOptions(opts *mongooptions.ClientOptions) Option {
	return func(o *options) {
		o.mongoClientOpts = opts
	}
}

// WithImage configures the Docker image used for the MongoDB container.
func WithImage(image string) Option {
	return func(o *options) {
		o.image = image
	}
}

// WithReplicaSet sets the replica set name.
func WithReplicaSet(name string) Option {
	return func(o *options) {
		o.replicaSet = name
	}
}

// WithEnableTestCommands starts mongod with enableTestCommands=1 so fail
// points can be configured.
func WithEnableTestCommands() Option {
	return func(o *options) {
		o.enableTestCommands = true
	}
}

// Env describes a running container.
type Env struct {
	connString string
	replicaSet string
}

// ConnectionString returns the URI the container is reachable at.
func (e *Env) ConnectionString() string { return e.connString }

// ReplicaSet returns the replica set name, which is also the shard ID a
// collector reports for it.
func (e *Env) ReplicaSet() string { return e.replicaSet }

// New starts a single-member replica set and returns a connected client.
func New(t *testing.T, ctx context.Context, optionFuncs ...Option) (*mongo.Client, TeardownFunc) {
	t.Helper()

	client, teardown, _ := NewWithEnv(t, ctx, optionFuncs...)

	return client, teardown
}

// NewWithEnv is like New but also returns the container environment so
// callers can open their own clients.
func NewWithEnv(t *testing.T, ctx context.Context, optionFuncs ...Option) (*mongo.Client, TeardownFunc, *Env) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}

	opts := &options{
		image:      "mongo:latest",
		replicaSet: DefaultReplicaSet,
	}

	for _, apply := range optionFuncs {
		apply(opts)
	}

	customizers := []testcontainers.ContainerCustomizer{
		mongodb.WithReplicaSet(opts.replicaSet),
	}

	if opts.enableTestCommands {
		customizers = append(customizers,
			testcontainers.WithCmdArgs("--setParameter", "enableTestCommands=1"))
	}

	container, err := mongodb.Run(ctx, opts.image, customizers...)
	require.NoError(t, err, "failed to start mongodb container")

	terminate := func(t *testing.T) {
		t.Helper()

		require.NoError(t, testcontainers.TerminateContainer(container),
			"failed to terminate mongodb container")
	}

	connString, err := container.ConnectionString(ctx)
	if err != nil {
		terminate(t)
		t.Fatalf("failed to get connection string: %s", err)
	}

	mopts := opts.mongoClientOpts
	if mopts == nil {
		mopts = mongooptions.Client()
	}

	// Users can't override the connection string.
	mopts = mopts.ApplyURI(connString)

	client, err := mongo.Connect(mopts)
	if err != nil {
		terminate(t)
		t.Fatalf("failed to connect to mongo: %s", err)
	}

	env := &Env{connString: connString, replicaSet: opts.replicaSet}

	return client, func(t *testing.T) {
		t.Helper()

		require.NoError(t, client.Disconnect(context.Background()), "failed to disconnect mongo client")
		terminate(t)
	}, env
}
