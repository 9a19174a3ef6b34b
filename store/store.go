// Package store owns the authoritative topology snapshot. It establishes the
// baseline, turns triggers into serialized rescans and publishes the diff of
// every rescan before replacing the snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prestonvasquez/topology-listener/metrics"
	"github.com/prestonvasquez/topology-listener/sink"
	"github.com/prestonvasquez/topology-listener/topology"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyInitiated is returned by Initiate once the store has left the
	// uninitialized state.
	ErrAlreadyInitiated = errors.New("topology store already initiated")

	// ErrNotReady is returned by OnTrigger before Initiate succeeded or after
	// the store was closed.
	ErrNotReady = errors.New("topology store not ready")
)

// State is the lifecycle state of a Store.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Reasons a trigger is not turned into a new pending rescan.
const (
	dropUninitialized = "uninitialized"
	dropClosed        = "closed"
	dropCoalesced     = "coalesced"
)

// Scanner takes a complete snapshot of the cluster or fails.
type Scanner interface {
	Scan(ctx context.Context) (topology.Snapshot, error)
}

type options struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	minInterval    time.Duration
	onError        func(error)
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the collectors updated by the store.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetry retries a failed rescan up to maxRetries times with exponential
// backoff growing from initial up to maxInterval.
func WithRetry(maxRetries uint64, initial, maxInterval time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.initialBackoff = initial
		o.maxBackoff = maxInterval
	}
}

// WithMinInterval spaces consecutive rescans started by Run at least d apart.
func WithMinInterval(d time.Duration) Option {
	return func(o *options) {
		o.minInterval = d
	}
}

// WithErrorHandler registers fn to receive every rescan failure once, after
// retries are exhausted.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// Store is the single owner of the current topology snapshot.
type Store struct {
	scanner   Scanner
	publisher sink.Publisher
	opts      options

	// mu serializes Initiate and OnTrigger so that every diff is computed
	// against the snapshot installed by the previous one.
	mu      sync.Mutex
	state   atomic.Int32
	current atomic.Pointer[topology.Snapshot]

	// pending holds at most one queued rescan.
	pending chan struct{}
}

// New creates an uninitialized store.
func New(scanner Scanner, publisher sink.Publisher, optionFuncs ...Option) *Store {
	opts := options{
		logger:         zap.NewNop(),
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}

	for _, apply := range optionFuncs {
		apply(&opts)
	}

	return &Store{
		scanner:   scanner,
		publisher: publisher,
		opts:      opts,
		pending:   make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	return State(s.state.Load())
}

// Current returns the current snapshot. It is empty before Initiate.
func (s *Store) Current() topology.Snapshot {
	if snap := s.current.Load(); snap != nil {
		return *snap
	}

	return topology.Snapshot{}
}

// Initiate takes the baseline snapshot and publishes it as the initial
// topology. A scan failure is wrapped in topology.ErrBootstrapFailure and
// leaves the store uninitialized.
func (s *Store) Initiate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateUninitialized {
		return ErrAlreadyInitiated
	}

	start := time.Now()
	snap, err := s.scanner.Scan(ctx)
	s.opts.metrics.ScanAttempt(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("%w: %w", topology.ErrBootstrapFailure, err)
	}

	s.current.Store(&snap)
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady)) {
		return ErrNotReady
	}

	s.opts.metrics.SetShards(snap.Len())
	s.opts.logger.Info("initial topology established", zap.Strings("shards", snap.ShardIDs()))

	s.publish(ctx, sink.NewInitialTopologyEvent(snap))

	return nil
}

// Trigger requests a rescan without blocking. Triggers are dropped until the
// store is ready and after it is closed. While a rescan is already pending,
// further triggers are coalesced into it. Trigger reports whether a rescan
// will follow.
func (s *Store) Trigger() bool {
	switch s.State() {
	case StateUninitialized:
		s.opts.metrics.TriggerDropped(dropUninitialized)
		return false
	case StateClosed:
		s.opts.metrics.TriggerDropped(dropClosed)
		return false
	}

	select {
	case s.pending <- struct{}{}:
	default:
		s.opts.metrics.TriggerDropped(dropCoalesced)
	}

	return true
}

// OnTrigger rescans the cluster, publishes every change against the current
// snapshot in diff order and then replaces it. If the scan still fails after
// the configured retries the snapshot is left untouched and the error is
// reported and returned.
func (s *Store) OnTrigger(ctx context.Context) error {
	return s.rescan(ctx, ctx)
}

// rescan retries under ctx while each scan attempt and the publishing of its
// changes run under scanCtx.
func (s *Store) rescan(ctx, scanCtx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateReady {
		return ErrNotReady
	}

	next, err := s.scanWithRetry(ctx, scanCtx)
	if err != nil {
		s.opts.metrics.RescanDone("failure")
		s.opts.logger.Error("rescan failed, keeping previous topology", zap.Error(err))

		if s.opts.onError != nil {
			s.opts.onError(err)
		}

		return err
	}

	prev := s.Current()
	changes := topology.Diff(prev, next)

	for _, c := range changes {
		evt := sink.NewChangeEvent(c)

		label := string(evt.Type)
		if c.Kind == topology.ChangeFieldChanged {
			label = string(c.Field)
		}

		s.opts.metrics.Change(c.Shard, label)
		s.publish(scanCtx, evt)
	}

	s.current.Store(&next)
	s.opts.metrics.SetShards(next.Len())
	s.opts.metrics.RescanDone("success")

	s.opts.logger.Debug("rescan complete", zap.Int("changes", len(changes)))

	return nil
}

func (s *Store) scanWithRetry(ctx, scanCtx context.Context) (topology.Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.initialBackoff
	b.MaxInterval = s.opts.maxBackoff
	b.MaxElapsedTime = 0

	var snap topology.Snapshot
	operation := func() error {
		start := time.Now()
		var err error
		snap, err = s.scanner.Scan(scanCtx)
		s.opts.metrics.ScanAttempt(time.Since(start).Seconds())

		return err
	}

	notify := func(err error, wait time.Duration) {
		s.opts.logger.Warn("scan attempt failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.opts.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return topology.Snapshot{}, err
	}

	return snap, nil
}

func (s *Store) publish(ctx context.Context, evt sink.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.opts.metrics.PublishFailed(string(evt.Type))
		s.opts.logger.Error("failed to publish event",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err))
	}
}

// Run consumes pending triggers one at a time until ctx is cancelled. Once ctx
// is cancelled new triggers are refused and no further retry is started, while
// a scan attempt already in flight runs to completion. Run returns nil on
// cancellation.
func (s *Store) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.state.Store(int32(StateClosed))
	})
	defer stop()

	limit := rate.Inf
	if s.opts.minInterval > 0 {
		limit = rate.Every(s.opts.minInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	// A scan attempt must not be cut short by shutdown.
	scanCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateClosed))
			return nil
		case <-s.pending:
		}

		if err := limiter.Wait(ctx); err != nil {
			s.state.Store(int32(StateClosed))
			return nil
		}

		_ = s.rescan(ctx, scanCtx)
	}
}
