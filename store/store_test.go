package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prestonvasquez/topology-listener/metrics"
	"github.com/prestonvasquez/topology-listener/mongoevent"
	"github.com/prestonvasquez/topology-listener/sink"
	"github.com/prestonvasquez/topology-listener/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testMembers = []topology.MemberInfo{
	{Host: "h1", Region: "us-east", Provider: "AWS"},
	{Host: "h2", Region: "us-west", Provider: "AWS"},
	{Host: "h3", Region: "europe-west1", Provider: "GCP"},
}

func snapshotWithPrimary(t *testing.T, primary string) topology.Snapshot {
	t.Helper()

	st, err := topology.NewShardTopology("rs0", primary, testMembers)
	require.NoError(t, err)

	return topology.NewSnapshot(st)
}

type scanResult struct {
	snap topology.Snapshot
	err  error
}

// scriptedScanner returns its results in order and repeats the last one.
type scriptedScanner struct {
	mu      sync.Mutex
	results []scanResult
	calls   int

	// gate, when set, blocks every scan after the first until it is closed.
	gate    chan struct{}
	started chan int
	delay   time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *scriptedScanner) Scan(ctx context.Context) (topology.Snapshot, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)

	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	r := s.results[min(idx, len(s.results)-1)]
	s.mu.Unlock()

	if s.started != nil {
		s.started <- idx
	}

	if s.gate != nil && idx > 0 {
		<-s.gate
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	return r.snap, r.err
}

func (s *scriptedScanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func newTestStore(t *testing.T, scanner Scanner, opts ...Option) (*Store, *sink.Recorder, *metrics.Metrics) {
	t.Helper()

	rec := sink.NewRecorder(0)
	m := metrics.New(prometheus.NewRegistry())

	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(m),
		WithRetry(0, time.Millisecond, time.Millisecond),
	}, opts...)

	return New(scanner, rec, opts...), rec, m
}

func TestInitiateWithoutTriggers(t *testing.T) {
	scanner := &scriptedScanner{results: []scanResult{{snap: snapshotWithPrimary(t, "h1")}}}
	s, rec, _ := newTestStore(t, scanner)

	require.Equal(t, StateUninitialized, s.State())
	require.NoError(t, s.Initiate(context.Background()))
	assert.Equal(t, StateReady, s.State())

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, sink.EventInitialTopology, events[0].Type)
	assert.True(t, snapshotWithPrimary(t, "h1").Equal(events[0].Value.(topology.Snapshot)))
	assert.Empty(t, rec.FieldChanges())

	assert.ErrorIs(t, s.Initiate(context.Background()), ErrAlreadyInitiated)
	assert.Len(t, rec.Events(), 1)
}

func TestInitiateFailureIsBootstrapFailure(t *testing.T) {
	queryErr := &topology.ShardError{Shard: "rs0", Kind: topology.ErrQueryFailure, Err: errors.New("boom")}
	scanner := &scriptedScanner{results: []scanResult{{err: queryErr}}}
	s, rec, _ := newTestStore(t, scanner)

	err := s.Initiate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, topology.ErrBootstrapFailure)
	assert.ErrorIs(t, err, topology.ErrQueryFailure)

	assert.Equal(t, StateUninitialized, s.State())
	assert.Empty(t, rec.Events())
	assert.ErrorIs(t, s.OnTrigger(context.Background()), ErrNotReady)
}

func TestTriggerBeforeInitiateIsDropped(t *testing.T) {
	scanner := &scriptedScanner{results: []scanResult{{snap: snapshotWithPrimary(t, "h1")}}}
	s, _, m := newTestStore(t, scanner)

	assert.False(t, s.Trigger())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriggersDropped.WithLabelValues(dropUninitialized)))

	require.NoError(t, s.Initiate(context.Background()))

	select {
	case <-s.pending:
		t.Fatal("trigger before initiate must not leave a pending rescan")
	default:
	}
}

func TestOnTriggerPublishesDiffThenReplaces(t *testing.T) {
	scanner := &scriptedScanner{results: []scanResult{
		{snap: snapshotWithPrimary(t, "h1")},
		{snap: snapshotWithPrimary(t, "h2")},
		{snap: snapshotWithPrimary(t, "h3")},
	}}
	s, rec, m := newTestStore(t, scanner)

	require.NoError(t, s.Initiate(context.Background()))
	require.NoError(t, s.OnTrigger(context.Background()))

	assert.Equal(t, []sink.FieldChange{
		{Shard: "rs0", Type: topology.FieldPrimaryHost, Previous: "h1", New: "h2"},
		{Shard: "rs0", Type: topology.FieldPrimaryRegion, Previous: "us-east", New: "us-west"},
	}, rec.FieldChanges())
	assert.True(t, snapshotWithPrimary(t, "h2").Equal(s.Current()))

	rec.Reset()
	require.NoError(t, s.OnTrigger(context.Background()))

	assert.Equal(t, []sink.FieldChange{
		{Shard: "rs0", Type: topology.FieldPrimaryHost, Previous: "h2", New: "h3"},
		{Shard: "rs0", Type: topology.FieldPrimaryRegion, Previous: "us-west", New: "europe-west1"},
		{Shard: "rs0", Type: topology.FieldPrimaryProvider, Previous: "AWS", New: "GCP"},
	}, rec.FieldChanges())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rescans.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Changes.WithLabelValues("rs0", "primary_host")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Changes.WithLabelValues("rs0", "primary_provider")))
}

func TestOnTriggerFailureKeepsSnapshot(t *testing.T) {
	scanErr := &topology.ShardError{Shard: "rs0", Kind: topology.ErrConnectionFailure, Err: errors.New("connection refused")}
	scanner := &scriptedScanner{results: []scanResult{
		{snap: snapshotWithPrimary(t, "h1")},
		{err: scanErr},
	}}

	var reported []error
	s, rec, m := newTestStore(t, scanner,
		WithRetry(2, time.Millisecond, 2*time.Millisecond),
		WithErrorHandler(func(err error) { reported = append(reported, err) }))

	require.NoError(t, s.Initiate(context.Background()))
	before, err := json.Marshal(s.Current())
	require.NoError(t, err)

	err = s.OnTrigger(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, topology.ErrConnectionFailure)

	// One initial scan, then the failed attempt and two retries.
	assert.Equal(t, 4, scanner.Calls())
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], topology.ErrConnectionFailure)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rescans.WithLabelValues("failure")))

	after, err := json.Marshal(s.Current())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, rec.Events(), 1)
	assert.Equal(t, StateReady, s.State())
}

func TestOnTriggerRetriesTransientFailure(t *testing.T) {
	scanner := &scriptedScanner{results: []scanResult{
		{snap: snapshotWithPrimary(t, "h1")},
		{err: &topology.ShardError{Shard: "rs0", Kind: topology.ErrPrimaryNotInMembership}},
		{snap: snapshotWithPrimary(t, "h2")},
	}}
	s, rec, m := newTestStore(t, scanner, WithRetry(3, time.Millisecond, time.Millisecond))

	require.NoError(t, s.Initiate(context.Background()))
	require.NoError(t, s.OnTrigger(context.Background()))

	assert.Len(t, rec.FieldChanges(), 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ScanAttempts))
	assert.Zero(t, testutil.ToFloat64(m.Rescans.WithLabelValues("failure")))
}

func TestConcurrentTriggersAreSerialized(t *testing.T) {
	scanner := &scriptedScanner{
		results: []scanResult{
			{snap: snapshotWithPrimary(t, "h1")},
			{snap: snapshotWithPrimary(t, "h2")},
			{snap: snapshotWithPrimary(t, "h3")},
		},
		delay: 50 * time.Millisecond,
	}
	s, rec, _ := newTestStore(t, scanner)
	require.NoError(t, s.Initiate(context.Background()))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.OnTrigger(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), scanner.maxInflight.Load())
	assert.True(t, snapshotWithPrimary(t, "h3").Equal(s.Current()))

	// The second rescan diffs against the first one's result.
	assert.Equal(t, []sink.FieldChange{
		{Shard: "rs0", Type: topology.FieldPrimaryHost, Previous: "h1", New: "h2"},
		{Shard: "rs0", Type: topology.FieldPrimaryRegion, Previous: "us-east", New: "us-west"},
		{Shard: "rs0", Type: topology.FieldPrimaryHost, Previous: "h2", New: "h3"},
		{Shard: "rs0", Type: topology.FieldPrimaryRegion, Previous: "us-west", New: "europe-west1"},
		{Shard: "rs0", Type: topology.FieldPrimaryProvider, Previous: "AWS", New: "GCP"},
	}, rec.FieldChanges())
}

func TestRunCoalescesTriggers(t *testing.T) {
	scanner := &scriptedScanner{
		results: []scanResult{
			{snap: snapshotWithPrimary(t, "h1")},
			{snap: snapshotWithPrimary(t, "h2")},
		},
		gate:    make(chan struct{}),
		started: make(chan int, 16),
	}
	s, _, m := newTestStore(t, scanner)
	require.NoError(t, s.Initiate(context.Background()))
	require.Equal(t, 0, <-scanner.started)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger())
	require.Equal(t, 1, <-scanner.started)

	// The first rescan is blocked; everything below collapses into one.
	for range 10 {
		assert.True(t, s.Trigger())
	}
	assert.Equal(t, 9.0, testutil.ToFloat64(m.TriggersDropped.WithLabelValues(dropCoalesced)))

	close(scanner.gate)
	require.Equal(t, 2, <-scanner.started)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Rescans.WithLabelValues("success")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, scanner.Calls())

	cancel()
	require.NoError(t, <-done)
}

func TestRunShutdownFinishesInflightRescan(t *testing.T) {
	scanner := &scriptedScanner{
		results: []scanResult{
			{snap: snapshotWithPrimary(t, "h1")},
			{snap: snapshotWithPrimary(t, "h2")},
		},
		gate:    make(chan struct{}),
		started: make(chan int, 4),
	}
	s, rec, _ := newTestStore(t, scanner)
	require.NoError(t, s.Initiate(context.Background()))
	<-scanner.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger())
	<-scanner.started

	cancel()
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
	assert.False(t, s.Trigger())

	close(scanner.gate)
	require.NoError(t, <-done)

	assert.True(t, snapshotWithPrimary(t, "h2").Equal(s.Current()))
	assert.Len(t, rec.FieldChanges(), 2)
	assert.Equal(t, 2, scanner.Calls())
}

func TestRunShutdownStopsRetrying(t *testing.T) {
	scanner := &scriptedScanner{
		results: []scanResult{
			{snap: snapshotWithPrimary(t, "h1")},
			{err: errors.New("connection refused")},
		},
		started: make(chan int, 8),
	}
	s, rec, _ := newTestStore(t, scanner, WithRetry(5, time.Second, time.Second))
	require.NoError(t, s.Initiate(context.Background()))
	<-scanner.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Trigger())
	require.Equal(t, 1, <-scanner.started)

	// The failed attempt is now waiting out its backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run kept retrying after cancellation")
	}

	assert.Equal(t, 2, scanner.Calls())
	assert.True(t, snapshotWithPrimary(t, "h1").Equal(s.Current()))
	assert.Len(t, rec.Events(), 1)
}

func TestRunMinInterval(t *testing.T) {
	scanner := &scriptedScanner{
		results: []scanResult{{snap: snapshotWithPrimary(t, "h1")}},
		started: make(chan int, 8),
	}
	s, _, _ := newTestStore(t, scanner, WithMinInterval(100*time.Millisecond))
	require.NoError(t, s.Initiate(context.Background()))
	<-scanner.started

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Trigger()
	<-scanner.started
	first := time.Now()

	require.True(t, s.Trigger())
	<-scanner.started

	assert.GreaterOrEqual(t, time.Since(first), 80*time.Millisecond)
}

func TestBridgeUnknownPreviousNeverTriggersRescan(t *testing.T) {
	scanner := &scriptedScanner{results: []scanResult{
		{snap: snapshotWithPrimary(t, "h1")},
		{snap: snapshotWithPrimary(t, "h2")},
	}}
	s, rec, _ := newTestStore(t, scanner)
	require.NoError(t, s.Initiate(context.Background()))

	bridge := mongoevent.NewBridge("rs0", s, zaptest.NewLogger(t), nil)

	assert.False(t, bridge.Handle(mongoevent.RoleChange{
		Shard:    "rs0",
		Address:  "h2",
		Previous: mongoevent.RoleUnknown,
		New:      mongoevent.RoleRSPrimary,
	}))
	assert.Empty(t, s.pending)

	assert.True(t, bridge.Handle(mongoevent.RoleChange{
		Shard:    "rs0",
		Address:  "h1",
		Previous: mongoevent.RoleRSPrimary,
		New:      mongoevent.RoleRSSecondary,
	}))
	assert.Len(t, s.pending, 1)

	assert.Equal(t, 1, scanner.Calls())
	assert.Len(t, rec.Events(), 1)
}
