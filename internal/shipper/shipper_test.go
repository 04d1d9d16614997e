package shipper_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/toolaudit/internal/buffer"
	"github.com/gosuda/toolaudit/internal/domain"
	"github.com/gosuda/toolaudit/internal/shipper"
)

// --- mocks ---

type mockSink struct {
	mu      sync.Mutex
	batches [][]*domain.AuditLogEntry
	calls   int
	sendErr error
	// failFirst makes the first N calls fail with sendErr.
	failFirst int
	onSend    func()
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) Send(_ context.Context, entries []*domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.onSend != nil {
		m.onSend()
	}
	if m.sendErr != nil && (m.failFirst == 0 || m.calls <= m.failFirst) {
		return m.sendErr
	}
	m.batches = append(m.batches, append([]*domain.AuditLogEntry(nil), entries...))
	return nil
}

func (m *mockSink) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, 0, len(m.batches))
	for _, b := range m.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type mockNotifier struct {
	failures []shipper.DeliveryFailure
}

func (m *mockNotifier) DeliveryFailed(_ context.Context, f shipper.DeliveryFailure) error {
	m.failures = append(m.failures, f)
	return nil
}

type failingStore struct {
	statsErr error
	readErr  error
	stats    map[string]int
}

func (f *failingStore) Stats(context.Context) (map[string]int, error) {
	return f.stats, f.statsErr
}

func (f *failingStore) ReadSegment(context.Context, string) ([]*domain.AuditLogEntry, error) {
	return nil, f.readErr
}

func (f *failingStore) ClearShipped(context.Context, string, int) error { return nil }

// --- helpers ---

var today = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test fixture

func newBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	b := buffer.New(t.TempDir(), buffer.WithClock(func() time.Time { return today }))
	require.NoError(t, b.Init(t.Context()))
	return b
}

func fill(t *testing.T, b *buffer.Buffer, source string, n int) {
	t.Helper()
	for range n {
		require.NoError(t, b.Add(t.Context(), &domain.AuditLogEntry{
			ID:        uuid.New(),
			Timestamp: today,
			User:      "alice",
			Source:    source,
			Action:    "list_repos",
			Result:    domain.ResultSuccess,
		}))
	}
}

func fastConfig() shipper.Config {
	cfg := shipper.DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

// --- tests ---

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    shipper.FailurePolicy
		wantErr bool
	}{
		{in: "", want: shipper.FailureDrop},
		{in: "drop", want: shipper.FailureDrop},
		{in: "retain", want: shipper.FailureRetain},
		{in: "retain-for-next-cycle", wantErr: true},
		{in: "DROP", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := shipper.ParseFailurePolicy(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, shipper.ErrInvalidPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	s := shipper.New(newBuffer(t), &mockSink{}, shipper.Config{})
	cfg := s.Config()

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.FlushInterval)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, shipper.FailureDrop, cfg.OnDeliveryFailure)
}

func TestDrainAll_Batching(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 250)
	sink := &mockSink{}

	s := shipper.New(buf, sink, fastConfig())
	require.NoError(t, s.DrainAll(t.Context()))

	assert.Equal(t, []int{100, 100, 50}, sink.batchSizes())
	assert.Equal(t, 3, sink.calls)

	stats, err := buf.Stats(t.Context())
	require.NoError(t, err)
	assert.Empty(t, stats)

	m := s.Metrics()
	assert.Equal(t, int64(3), m.BatchesShipped)
	assert.Equal(t, int64(250), m.EntriesShipped)
	assert.False(t, m.LastDrainAt.IsZero())
}

func TestDrainAll_PreservesOrder(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 5)
	want, err := buf.Read(t.Context(), "gh")
	require.NoError(t, err)

	sink := &mockSink{}
	cfg := fastConfig()
	cfg.BatchSize = 2
	require.NoError(t, shipper.New(buf, sink, cfg).DrainAll(t.Context()))

	var got []uuid.UUID
	for _, b := range sink.batches {
		for _, e := range b {
			got = append(got, e.ID)
		}
	}
	require.Len(t, got, 5)
	for i := range want {
		assert.Equal(t, want[i].ID, got[i])
	}
}

func TestDrainAll_MultipleSegments(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 3)
	fill(t, buf, "aws", 2)
	sink := &mockSink{}

	require.NoError(t, shipper.New(buf, sink, fastConfig()).DrainAll(t.Context()))

	// Segments are drained in name order.
	assert.Equal(t, []int{2, 3}, sink.batchSizes())
	assert.Equal(t, "aws", sink.batches[0][0].Source)
}

func TestDrainAll_EmptyBuffer(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	require.NoError(t, shipper.New(newBuffer(t), sink, fastConfig()).DrainAll(t.Context()))
	assert.Zero(t, sink.calls)
}

func TestDrainAll_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 10)
	sink := &mockSink{sendErr: errors.New("503"), failFirst: 2}
	sleeps := &recordedSleeps{}

	s := shipper.New(buf, sink, fastConfig(), shipper.WithSleep(sleeps.sleep))
	require.NoError(t, s.DrainAll(t.Context()))

	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []int{10}, sink.batchSizes())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps.delays)
	assert.Zero(t, s.Metrics().BatchesFailed)
}

func TestDrainAll_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	t.Run("drop clears the batch", func(t *testing.T) {
		t.Parallel()

		buf := newBuffer(t)
		fill(t, buf, "gh", 150)
		sink := &mockSink{sendErr: errors.New("connection refused")}
		sleeps := &recordedSleeps{}
		notifier := &mockNotifier{}

		cfg := fastConfig()
		cfg.RetryAttempts = 4
		s := shipper.New(buf, sink, cfg, shipper.WithSleep(sleeps.sleep), shipper.WithNotifier(notifier))
		require.NoError(t, s.DrainAll(t.Context()))

		// Two batches, four attempts each.
		assert.Equal(t, 8, sink.calls)
		assert.Equal(t, []time.Duration{
			10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
			10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
		}, sleeps.delays)

		stats, err := buf.Stats(t.Context())
		require.NoError(t, err)
		assert.Empty(t, stats)

		m := s.Metrics()
		assert.Equal(t, int64(2), m.BatchesFailed)
		assert.Equal(t, int64(150), m.EntriesDropped)

		require.Len(t, notifier.failures, 2)
		assert.Equal(t, 100, notifier.failures[0].Entries)
		assert.Equal(t, 4, notifier.failures[0].Attempts)
		assert.True(t, notifier.failures[0].Dropped)
		assert.Equal(t, "gh-2026-10-14", notifier.failures[0].Segment)
		require.Error(t, notifier.failures[0].Err)
	})

	t.Run("retain keeps the batch", func(t *testing.T) {
		t.Parallel()

		buf := newBuffer(t)
		fill(t, buf, "gh", 150)
		sink := &mockSink{sendErr: errors.New("connection refused")}
		sleeps := &recordedSleeps{}

		cfg := fastConfig()
		cfg.OnDeliveryFailure = shipper.FailureRetain
		s := shipper.New(buf, sink, cfg, shipper.WithSleep(sleeps.sleep))
		require.NoError(t, s.DrainAll(t.Context()))

		// The first batch fails and the rest of the segment waits.
		assert.Equal(t, 3, sink.calls)

		stats, err := buf.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"gh-2026-10-14": 150}, stats)
		assert.Zero(t, s.Metrics().EntriesDropped)

		// Once the sink recovers the next cycle delivers everything.
		sink.sendErr = nil
		require.NoError(t, s.DrainAll(t.Context()))
		assert.Equal(t, []int{100, 50}, sink.batchSizes())

		stats, err = buf.Stats(t.Context())
		require.NoError(t, err)
		assert.Empty(t, stats)
	})
}

func TestDrainAll_Interrupted(t *testing.T) {
	t.Parallel()

	t.Run("cancellation during send is not a failure", func(t *testing.T) {
		t.Parallel()

		buf := newBuffer(t)
		fill(t, buf, "gh", 5)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		sink := &mockSink{sendErr: errors.New("request aborted"), onSend: cancel}
		notifier := &mockNotifier{}

		s := shipper.New(buf, sink, fastConfig(), shipper.WithNotifier(notifier))
		err := s.DrainAll(ctx)
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, 1, sink.calls)
		assert.Empty(t, notifier.failures)
		m := s.Metrics()
		assert.Zero(t, m.BatchesFailed)
		assert.Zero(t, m.EntriesDropped)

		stats, err := buf.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"gh-2026-10-14": 5}, stats)
	})

	t.Run("cancellation during backoff keeps the batch", func(t *testing.T) {
		t.Parallel()

		buf := newBuffer(t)
		fill(t, buf, "gh", 3)
		sink := &mockSink{sendErr: errors.New("503")}
		interrupted := func(context.Context, time.Duration) error { return context.DeadlineExceeded }

		s := shipper.New(buf, sink, fastConfig(), shipper.WithSleep(interrupted))
		require.ErrorIs(t, s.DrainAll(t.Context()), context.DeadlineExceeded)

		assert.Equal(t, 1, sink.calls)
		assert.Zero(t, s.Metrics().EntriesDropped)

		stats, err := buf.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 3, stats["gh-2026-10-14"])
	})
}

func TestDrainAll_RemovesUndecodableSegments(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 1)
	junk := filepath.Join(buf.Dir(), "gh-2026-10-13.jsonl")
	require.NoError(t, os.WriteFile(junk, []byte(`{"id":"torn`), 0o640))

	sink := &mockSink{}
	require.NoError(t, shipper.New(buf, sink, fastConfig()).DrainAll(t.Context()))

	assert.Equal(t, []int{1}, sink.batchSizes())
	assert.NoFileExists(t, junk)

	stats, err := buf.Stats(t.Context())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestDrainAll_StoreErrors(t *testing.T) {
	t.Parallel()

	t.Run("stats error propagates", func(t *testing.T) {
		t.Parallel()

		s := shipper.New(&failingStore{statsErr: errors.New("disk gone")}, &mockSink{}, fastConfig())
		err := s.DrainAll(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stats")
	})

	t.Run("read error propagates and flag is cleared", func(t *testing.T) {
		t.Parallel()

		store := &failingStore{stats: map[string]int{"gh-2026-10-14": 1}, readErr: errors.New("eio")}
		s := shipper.New(store, &mockSink{}, fastConfig())

		err := s.DrainAll(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read gh-2026-10-14")

		// A second cycle runs rather than being skipped as in-flight.
		err = s.DrainAll(t.Context())
		require.Error(t, err)
	})
}

func TestDrainAll_SingleFlight(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	sink := &mockSink{onSend: func() {
		close(entered)
		<-release
	}}
	s := shipper.New(buf, sink, fastConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- s.DrainAll(t.Context()) }()

	<-entered
	// Second invocation returns immediately while the first is blocked.
	require.NoError(t, s.DrainAll(t.Context()))
	close(release)
	require.NoError(t, <-errCh)

	assert.Equal(t, 1, sink.calls)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 3)
	sink := &mockSink{}

	cfg := fastConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	s := shipper.New(buf, sink, cfg)

	s.Start(t.Context())
	s.Start(t.Context()) // no-op
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		stats, err := buf.Stats(t.Context())
		return err == nil && len(stats) == 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // no-op
	assert.False(t, s.Running())
	assert.Equal(t, []int{3}, sink.batchSizes())

	// Stopped loop no longer drains.
	fill(t, buf, "gh", 1)
	time.Sleep(30 * time.Millisecond)
	stats, err := buf.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["gh-2026-10-14"])
}

func TestStop_LetsInFlightDrainFinish(t *testing.T) {
	t.Parallel()

	buf := newBuffer(t)
	fill(t, buf, "gh", 2)

	entered := make(chan struct{})
	var once sync.Once
	sink := &mockSink{onSend: func() {
		once.Do(func() { close(entered) })
		time.Sleep(20 * time.Millisecond)
	}}

	cfg := fastConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	s := shipper.New(buf, sink, cfg)
	s.Start(t.Context())

	<-entered
	s.Stop()

	assert.Equal(t, []int{2}, sink.batchSizes())
	stats, err := buf.Stats(t.Context())
	require.NoError(t, err)
	assert.Empty(t, stats)
}
