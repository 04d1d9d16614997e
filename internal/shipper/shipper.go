// Package shipper drains buffered audit segments to a remote sink in batches,
// on a fixed interval, with bounded linear-backoff retries.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/toolaudit/internal/domain"
)

// ErrInvalidPolicy is returned when parsing an unknown delivery failure policy.
var ErrInvalidPolicy = errors.New("shipper: invalid delivery failure policy") //nolint:gochecknoglobals // sentinel error

// FailurePolicy decides what happens to a batch whose retries are exhausted.
type FailurePolicy string

const (
	// FailureDrop clears the batch from the buffer as if it had been delivered.
	FailureDrop FailurePolicy = "drop"
	// FailureRetain keeps the batch and the rest of its segment for the next cycle.
	FailureRetain FailurePolicy = "retain"
)

// ParseFailurePolicy maps a configuration string to a FailurePolicy.
// The empty string selects FailureDrop.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailureDrop:
		return FailureDrop, nil
	case FailureRetain:
		return FailureRetain, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// SegmentStore is the subset of the local buffer the shipper drains.
// *buffer.Buffer satisfies this interface.
type SegmentStore interface {
	Stats(ctx context.Context) (map[string]int, error)
	ReadSegment(ctx context.Context, name string) ([]*domain.AuditLogEntry, error)
	ClearShipped(ctx context.Context, name string, count int) error
}

// Sink delivers one batch of entries to a remote destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, entries []*domain.AuditLogEntry) error
}

// DeliveryFailure describes a batch whose delivery attempts were exhausted.
type DeliveryFailure struct {
	Sink     string
	Segment  string
	Entries  int
	Attempts int
	Dropped  bool
	Err      error
}

// FailureNotifier is told about every batch whose retries were exhausted.
type FailureNotifier interface {
	DeliveryFailed(ctx context.Context, f DeliveryFailure) error
}

// Config holds shipping parameters.
type Config struct {
	BatchSize         int
	FlushInterval     time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	OnDeliveryFailure FailurePolicy
}

// DefaultConfig returns the default shipping parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		FlushInterval:     60 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		RequestTimeout:    10 * time.Second,
		OnDeliveryFailure: FailureDrop,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.OnDeliveryFailure == "" {
		c.OnDeliveryFailure = d.OnDeliveryFailure
	}
	return c
}

// Metrics is a snapshot of delivery counters.
type Metrics struct {
	BatchesShipped int64     `json:"batches_shipped"`
	EntriesShipped int64     `json:"entries_shipped"`
	BatchesFailed  int64     `json:"batches_failed"`
	EntriesDropped int64     `json:"entries_dropped"`
	LastDrainAt    time.Time `json:"last_drain_at,omitzero"`
}

// Option configures a Shipper.
type Option func(*Shipper)

// WithNotifier reports exhausted deliveries to n.
func WithNotifier(n FailureNotifier) Option {
	return func(s *Shipper) { s.notifier = n }
}

// WithLimiter throttles outbound sink requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Shipper) { s.limiter = l }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Shipper) { s.sleep = sleep }
}

// loopHandle owns one running flush loop.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Shipper periodically drains every buffer segment to a Sink.
type Shipper struct {
	store    SegmentStore
	sink     Sink
	cfg      Config
	notifier FailureNotifier
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	loop *loopHandle

	draining atomic.Bool

	batchesShipped atomic.Int64
	entriesShipped atomic.Int64
	batchesFailed  atomic.Int64
	entriesDropped atomic.Int64
	lastDrain      atomic.Int64
}

// New creates a Shipper. Zero BatchSize, FlushInterval, RetryAttempts and
// RequestTimeout take their DefaultConfig value; a zero RetryDelay disables
// backoff between attempts.
func New(store SegmentStore, sink Sink, cfg Config, opts ...Option) *Shipper {
	s := &Shipper{
		store: store,
		sink:  sink,
		cfg:   cfg.withDefaults(),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Shipper) Config() Config { return s.cfg }

// Start launches the flush loop. Calling Start while the loop runs is a no-op.
func (s *Shipper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loop = h

	go s.run(loopCtx, h.done)

	log.Info().
		Str("sink", s.sink.Name()).
		Dur("flush_interval", s.cfg.FlushInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("shipper started")
}

// Stop cancels the flush loop and waits for it to exit. A drain cycle that
// is already running completes first.
func (s *Shipper) Stop() {
	s.mu.Lock()
	h := s.loop
	s.loop = nil
	s.mu.Unlock()

	if h == nil {
		return
	}
	h.cancel()
	<-h.done

	log.Info().Str("sink", s.sink.Name()).Msg("shipper stopped")
}

// Running reports whether the flush loop is active.
func (s *Shipper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

func (s *Shipper) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Detached so that Stop lets the in-flight cycle finish.
			if err := s.DrainAll(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Str("sink", s.sink.Name()).Msg("shipper: drain cycle failed")
			}
		}
	}
}

// DrainAll ships every buffered segment in batches of at most BatchSize and
// clears each batch from its segment once it is processed. If another drain
// cycle is in flight, DrainAll returns nil immediately.
func (s *Shipper) DrainAll(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		log.Debug().Msg("shipper: drain already in flight, skipping")
		return nil
	}
	defer s.draining.Store(false)

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("shipper.Shipper.DrainAll: stats: %w", err)
	}

	// Segments with no readable entries are visited too so the store can
	// remove them.
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := s.drainSegment(ctx, name); err != nil {
			return fmt.Errorf("shipper.Shipper.DrainAll: %w", err)
		}
	}

	s.lastDrain.Store(time.Now().UnixNano())
	return nil
}

func (s *Shipper) drainSegment(ctx context.Context, name string) error {
	entries, err := s.store.ReadSegment(ctx, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(entries) == 0 {
		if err := s.store.ClearShipped(ctx, name, 0); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		return nil
	}

	for start := 0; start < len(entries); start += s.cfg.BatchSize {
		chunk := entries[start:min(start+s.cfg.BatchSize, len(entries))]

		failure, err := s.shipBatch(ctx, name, chunk)
		if err != nil {
			// Interrupted, not failed: the batch stays for the next cycle.
			return fmt.Errorf("ship %s: %w", name, err)
		}

		if failure != nil && s.cfg.OnDeliveryFailure == FailureRetain {
			s.reportFailure(ctx, *failure)
			log.Warn().
				Str("segment", name).
				Int("remaining", len(entries)-start).
				Msg("shipper: retaining undelivered entries for next cycle")
			return nil
		}

		if err := s.store.ClearShipped(ctx, name, len(chunk)); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}

		if failure != nil {
			failure.Dropped = true
			s.entriesDropped.Add(int64(len(chunk)))
			s.reportFailure(ctx, *failure)
		}
	}

	return nil
}

// shipBatch delivers entries with up to RetryAttempts attempts. After failed
// attempt n it waits RetryDelay*n. A nil failure means the batch was
// delivered. The error is non-nil only when ctx ends before the attempts
// are used up; delivery errors are reported through the failure.
func (s *Shipper) shipBatch(ctx context.Context, segment string, entries []*domain.AuditLogEntry) (*DeliveryFailure, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		attempts = attempt
		lastErr = s.send(ctx, entries)
		if lastErr == nil {
			s.batchesShipped.Add(1)
			s.entriesShipped.Add(int64(len(entries)))
			log.Debug().
				Str("sink", s.sink.Name()).
				Str("segment", segment).
				Int("batch_size", len(entries)).
				Int("attempt", attempt).
				Msg("shipper: batch delivered")
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log.Warn().Err(lastErr).
			Str("sink", s.sink.Name()).
			Str("segment", segment).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.RetryAttempts).
			Msg("shipper: delivery attempt failed")

		if attempt == s.cfg.RetryAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}

	return &DeliveryFailure{
		Sink:     s.sink.Name(),
		Segment:  segment,
		Entries:  len(entries),
		Attempts: attempts,
		Err:      lastErr,
	}, nil
}

// reportFailure counts an exhausted batch once its fate is settled and tells
// the notifier, if any.
func (s *Shipper) reportFailure(ctx context.Context, f DeliveryFailure) {
	s.batchesFailed.Add(1)

	log.Error().Err(f.Err).
		Str("sink", f.Sink).
		Str("segment", f.Segment).
		Int("batch_size", f.Entries).
		Int("attempts", f.Attempts).
		Bool("dropped", f.Dropped).
		Msg("shipper: delivery retries exhausted")

	if s.notifier == nil {
		return
	}
	if err := s.notifier.DeliveryFailed(ctx, f); err != nil {
		log.Warn().Err(err).Msg("shipper: failure notification failed")
	}
}

func (s *Shipper) send(ctx context.Context, entries []*domain.AuditLogEntry) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	return s.sink.Send(reqCtx, entries)
}

// Metrics returns a snapshot of the delivery counters.
func (s *Shipper) Metrics() Metrics {
	m := Metrics{
		BatchesShipped: s.batchesShipped.Load(),
		EntriesShipped: s.entriesShipped.Load(),
		BatchesFailed:  s.batchesFailed.Load(),
		EntriesDropped: s.entriesDropped.Load(),
	}
	if ns := s.lastDrain.Load(); ns != 0 {
		m.LastDrainAt = time.Unix(0, ns).UTC()
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
