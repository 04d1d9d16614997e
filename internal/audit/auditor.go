// Package audit is the facade every tool-invoking call site uses. It builds
// audit entries, sanitizes them, writes them durably to the local buffer and
// owns the lifecycle of the background shipper.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolaudit/internal/domain"
	"github.com/gosuda/toolaudit/internal/sanitize"
)

// EntryWriter is the durable local buffer.
// *buffer.Buffer satisfies this interface.
type EntryWriter interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, entry *domain.AuditLogEntry) error
}

// Drainer ships buffered entries in the background.
// *shipper.Shipper satisfies this interface.
type Drainer interface {
	Start(ctx context.Context)
	Stop()
	DrainAll(ctx context.Context) error
}

// Config identifies the deployment that produces entries.
type Config struct {
	Source    string
	SessionID string
	Model     string
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(a *Auditor) { a.newID = newID }
}

// Auditor composes the sanitizer, the local buffer and an optional shipper.
type Auditor struct {
	cfg     Config
	buffer  EntryWriter
	shipper Drainer
	now     func() time.Time
	newID   func() uuid.UUID
}

// New creates an Auditor. ship may be nil, in which case entries are only
// written locally and never shipped.
func New(cfg Config, buf EntryWriter, ship Drainer, opts ...Option) *Auditor {
	a := &Auditor{
		cfg:     cfg,
		buffer:  buf,
		shipper: ship,
		now:     time.Now,
		newID:   uuid.New,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Source returns the configured source identifier.
func (a *Auditor) Source() string { return a.cfg.Source }

// Shipping reports whether a shipper is configured.
func (a *Auditor) Shipping() bool { return a.shipper != nil }

// Init prepares the buffer and starts the shipper, if any. The shipper's
// flush loop lives until ctx is canceled or Shutdown is called.
func (a *Auditor) Init(ctx context.Context) error {
	if err := a.buffer.Init(ctx); err != nil {
		return fmt.Errorf("audit.Auditor.Init: %w", err)
	}
	if a.shipper != nil {
		a.shipper.Start(ctx)
	}

	log.Info().
		Str("source", a.cfg.Source).
		Bool("shipping", a.shipper != nil).
		Msg("audit logging initialized")
	return nil
}

// Shutdown stops the flush loop and runs one last drain.
func (a *Auditor) Shutdown(ctx context.Context) error {
	if a.shipper == nil {
		return nil
	}
	a.shipper.Stop()
	if err := a.shipper.DrainAll(ctx); err != nil {
		return fmt.Errorf("audit.Auditor.Shutdown: final drain: %w", err)
	}
	return nil
}

// UnspecifiedError is recorded for error results that carry no message.
const UnspecifiedError = "unspecified error"

// Log assigns the server-side fields, sanitizes the parameters and appends
// the entry to the buffer. It returns only after the entry is durable; a
// buffer failure is returned to the caller.
func (a *Auditor) Log(ctx context.Context, p domain.PartialEntry) (*domain.AuditLogEntry, error) {
	if p.Action == "" {
		return nil, fmt.Errorf("audit.Auditor.Log: %w: action is required", domain.ErrInvalidEntry)
	}
	if !p.Result.Valid() {
		return nil, fmt.Errorf("audit.Auditor.Log: %w: result %q", domain.ErrInvalidEntry, p.Result)
	}

	cc := p.Context
	if cc.SessionID == "" {
		cc.SessionID = a.cfg.SessionID
	}
	if cc.Model == "" {
		cc.Model = a.cfg.Model
	}
	if cc.PromptHash == "" && p.Prompt != "" {
		cc.PromptHash = HashPrompt(p.Prompt)
	}

	entry := &domain.AuditLogEntry{
		ID:         a.newID(),
		Timestamp:  a.now().UTC(),
		User:       p.User,
		Source:     a.cfg.Source,
		Action:     p.Action,
		Parameters: sanitize.Sanitize(p.Parameters),
		Result:     p.Result,
		Context:    cc,
	}
	if entry.Parameters == nil {
		entry.Parameters = map[string]any{}
	}
	if p.Result == domain.ResultError {
		entry.ErrorMessage = p.ErrorMessage
		if entry.ErrorMessage == "" {
			entry.ErrorMessage = UnspecifiedError
		}
	}

	if err := a.buffer.Add(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit.Auditor.Log: %w", err)
	}
	return entry, nil
}

// HashPrompt returns the hex SHA-256 digest stored in place of a raw prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
