package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolaudit/internal/domain"
)

// BatchInserter writes a batch of entries to a table.
// *postgres.AuditLogRepo satisfies this interface.
type BatchInserter interface {
	InsertBatch(ctx context.Context, entries []*domain.AuditLogEntry) (int64, error)
}

// PostgresSink writes each batch into the tool_audit_log table.
type PostgresSink struct {
	repo BatchInserter
}

func NewPostgresSink(repo BatchInserter) *PostgresSink {
	return &PostgresSink{repo: repo}
}

// Name identifies the sink in logs.
func (s *PostgresSink) Name() string { return "postgres" }

// Send inserts entries. Fewer inserted rows than entries means some were
// already stored by an earlier delivery, which counts as delivered.
func (s *PostgresSink) Send(ctx context.Context, entries []*domain.AuditLogEntry) error {
	n, err := s.repo.InsertBatch(ctx, entries)
	if err != nil {
		return fmt.Errorf("sink.PostgresSink.Send: %w", err)
	}
	if n > int64(len(entries)) {
		return fmt.Errorf("sink.PostgresSink.Send: inserted %d rows for %d entries", n, len(entries))
	}
	if skipped := int64(len(entries)) - n; skipped > 0 {
		log.Debug().Int64("skipped", skipped).Int("batch_size", len(entries)).Msg("sink: entries already stored")
	}
	return nil
}
