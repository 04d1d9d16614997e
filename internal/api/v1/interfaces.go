package v1

import (
	"context"

	"github.com/gosuda/toolaudit/internal/domain"
	"github.com/gosuda/toolaudit/internal/shipper"
)

// BufferStats reports pending entries per segment.
// *buffer.Buffer satisfies this interface.
type BufferStats interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// Shipper abstracts the background shipper for handler testing.
// *shipper.Shipper satisfies this interface.
type Shipper interface {
	DrainAll(ctx context.Context) error
	Metrics() shipper.Metrics
	Running() bool
}

// EntryLogger records audit entries.
// *audit.Auditor satisfies this interface.
type EntryLogger interface {
	Source() string
	Log(ctx context.Context, p domain.PartialEntry) (*domain.AuditLogEntry, error)
}
