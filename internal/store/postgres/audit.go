package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gosuda/toolaudit/internal/domain"
)

// CreateAuditLogTable creates the table shipped entries are copied into.
const CreateAuditLogTable = `CREATE TABLE IF NOT EXISTS tool_audit_log (
	id            UUID PRIMARY KEY,
	timestamp     TIMESTAMPTZ NOT NULL,
	user_id       TEXT NOT NULL,
	source        TEXT NOT NULL,
	action        TEXT NOT NULL,
	parameters    JSONB NOT NULL,
	result        TEXT NOT NULL,
	error_message TEXT,
	session_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	prompt_hash   TEXT
)`

// insertAuditLog skips rows whose id is already stored, so a batch that is
// delivered twice (a crash between commit and clear) is not rejected.
const insertAuditLog = `INSERT INTO tool_audit_log (
	id, timestamp, user_id, source, action, parameters,
	result, error_message, session_id, model, prompt_hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// DBTX is the subset of *pgxpool.Pool used by AuditLogRepo.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type AuditLogRepo struct {
	db DBTX
}

func NewAuditLogRepo(db DBTX) *AuditLogRepo {
	return &AuditLogRepo{db: db}
}

// Migrate creates the audit log table if needed.
func (r *AuditLogRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, CreateAuditLogTable); err != nil {
		return fmt.Errorf("auditLogRepo.Migrate: %w", err)
	}
	return nil
}

// InsertBatch writes entries in one pipelined round trip, which Postgres
// runs as a single implicit transaction. It returns the number of rows
// inserted; entries already present are skipped and not counted.
func (r *AuditLogRepo) InsertBatch(ctx context.Context, entries []*domain.AuditLogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		row, err := auditLogRow(e)
		if err != nil {
			return 0, fmt.Errorf("auditLogRepo.InsertBatch: %w", err)
		}
		batch.Queue(insertAuditLog, row...)
	}

	results := r.db.SendBatch(ctx, batch)
	var inserted int64
	for range entries {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("auditLogRepo.InsertBatch: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("auditLogRepo.InsertBatch: %w", err)
	}
	return inserted, nil
}

func auditLogRow(e *domain.AuditLogEntry) ([]any, error) {
	params := e.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters of %s: %w", e.ID, err)
	}

	return []any{
		e.ID, e.Timestamp, e.User, e.Source, e.Action, raw,
		string(e.Result), nullable(e.ErrorMessage),
		e.Context.SessionID, e.Context.Model, nullable(e.Context.PromptHash),
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
