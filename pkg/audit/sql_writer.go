package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLWriter is the optional durable downstream Writer, usable with either
// `github.com/lib/pq` (Postgres) or `modernc.org/sqlite` (embedded) via
// the standard database/sql handle.
type SQLWriter struct {
	db *sql.DB
}

// NewSQLWriter wraps an already-opened *sql.DB.
func NewSQLWriter(db *sql.DB) *SQLWriter {
	return &SQLWriter{db: db}
}

const decisionLogSchema = `
CREATE TABLE IF NOT EXISTS decision_logs (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	tenant_id TEXT,
	decision TEXT NOT NULL,
	error_kind TEXT,
	constitutional_hash TEXT NOT NULL,
	signature TEXT,
	recorded_at TIMESTAMP NOT NULL,
	payload JSONB
);
CREATE INDEX IF NOT EXISTS idx_decision_logs_conversation ON decision_logs(conversation_id);
`

// Init creates the backing table if it does not already exist.
func (w *SQLWriter) Init(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, decisionLogSchema)
	return err
}

// Write inserts a decision log row.
func (w *SQLWriter) Write(ctx context.Context, log DecisionLog) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("audit: marshal decision log: %w", err)
	}

	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO decision_logs
			(message_id, conversation_id, tenant_id, decision, error_kind, constitutional_hash, signature, recorded_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, log.MessageID, log.ConversationID, log.TenantID, log.Decision, log.ErrorKind, log.ConstitutionalHash, log.Signature, at, payload)
	if err != nil {
		return fmt.Errorf("audit: insert decision log: %w", err)
	}
	return nil
}
