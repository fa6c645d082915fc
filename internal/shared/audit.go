package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one audit trail record. Sessions write one per distribution
// change and period deletion.
type AuditLog struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

func (l AuditLog) validate() error {
	switch {
	case l.Action == "":
		return NewValidationError("action", "audit action required")
	case l.Entity == "":
		return NewValidationError("entity", "audit entity required")
	case l.EntityID == "":
		return NewValidationError("entity_id", "audit entity id required")
	}
	return nil
}

const insertAuditLog = `
INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// AuditLogger appends rows to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the entry, stamping it when At is unset.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = l.now()
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("shared: encode audit meta: %w", err)
	}
	if _, err := l.pool.Exec(ctx, insertAuditLog, entry.ActorID, entry.Action, entry.Entity, entry.EntityID, body, entry.At); err != nil {
		return fmt.Errorf("shared: record audit %s: %w", entry.Action, err)
	}
	return nil
}
