package admin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresOverrideAudit appends override state changes to the
// revenue_rule_audit_log table. The schema carries a BEFORE UPDATE OR
// DELETE trigger, so rows can only ever be added.
type PostgresOverrideAudit struct {
	db *sql.DB
}

// NewPostgresOverrideAudit wraps the shared connection pool.
func NewPostgresOverrideAudit(db *sql.DB) *PostgresOverrideAudit {
	return &PostgresOverrideAudit{db: db}
}

// AppendOverrideAudit implements OverrideAuditSink.
func (s *PostgresOverrideAudit) AppendOverrideAudit(ctx context.Context, ov Override) error {
	actor := ov.ProposedBy
	at := ov.ProposedAt
	if ov.State != OverrideProposed && ov.DecidedAt != nil {
		actor = ov.DecidedBy
		at = *ov.DecidedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_rule_audit_log
			(id, override_id, rule, value, reason, state, actor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), ov.ID, ov.Rule, ov.Value, ov.Reason, ov.State, actor, at.UTC())
	if err != nil {
		return fmt.Errorf("append override audit: %w", err)
	}
	return nil
}

// RecentOverrideAudit returns the newest audit lines, for the admin
// surface.
func (s *PostgresOverrideAudit) RecentOverrideAudit(ctx context.Context, limit int) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT override_id, rule, value, reason, state, actor, recorded_at
		FROM revenue_rule_audit_log
		ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("read override audit: %w", err)
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		var ov Override
		var actor string
		var at time.Time
		if err := rows.Scan(&ov.ID, &ov.Rule, &ov.Value, &ov.Reason, &ov.State, &actor, &at); err != nil {
			return nil, fmt.Errorf("scan override audit: %w", err)
		}
		if ov.State == OverrideProposed {
			ov.ProposedBy = actor
			ov.ProposedAt = at
		} else {
			ov.DecidedBy = actor
			ov.DecidedAt = &at
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}

var _ OverrideAuditSink = (*PostgresOverrideAudit)(nil)
