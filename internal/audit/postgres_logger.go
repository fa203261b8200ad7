package audit

import (
	"context"
	"time"

	"github.com/jfenske/marketledger/internal/database"
)

// PostgresLogger writes audit records to PostgreSQL. Writes join the
// caller's transaction only if one is carried in ctx; audit records for
// rolled-back operations are acceptable collateral and preferable to
// losing records for committed ones.
type PostgresLogger struct {
	db *database.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *database.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Log(ctx context.Context, rec *Record) error {
	_, err := l.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (performed_by, action, resource_type, resource_id, before_state, after_state, risk_level, status, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB, $7, $8, $9, $10)
	`, rec.PerformedBy, rec.Action, rec.ResourceType, rec.ResourceID,
		orEmptyJSON(rec.BeforeState), orEmptyJSON(rec.AfterState),
		string(rec.RiskLevel), rec.Status, rec.RequestID, rec.CreatedAt)
	return err
}

// Query returns audit records for a resource, newest first.
func (l *PostgresLogger) Query(ctx context.Context, resourceType, resourceID string, from, to time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	rows, err := l.db.Conn(ctx).QueryContext(ctx, `
		SELECT id, performed_by, action, resource_type, resource_id,
			COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
			risk_level, status, COALESCE(request_id, ''), created_at
		FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2 AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at DESC
		LIMIT $5
	`, resourceType, resourceID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*Record
	for rows.Next() {
		r := &Record{}
		var risk string
		if err := rows.Scan(&r.ID, &r.PerformedBy, &r.Action, &r.ResourceType, &r.ResourceID,
			&r.BeforeState, &r.AfterState, &risk, &r.Status, &r.RequestID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.RiskLevel = RiskLevel(risk)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
