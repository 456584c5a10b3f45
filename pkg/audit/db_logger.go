package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(ctx context.Context, db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure authz_audit_events table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the authz_audit_events table if it doesn't exist
func (l *DBLogger) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS authz_audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		subject_id VARCHAR(100),
		role_code VARCHAR(50),
		token_id VARCHAR(255),
		permission_code VARCHAR(100),
		level SMALLINT,
		scope VARCHAR(20),
		origin_ip VARCHAR(45),
		device_signature TEXT,
		request_id VARCHAR(100),
		outcome VARCHAR(50),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_authz_audit_timestamp ON authz_audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_subject ON authz_audit_events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_type ON authz_audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_token ON authz_audit_events(token_id);
	`

	_, err := l.db.ExecContext(ctx, query)
	return err
}

// Log writes an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO authz_audit_events (
			timestamp, event_type, severity,
			subject_id, role_code, token_id,
			permission_code, level, scope,
			origin_ip, device_signature, request_id,
			outcome, message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, string(event.Type), string(event.Severity),
		nullString(event.SubjectID), nullString(event.RoleCode), nullString(event.TokenID),
		nullString(event.PermissionCode), event.Level, nullString(event.Scope),
		nullString(event.OriginIP), nullString(event.DeviceSignature), nullString(event.RequestID),
		nullString(event.Outcome), event.Message, metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Close implements Logger. The database handle is owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
