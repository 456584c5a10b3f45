package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// DBConfig holds database connection settings
type DBConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Connect opens and pings a PostgreSQL connection pool
func Connect(ctx context.Context, config DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Assignment is one row of the subject_roles table
type Assignment struct {
	SubjectID   string
	RoleCode    policy.RoleCode
	DisplayName string
	Department  string
	Active      bool
	UpdatedAt   time.Time
}

// PostgresDirectory resolves role assignments from PostgreSQL
type PostgresDirectory struct {
	db     *sql.DB
	matrix policy.Matrix
	now    func() time.Time
}

// NewPostgresDirectory creates a directory over db
func NewPostgresDirectory(db *sql.DB, matrix policy.Matrix) (*PostgresDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresDirectory{db: db, matrix: matrix, now: time.Now}, nil
}

// EnsureSchema creates the subject_roles table if it doesn't exist
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS subject_roles (
		subject_id VARCHAR(100) PRIMARY KEY,
		role_code VARCHAR(50) NOT NULL,
		display_name VARCHAR(255),
		department VARCHAR(255),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_subject_roles_role ON subject_roles(role_code);
	`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure subject_roles table: %w", err)
	}
	return nil
}

// Resolve implements Source
func (d *PostgresDirectory) Resolve(ctx context.Context, subjectID string) (*policy.Snapshot, error) {
	var role string
	err := d.db.QueryRowContext(ctx,
		`SELECT role_code FROM subject_roles WHERE subject_id = $1 AND active = TRUE`,
		subjectID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject %s: %w", subjectID, err)
	}

	return d.matrix.BuildSnapshot(subjectID, policy.RoleCode(role), d.now())
}

// Assign creates or replaces a subject's role assignment. Callers must evict
// the subject's cached snapshot afterwards.
func (d *PostgresDirectory) Assign(ctx context.Context, a Assignment) error {
	if _, ok := d.matrix.Lookup(a.RoleCode); !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnknownRole, a.RoleCode)
	}

	query := `
		INSERT INTO subject_roles (subject_id, role_code, display_name, department, active, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			role_code = EXCLUDED.role_code,
			display_name = EXCLUDED.display_name,
			department = EXCLUDED.department,
			active = TRUE,
			updated_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query, a.SubjectID, string(a.RoleCode), a.DisplayName, a.Department); err != nil {
		return fmt.Errorf("failed to assign role to %s: %w", a.SubjectID, err)
	}
	return nil
}

// Deactivate disables a subject's assignment
func (d *PostgresDirectory) Deactivate(ctx context.Context, subjectID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE subject_roles SET active = FALSE, updated_at = NOW() WHERE subject_id = $1`,
		subjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", subjectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

// SubjectsWithRoles lists active subjects holding any of roles
func (d *PostgresDirectory) SubjectsWithRoles(ctx context.Context, roles ...policy.RoleCode) ([]string, error) {
	codes := make([]string, len(roles))
	for i, r := range roles {
		codes[i] = string(r)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT subject_id FROM subject_roles WHERE active = TRUE AND role_code = ANY($1) ORDER BY subject_id`,
		pq.Array(codes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
