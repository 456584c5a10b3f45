//go:build integration

package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/noticeguard/pkg/policy"
)

func setupPostgresDirectory(t *testing.T) *PostgresDirectory {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("noticeguard_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Connect(ctx, DBConfig{
		URL:         connStr,
		MaxConns:    5,
		MinConns:    1,
		Timeout:     10 * time.Second,
		MaxLifetime: time.Minute,
		MaxIdleTime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir, err := NewPostgresDirectory(db, policy.DefaultMatrix())
	require.NoError(t, err)
	require.NoError(t, dir.EnsureSchema(ctx))
	return dir
}

func TestPostgresDirectory_Integration(t *testing.T) {
	dir := setupPostgresDirectory(t)
	ctx := context.Background()

	_, err := dir.Resolve(ctx, "t.wong")
	assert.ErrorIs(t, err, ErrSubjectNotFound)

	require.NoError(t, dir.Assign(ctx, Assignment{SubjectID: "t.wong", RoleCode: policy.RoleTeacher, DisplayName: "Tess Wong"}))
	require.NoError(t, dir.Assign(ctx, Assignment{SubjectID: "s.lee", RoleCode: policy.RoleStudent}))

	snap, err := dir.Resolve(ctx, "t.wong")
	require.NoError(t, err)
	assert.Equal(t, policy.RoleTeacher, snap.RoleCode)

	// role change is an upsert
	require.NoError(t, dir.Assign(ctx, Assignment{SubjectID: "t.wong", RoleCode: policy.RoleGradeDirector}))
	snap, err = dir.Resolve(ctx, "t.wong")
	require.NoError(t, err)
	assert.Equal(t, policy.RoleGradeDirector, snap.RoleCode)

	subjects, err := dir.SubjectsWithRoles(ctx, policy.RoleStudent, policy.RoleGradeDirector)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.lee", "t.wong"}, subjects)

	require.NoError(t, dir.Deactivate(ctx, "s.lee"))
	_, err = dir.Resolve(ctx, "s.lee")
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}
