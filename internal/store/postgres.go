package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// PostgresStore keeps artifacts in the artifacts table. The job-scope
// constraint is the partial unique index artifacts_job_scope_uniq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const recordColumns = `artifact_id, tenant_id, job_id, artifact_type, source_event_id, artifact_hash, body, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	var body []byte
	if err := row.Scan(&r.ArtifactID, &r.TenantID, &r.JobID, &r.ArtifactType,
		&r.SourceEventID, &r.ArtifactHash, &body, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Body = body
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, r *Record) (*Record, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ArtifactID, r.TenantID, r.JobID, r.ArtifactType, r.SourceEventID, r.ArtifactHash, []byte(r.Body), r.CreatedAt,
	)
	if err == nil {
		return r, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	if pgErr.ConstraintName == "artifacts_job_scope_uniq" {
		s.logger.Warn("artifact job scope collision",
			zap.String("artifact_id", r.ArtifactID),
			zap.String("artifact_type", r.ArtifactType),
			zap.String("source_event_id", r.SourceEventID),
		)
		return nil, violation(r, "job scope already holds an artifact")
	}
	cur, err := s.Get(ctx, r.TenantID, r.ArtifactID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, violation(r, "id already holds a different artifact")
		}
		return nil, err
	}
	if !sameRecord(cur, r) {
		return nil, violation(r, "id already holds a different artifact")
	}
	return cur, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, artifactID string) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM artifacts WHERE tenant_id = $1 AND artifact_id = $2`,
		tenantID, artifactID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return r, nil
}

// ListByJob implements Store.
func (s *PostgresStore) ListByJob(ctx context.Context, tenantID, jobID string) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM artifacts
		WHERE tenant_id = $1 AND job_id = $2
		ORDER BY created_at, artifact_id`, tenantID, jobID)
}

// ListByType implements Store.
func (s *PostgresStore) ListByType(ctx context.Context, tenantID, artifactType string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM artifacts
		WHERE tenant_id = $1 AND artifact_type = $2
		ORDER BY created_at, artifact_id
		LIMIT $3`, tenantID, artifactType, limit)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
