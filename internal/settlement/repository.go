package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a settlement does not exist.
	ErrNotFound = errors.New("settlement not found")
	// ErrExists is returned when creating a settlement id twice.
	ErrExists = errors.New("settlement already exists")
	// ErrRevisionConflict is returned when an update lost a race.
	ErrRevisionConflict = errors.New("settlement revision conflict")
)

// Repository persists run settlements. Update succeeds only if the stored
// revision still equals prevRevision.
type Repository interface {
	Create(ctx context.Context, s *RunSettlement) error
	Get(ctx context.Context, tenantID, settlementID string) (*RunSettlement, error)
	Update(ctx context.Context, s *RunSettlement, prevRevision int64) error
	List(ctx context.Context, tenantID string, limit int) ([]*RunSettlement, error)
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]*RunSettlement
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*RunSettlement)}
}

func repoKey(tenantID, settlementID string) string { return tenantID + "\x00" + settlementID }

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, s *RunSettlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := repoKey(s.TenantID, s.SettlementID)
	if _, ok := r.rows[k]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.SettlementID)
	}
	cp := *s
	r.rows[k] = &cp
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, tenantID, settlementID string) (*RunSettlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[repoKey(tenantID, settlementID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, s *RunSettlement, prevRevision int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := repoKey(s.TenantID, s.SettlementID)
	cur, ok := r.rows[k]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != prevRevision {
		return fmt.Errorf("%w: stored %d, expected %d", ErrRevisionConflict, cur.Revision, prevRevision)
	}
	cp := *s
	r.rows[k] = &cp
	return nil
}

// List implements Repository, newest lock first.
func (r *MemoryRepository) List(_ context.Context, tenantID string, limit int) ([]*RunSettlement, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RunSettlement
	for _, s := range r.rows {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LockedAt != out[j].LockedAt {
			return out[i].LockedAt > out[j].LockedAt
		}
		return out[i].SettlementID < out[j].SettlementID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresRepository stores settlements in the run_settlements table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create implements Repository.
func (r *PostgresRepository) Create(ctx context.Context, s *RunSettlement) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO run_settlements (tenant_id, settlement_id, run_id, status, revision, body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.TenantID, s.SettlementID, s.RunID, s.Status, s.Revision, body,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, s.SettlementID)
	}
	return err
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, tenantID, settlementID string) (*RunSettlement, error) {
	var body []byte
	err := r.db.QueryRow(ctx,
		`SELECT body FROM run_settlements WHERE tenant_id = $1 AND settlement_id = $2`,
		tenantID, settlementID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	s := &RunSettlement{}
	if err := json.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return s, nil
}

// Update implements Repository.
func (r *PostgresRepository) Update(ctx context.Context, s *RunSettlement, prevRevision int64) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE run_settlements SET status = $3, revision = $4, body = $5, updated_at = now()
		WHERE tenant_id = $1 AND settlement_id = $2 AND revision = $6`,
		s.TenantID, s.SettlementID, s.Status, s.Revision, body, prevRevision,
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, s.TenantID, s.SettlementID); err != nil {
			return err
		}
		return ErrRevisionConflict
	}
	return nil
}

// List implements Repository, newest first.
func (r *PostgresRepository) List(ctx context.Context, tenantID string, limit int) ([]*RunSettlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT body FROM run_settlements
		WHERE tenant_id = $1
		ORDER BY body->>'lockedAt' DESC, settlement_id ASC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunSettlement
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		s := &RunSettlement{}
		if err := json.Unmarshal(body, s); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
