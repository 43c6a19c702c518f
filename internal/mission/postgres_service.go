package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/database"
)

const missionColumns = `id, type, count, enabled, created_at, updated_at`

// PostgresService stores missions in the missions table. Change events are
// emitted by the table trigger rather than by this type.
type PostgresService struct {
	pool *pgxpool.Pool
}

func NewPostgresService(ctx context.Context, pool *pgxpool.Pool) (*PostgresService, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	svc := &PostgresService{pool: pool}
	if err := svc.initSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresService) List(ctx context.Context) ([]Mission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY type ASC, count ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list missions: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]Mission, 0)
	for rows.Next() {
		item, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan mission: %w", ErrUnavailable, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list missions: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresService) Get(ctx context.Context, id string) (Mission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, strings.TrimSpace(id))
	return scanOrWrap(row)
}

func (s *PostgresService) Create(ctx context.Context, input CreateInput) (Mission, error) {
	input, enabled, err := normalizeCreate(input)
	if err != nil {
		return Mission{}, err
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
INSERT INTO missions (id, type, count, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING `+missionColumns, uuid.NewString(), string(input.Type), input.Count, enabled, now)
	return scanOrWrap(row)
}

func (s *PostgresService) Update(ctx context.Context, id string, input UpdateInput) (Mission, error) {
	if err := validateUpdate(input); err != nil {
		return Mission{}, err
	}

	row := s.pool.QueryRow(ctx, `
UPDATE missions
SET
	count = COALESCE($2, count),
	enabled = COALESCE($3, enabled),
	updated_at = $4
WHERE id = $1
RETURNING `+missionColumns, strings.TrimSpace(id), input.Count, input.Enabled, time.Now().UTC())
	return scanOrWrap(row)
}

func (s *PostgresService) Delete(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM missions WHERE id = $1`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("%w: delete mission: %w", ErrUnavailable, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	count INTEGER NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		`CREATE INDEX IF NOT EXISTS idx_missions_type_count ON missions (type, count);`,
	}
	if err := database.Migrate(ctx, s.pool, "missions", statements); err != nil {
		return err
	}
	return changefeed.InstallNotifyTrigger(ctx, s.pool, changefeed.CollectionMissions)
}

func scanOrWrap(row database.RowScanner) (Mission, error) {
	item, err := scanMission(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Mission{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return item, err
}

func scanMission(row database.RowScanner) (Mission, error) {
	var out Mission
	var missionType string
	err := row.Scan(&out.ID, &missionType, &out.Count, &out.Enabled, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mission{}, ErrNotFound
		}
		return Mission{}, err
	}
	out.Type = claims.MissionType(strings.TrimSpace(missionType))
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}
