package setting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/database"
)

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

func (s *PostgresService) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, setting_key, setting_value, updated_at FROM mission_settings ORDER BY setting_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list settings: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]Setting, 0)
	for rows.Next() {
		item, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan setting: %w", ErrUnavailable, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list settings: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresService) Upsert(ctx context.Context, key, value string) (Setting, error) {
	key, value, err := Validate(key, value)
	if err != nil {
		return Setting{}, err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO mission_settings (id, setting_key, setting_value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (setting_key) DO UPDATE
SET setting_value = EXCLUDED.setting_value, updated_at = EXCLUDED.updated_at
RETURNING id, setting_key, setting_value, updated_at
`, uuid.NewString(), key, value, time.Now().UTC())

	item, err := scanSetting(row)
	if err != nil {
		return Setting{}, fmt.Errorf("%w: upsert setting: %w", ErrUnavailable, err)
	}
	return item, nil
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS mission_settings (
	id TEXT PRIMARY KEY,
	setting_key TEXT NOT NULL UNIQUE,
	setting_value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	}
	if err := database.Migrate(ctx, s.pool, "mission_settings", statements); err != nil {
		return err
	}
	return changefeed.InstallNotifyTrigger(ctx, s.pool, changefeed.CollectionSettings)
}

func scanSetting(row database.RowScanner) (Setting, error) {
	var out Setting
	if err := row.Scan(&out.ID, &out.Key, &out.Value, &out.UpdatedAt); err != nil {
		return Setting{}, err
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}
