package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/database"
)

const accountColumns = `id, platform, account_url, account_name, enabled, updated_at`

const uniqueViolation = "23505"

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

func (s *PostgresService) List(ctx context.Context) ([]PlatformAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM platform_accounts ORDER BY platform ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list platform accounts: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]PlatformAccount, 0, len(claims.Platforms))
	for rows.Next() {
		item, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan platform account: %w", ErrUnavailable, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list platform accounts: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresService) Create(ctx context.Context, input CreateInput) (PlatformAccount, error) {
	input, enabled, err := normalizeCreate(input)
	if err != nil {
		return PlatformAccount{}, err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO platform_accounts (id, platform, account_url, account_name, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+accountColumns, uuid.NewString(), string(input.Platform), input.AccountURL, input.AccountName, enabled, time.Now().UTC())

	created, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return PlatformAccount{}, ErrExists
		}
		return PlatformAccount{}, fmt.Errorf("%w: create platform account: %w", ErrUnavailable, err)
	}
	return created, nil
}

func (s *PostgresService) Update(ctx context.Context, id string, input UpdateInput) (PlatformAccount, error) {
	input, err := normalizeUpdate(input)
	if err != nil {
		return PlatformAccount{}, err
	}

	row := s.pool.QueryRow(ctx, `
UPDATE platform_accounts
SET
	account_url = COALESCE($2, account_url),
	account_name = COALESCE($3, account_name),
	enabled = COALESCE($4, enabled),
	updated_at = $5
WHERE id = $1
RETURNING `+accountColumns, strings.TrimSpace(id), input.AccountURL, input.AccountName, input.Enabled, time.Now().UTC())

	updated, err := scanAccount(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PlatformAccount{}, fmt.Errorf("%w: update platform account: %w", ErrUnavailable, err)
	}
	return updated, err
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS platform_accounts (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL UNIQUE,
	account_url TEXT NOT NULL,
	account_name TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	}
	if err := database.Migrate(ctx, s.pool, "platform_accounts", statements); err != nil {
		return err
	}
	return changefeed.InstallNotifyTrigger(ctx, s.pool, changefeed.CollectionPlatformAccounts)
}

func scanAccount(row database.RowScanner) (PlatformAccount, error) {
	var out PlatformAccount
	var platform string
	err := row.Scan(&out.ID, &platform, &out.AccountURL, &out.AccountName, &out.Enabled, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlatformAccount{}, ErrNotFound
		}
		return PlatformAccount{}, err
	}
	out.Platform = claims.Platform(strings.TrimSpace(platform))
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}
