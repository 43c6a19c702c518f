package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/database"
)

const submissionColumns = `id, platform, username, video_link, missions_data, follow_completed, ip_address, submitted_at`

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

func (s *PostgresService) Create(ctx context.Context, input CreateInput) (Submission, error) {
	input, err := normalizeCreate(input)
	if err != nil {
		return Submission{}, err
	}
	created := newSubmission(input)

	missionsJSON, err := json.Marshal(created.Missions)
	if err != nil {
		return Submission{}, fmt.Errorf("marshal missions data: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO user_submissions (
	id, platform, username, video_link, missions_data, follow_completed, ip_address, submitted_at
) VALUES (
	$1, $2, $3, $4, $5::jsonb, $6, $7, $8
)
RETURNING `+submissionColumns,
		created.ID,
		string(created.Platform),
		created.Username,
		nullableString(created.VideoLink),
		missionsJSON,
		created.FollowCompleted,
		nullableString(created.IPAddress),
		created.SubmittedAt,
	)
	out, err := scanSubmission(row)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: create submission: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresService) List(ctx context.Context, limit int) ([]Submission, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+submissionColumns+`
FROM user_submissions
ORDER BY submitted_at DESC
LIMIT $1
`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list submissions: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan submission: %w", ErrUnavailable, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list submissions: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresService) Delete(ctx context.Context, id string) error {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("%w: submission id is required", ErrInvalid)
	}
	result, err := s.pool.Exec(ctx, `DELETE FROM user_submissions WHERE id = $1`, trimmedID)
	if err != nil {
		return fmt.Errorf("%w: delete submission: %w", ErrUnavailable, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS user_submissions (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	username TEXT NOT NULL,
	video_link TEXT NULL,
	missions_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	follow_completed BOOLEAN NOT NULL DEFAULT FALSE,
	ip_address TEXT NULL,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		`CREATE INDEX IF NOT EXISTS idx_user_submissions_submitted_at ON user_submissions (submitted_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_user_submissions_platform_username ON user_submissions (platform, lower(username));`,
	}
	if err := database.Migrate(ctx, s.pool, "user_submissions", statements); err != nil {
		return err
	}
	return changefeed.InstallNotifyTrigger(ctx, s.pool, changefeed.CollectionSubmissions)
}

func scanSubmission(row database.RowScanner) (Submission, error) {
	var out Submission
	var platform string
	var videoLink *string
	var ipAddress *string
	var missionsRaw []byte

	err := row.Scan(
		&out.ID,
		&platform,
		&out.Username,
		&videoLink,
		&missionsRaw,
		&out.FollowCompleted,
		&ipAddress,
		&out.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		return Submission{}, err
	}

	out.Platform = claims.Platform(strings.TrimSpace(platform))
	if videoLink != nil {
		out.VideoLink = *videoLink
	}
	if ipAddress != nil {
		out.IPAddress = *ipAddress
	}
	out.Missions = map[claims.MissionType]MissionProgress{}
	if len(missionsRaw) > 0 {
		if err := json.Unmarshal(missionsRaw, &out.Missions); err != nil {
			return Submission{}, fmt.Errorf("decode missions data: %w", err)
		}
	}
	out.SubmittedAt = out.SubmittedAt.UTC()
	return out, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
