package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores the document as one row of claim_documents.
type SQLiteBackend struct {
	sqlDB *sql.DB
}

func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS claim_documents (
	name TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("initialize claims schema: %w", err)
	}
	return &SQLiteBackend{sqlDB: sqlDB}, nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]byte, error) {
	var body string
	err := b.sqlDB.QueryRowContext(ctx, `SELECT body FROM claim_documents WHERE name = ?`, StorageKey).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	return []byte(body), nil
}

const upsertDocument = `
INSERT INTO claim_documents (name, body, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`

func (b *SQLiteBackend) Save(ctx context.Context, data []byte) error {
	_, err := b.sqlDB.ExecContext(ctx, upsertDocument, StorageKey, string(data), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite save: %w", err)
	}
	return nil
}

// Update reads and rewrites the row in one transaction. Transactions begin
// IMMEDIATE, so concurrent writers wait on busy_timeout instead of racing.
func (b *SQLiteBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		body    string
		current []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT body FROM claim_documents WHERE name = ?`, StorageKey).Scan(&body)
	switch {
	case err == nil:
		current = []byte(body)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("sqlite load: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertDocument, StorageKey, string(next), time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("sqlite save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}
