package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NotifyChannel is the Postgres channel the table triggers notify on.
const NotifyChannel = "turno_changes"

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const notifyFunction = `
CREATE OR REPLACE FUNCTION turno_notify_change() RETURNS trigger AS $$
DECLARE
	row_data json;
	row_id text;
BEGIN
	IF TG_OP = 'DELETE' THEN
		row_data := row_to_json(OLD);
		row_id := OLD.id::text;
	ELSE
		row_data := row_to_json(NEW);
		row_id := NEW.id::text;
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
		'collection', TG_TABLE_NAME,
		'operation', TG_OP,
		'id', row_id,
		'record', row_data,
		'at', now()
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

// InstallNotifyTrigger makes every row change on table notify NotifyChannel.
// The table must have an id column.
func InstallNotifyTrigger(ctx context.Context, db execer, table Collection) error {
	if _, err := db.Exec(ctx, notifyFunction); err != nil {
		return fmt.Errorf("install notify function: %w", err)
	}
	trigger := "turno_notify_" + string(table)
	statements := []string{
		`DROP TRIGGER IF EXISTS ` + trigger + ` ON ` + string(table),
		`CREATE TRIGGER ` + trigger + ` AFTER INSERT OR UPDATE OR DELETE ON ` + string(table) +
			` FOR EACH ROW EXECUTE FUNCTION turno_notify_change()`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("install notify trigger on %s: %w", table, err)
		}
	}
	return nil
}

// PostgresListener forwards NOTIFY payloads from NotifyChannel to a Publisher.
type PostgresListener struct {
	pool       *pgxpool.Pool
	publisher  Publisher
	logger     *zap.Logger
	retryDelay time.Duration
}

func NewPostgresListener(pool *pgxpool.Pool, publisher Publisher, logger *zap.Logger) (*PostgresListener, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresListener{
		pool:       pool,
		publisher:  publisher,
		logger:     logger,
		retryDelay: 2 * time.Second,
	}, nil
}

// Run listens until ctx is cancelled, reconnecting after connection errors.
func (l *PostgresListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("change feed listener disconnected", zap.Error(err), zap.Duration("retry_in", l.retryDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *PostgresListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	l.logger.Info("change feed listener started", zap.String("channel", NotifyChannel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		evt, err := DecodeNotification(notification.Payload)
		if err != nil {
			l.logger.Warn("discarding change notification", zap.Error(err))
			continue
		}
		l.publisher.Publish(evt)
	}
}

// DecodeNotification parses a payload produced by turno_notify_change.
func DecodeNotification(payload string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return Event{}, fmt.Errorf("decode change notification: %w", err)
	}
	if evt.Collection == "" || evt.Operation == "" {
		return Event{}, errors.New("change notification missing collection or operation")
	}
	evt.At = evt.At.UTC()
	return evt, nil
}
