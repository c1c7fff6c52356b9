// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const selectColumns = `
	id, owner_id, kind, status, parameters,
	result_summary, redirect_url, error, error_recoverable,
	error_code, cancelled_by, started_at, completed_at
`

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{db: db}, nil
}

func NewWithDB(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

// Migrate applies the embedded goose migrations.
func (r *PostgresTaskRepository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, r.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT ` + selectColumns + ` FROM background_tasks WHERE id = $1`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	var params any
	if t.Parameters != nil {
		data, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal parameters: %w", err)
		}
		params = string(data)
	}

	query := `
		INSERT INTO background_tasks (
			id, owner_id, kind, status, parameters,
			result_summary, redirect_url, error, error_recoverable,
			error_code, cancelled_by, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			parameters = EXCLUDED.parameters,
			result_summary = EXCLUDED.result_summary,
			redirect_url = EXCLUDED.redirect_url,
			error = EXCLUDED.error,
			error_recoverable = EXCLUDED.error_recoverable,
			error_code = EXCLUDED.error_code,
			cancelled_by = EXCLUDED.cancelled_by,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.OwnerID,
		string(t.Kind),
		string(t.Status),
		params,
		t.ResultSummary,
		t.RedirectURL,
		t.Error,
		t.ErrorRecoverable,
		t.ErrorCode,
		t.CancelledBy,
		t.StartedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	return nil
}

func (r *PostgresTaskRepository) ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error) {
	query := `SELECT ` + selectColumns + `
		FROM background_tasks
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY started_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", "error", err)
		}
	}()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM background_tasks WHERE id = $1`, taskID)
	return err
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var kind, status string
	var params []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&kind,
		&status,
		&params,
		&t.ResultSummary,
		&t.RedirectURL,
		&t.Error,
		&t.ErrorRecoverable,
		&t.ErrorCode,
		&t.CancelledBy,
		&t.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = task.Kind(kind)
	t.Status = task.TaskStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func (gooseLogger) Fatalf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}
