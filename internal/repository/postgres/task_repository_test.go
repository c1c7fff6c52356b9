package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskColumns = []string{
	"id", "owner_id", "kind", "status", "parameters",
	"result_summary", "redirect_url", "error", "error_recoverable",
	"error_code", "cancelled_by", "started_at", "completed_at",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresTaskRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewWithDB(db)
}

func TestNewPostgresTaskRepository(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresTaskRepository("invalid connection string")
		assert.Error(t, err)
	})
}

func TestGetTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	taskID := "task-123"
	now := time.Now()
	completedAt := now.Add(5 * time.Minute)

	t.Run("successful retrieval", func(t *testing.T) {
		params, _ := json.Marshal(map[string]any{"question": "value"})

		rows := sqlmock.NewRows(taskColumns).AddRow(
			taskID, "user-1", "generate-insight", "completed", params,
			"insight ready", "/insights", "", false,
			"", "", now, completedAt,
		)

		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE id").
			WithArgs(taskID).
			WillReturnRows(rows)

		result, err := repo.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, taskID, result.ID)
		assert.Equal(t, "user-1", result.OwnerID)
		assert.Equal(t, task.KindGenerateInsight, result.Kind)
		assert.Equal(t, task.StatusCompleted, result.Status)
		assert.Equal(t, "value", result.Parameters["question"])
		assert.Equal(t, "insight ready", result.ResultSummary)
		require.NotNil(t, result.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("processing task has no completion time", func(t *testing.T) {
		rows := sqlmock.NewRows(taskColumns).AddRow(
			taskID, "", "upload-pdf", "processing", nil,
			"", "", "", false,
			"", "", now, nil,
		)

		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE id").
			WithArgs(taskID).
			WillReturnRows(rows)

		result, err := repo.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Nil(t, result.CompletedAt)
		assert.Nil(t, result.Parameters)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE id").
			WithArgs("nonexistent").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetTask(ctx, "nonexistent")
		assert.ErrorIs(t, err, repository.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid parameters JSON", func(t *testing.T) {
		rows := sqlmock.NewRows(taskColumns).AddRow(
			taskID, "", "generate-insight", "processing", []byte("invalid json"),
			"", "", "", false,
			"", "", now, nil,
		)

		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE id").
			WithArgs(taskID).
			WillReturnRows(rows)

		_, err := repo.GetTask(ctx, taskID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal parameters")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("insert processing task", func(t *testing.T) {
		tsk := &task.Task{
			ID:         "task-123",
			OwnerID:    "user-1",
			Kind:       task.KindGenerateInsight,
			Status:     task.StatusProcessing,
			Parameters: map[string]any{"question": "q"},
			StartedAt:  now,
		}

		mock.ExpectExec("INSERT INTO background_tasks").
			WithArgs(
				tsk.ID,
				tsk.OwnerID,
				"generate-insight",
				"processing",
				sqlmock.AnyArg(),
				"",
				"",
				"",
				false,
				"",
				"",
				now,
				nil,
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.SaveTask(ctx, tsk)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("upsert failed task", func(t *testing.T) {
		completedAt := now.Add(time.Second)
		tsk := &task.Task{
			ID:               "task-456",
			Kind:             task.KindGenerateActionPlan,
			Status:           task.StatusFailed,
			StartedAt:        now,
			CompletedAt:      &completedAt,
			Error:            "503 Service Unavailable",
			ErrorRecoverable: true,
			ErrorCode:        "transient",
		}

		mock.ExpectExec("INSERT INTO background_tasks .* ON CONFLICT \\(id\\) DO UPDATE").
			WithArgs(
				tsk.ID,
				"",
				"generate-action-plan",
				"failed",
				nil,
				"",
				"",
				tsk.Error,
				true,
				"transient",
				"",
				now,
				completedAt,
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.SaveTask(ctx, tsk)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error is wrapped", func(t *testing.T) {
		tsk := &task.Task{ID: "task-789", Kind: task.KindUploadPDF, Status: task.StatusProcessing, StartedAt: now}

		mock.ExpectExec("INSERT INTO background_tasks").
			WillReturnError(errors.New("connection refused"))

		err := repo.SaveTask(ctx, tsk)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to save task task-789")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListTasks(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("filters by owner", func(t *testing.T) {
		rows := sqlmock.NewRows(taskColumns).
			AddRow("task-2", "user-1", "generate-insight", "processing", nil,
				"", "", "", false, "", "", now, nil).
			AddRow("task-1", "user-1", "upload-pdf", "cancelled", nil,
				"", "", "", false, "", "user-1", now.Add(-time.Minute), now)

		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE").
			WithArgs("user-1").
			WillReturnRows(rows)

		tasks, err := repo.ListTasks(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "task-2", tasks[0].ID)
		assert.Equal(t, task.StatusCancelled, tasks[1].Status)
		assert.Equal(t, "user-1", tasks[1].CancelledBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM background_tasks WHERE").
			WithArgs("").
			WillReturnError(errors.New("database error"))

		_, err := repo.ListTasks(ctx, "")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeleteTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("DELETE FROM background_tasks WHERE id").
		WithArgs("task-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.DeleteTask(context.Background(), "task-123")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	db, mock, repo := setupMockDB(t)

	mock.ExpectClose()

	assert.Same(t, db, repo.DB())
	assert.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
