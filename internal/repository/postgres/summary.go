package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/finboard/internal/repository/models"
)

// KindSummaries aggregates the owner's tasks started since the given time,
// one row per kind. An empty ownerID covers all owners.
func (r *PostgresTaskRepository) KindSummaries(ctx context.Context, ownerID string, since time.Time) ([]models.KindSummary, error) {
	query := `
		SELECT
			kind,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE completed_at IS NOT NULL) AS avg_duration_ms,
			MAX(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)::BIGINT AS max_duration_ms,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed')
				/ NULLIF(COUNT(*) FILTER (WHERE status <> 'processing'), 0), 2) AS success_rate
		FROM background_tasks
		WHERE ($1 = '' OR owner_id = $1)
			AND started_at >= $2
		GROUP BY kind
		ORDER BY total DESC, kind
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query kind summaries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close rows", "error", closeErr)
		}
	}()

	var summaries []models.KindSummary
	for rows.Next() {
		var s models.KindSummary
		var avgDuration, successRate sql.NullFloat64
		var maxDuration sql.NullInt64

		err := rows.Scan(&s.Kind, &s.Total, &s.Processing, &s.Completed, &s.Failed, &s.Cancelled,
			&avgDuration, &maxDuration, &successRate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kind summary: %w", err)
		}

		s.AvgDurationMs = avgDuration.Float64
		s.MaxDurationMs = maxDuration.Int64
		s.SuccessRate = successRate.Float64
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}
