// Package dashboard serves per-owner task statistics and history.
//
// Aggregations are memoized in the in-memory TTL cache under
// "dashboard:<owner>:" keys and dropped whenever one of the owner's tasks
// changes status.
package dashboard

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/finboard/internal/cache"
	"github.com/nadmax/finboard/internal/classify"
	"github.com/nadmax/finboard/internal/httputil"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/repository/models"
	"github.com/nadmax/finboard/internal/task"
)

// SummaryProvider is implemented by stores that can aggregate per kind
// themselves, such as the Postgres repository.
type SummaryProvider interface {
	KindSummaries(ctx context.Context, ownerID string, since time.Time) ([]models.KindSummary, error)
}

type Stats struct {
	OwnerID             string               `json:"owner_id"`
	TotalTasks          int                  `json:"total_tasks"`
	ProcessingTasks     int                  `json:"processing_tasks"`
	CompletedTasks      int                  `json:"completed_tasks"`
	FailedTasks         int                  `json:"failed_tasks"`
	CancelledTasks      int                  `json:"cancelled_tasks"`
	RecoverableFailures int                  `json:"recoverable_failures"`
	QuotaFailures       int                  `json:"quota_failures"`
	ByKind              []models.KindSummary `json:"by_kind"`
	AverageDuration     string               `json:"average_duration"`
	LastUpdated         time.Time            `json:"last_updated"`
}

type Dashboard struct {
	tasks  repository.TaskRepository
	cache  *cache.Cache[any]
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewDashboard(tasks repository.TaskRepository, c *cache.Cache[any], logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dashboard{
		tasks:  tasks,
		cache:  c,
		window: 24 * time.Hour,
		now:    time.Now,
		logger: logger,
	}
}

func CacheKey(ownerID, name string) string {
	return "dashboard:" + ownerID + ":" + name
}

// Invalidate drops every cached aggregation for the owner.
func (d *Dashboard) Invalidate(ownerID string) {
	d.cache.InvalidateByPrefix(CacheKey(ownerID, ""))
}

// OnTransition is registered as a lifecycle hook.
func (d *Dashboard) OnTransition(t *task.Task) {
	d.Invalidate(t.OwnerID)
}

func (d *Dashboard) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	v, err := d.cache.GetOrLoad(ctx, CacheKey(ownerID, "stats"), 0, func(ctx context.Context) (any, error) {
		return d.computeStats(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Stats), nil
}

// History returns the owner's tasks that finished within the dashboard
// window, most recent first.
func (d *Dashboard) History(ctx context.Context, ownerID string) ([]models.RecentTask, error) {
	v, err := d.cache.GetOrLoad(ctx, CacheKey(ownerID, "history"), 0, func(ctx context.Context) (any, error) {
		return d.computeHistory(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}

	return v.([]models.RecentTask), nil
}

func (d *Dashboard) computeStats(ctx context.Context, ownerID string) (*Stats, error) {
	tasks, err := d.tasks.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	stats := &Stats{
		OwnerID:     ownerID,
		TotalTasks:  len(tasks),
		LastUpdated: d.now(),
	}

	var total time.Duration
	finished := 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusProcessing:
			stats.ProcessingTasks++
		case task.StatusCompleted:
			stats.CompletedTasks++
		case task.StatusFailed:
			stats.FailedTasks++
			if t.ErrorRecoverable {
				stats.RecoverableFailures++
			}
			if t.ErrorCode == classify.QuotaExhausted.String() {
				stats.QuotaFailures++
			}
		case task.StatusCancelled:
			stats.CancelledTasks++
		}

		if t.CompletedAt != nil {
			total += t.Duration()
			finished++
		}
	}

	if finished > 0 {
		stats.AverageDuration = (total / time.Duration(finished)).Round(time.Millisecond).String()
	} else {
		stats.AverageDuration = "N/A"
	}

	since := d.now().Add(-d.window)
	if sp, ok := d.tasks.(SummaryProvider); ok {
		stats.ByKind, err = sp.KindSummaries(ctx, ownerID, since)
		if err != nil {
			return nil, err
		}
	} else {
		stats.ByKind = summarize(tasks, since)
	}

	return stats, nil
}

func (d *Dashboard) computeHistory(ctx context.Context, ownerID string) ([]models.RecentTask, error) {
	tasks, err := d.tasks.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	cutoff := d.now().Add(-d.window)
	history := []models.RecentTask{}
	for _, t := range tasks {
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}

		durationMs := t.Duration().Milliseconds()
		history = append(history, models.RecentTask{
			TaskID:           t.ID,
			Kind:             t.Kind.String(),
			Status:           string(t.Status),
			StartedAt:        t.StartedAt,
			CompletedAt:      t.CompletedAt,
			DurationMs:       &durationMs,
			ResultSummary:    t.ResultSummary,
			FailureReason:    t.Error,
			ErrorCode:        t.ErrorCode,
			ErrorRecoverable: t.ErrorRecoverable,
		})
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CompletedAt.After(*history[j].CompletedAt)
	})

	return history, nil
}

// summarize mirrors the Postgres aggregate for stores without one.
func summarize(tasks []*task.Task, since time.Time) []models.KindSummary {
	byKind := make(map[string]*models.KindSummary)
	durations := make(map[string][]time.Duration)

	for _, t := range tasks {
		if t.StartedAt.Before(since) {
			continue
		}

		kind := t.Kind.String()
		s, ok := byKind[kind]
		if !ok {
			s = &models.KindSummary{Kind: kind}
			byKind[kind] = s
		}

		s.Total++
		switch t.Status {
		case task.StatusProcessing:
			s.Processing++
		case task.StatusCompleted:
			s.Completed++
		case task.StatusFailed:
			s.Failed++
		case task.StatusCancelled:
			s.Cancelled++
		}

		if t.CompletedAt != nil {
			durations[kind] = append(durations[kind], t.Duration())
		}
	}

	summaries := make([]models.KindSummary, 0, len(byKind))
	for kind, s := range byKind {
		var sum time.Duration
		for _, d := range durations[kind] {
			sum += d
			if ms := d.Milliseconds(); ms > s.MaxDurationMs {
				s.MaxDurationMs = ms
			}
		}
		if n := len(durations[kind]); n > 0 {
			s.AvgDurationMs = float64(sum.Milliseconds()) / float64(n)
		}
		if finished := s.Total - s.Processing; finished > 0 {
			s.SuccessRate = float64(int(10000*float64(s.Completed)/float64(finished))) / 100
		}
		summaries = append(summaries, *s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Total != summaries[j].Total {
			return summaries[i].Total > summaries[j].Total
		}
		return summaries[i].Kind < summaries[j].Kind
	})

	return summaries
}

func ownerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		httputil.WriteJSONError(w, "owner_id is required", http.StatusBadRequest)
		return "", false
	}

	return ownerID, true
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	stats, err := d.Stats(r.Context(), ownerID)
	if err != nil {
		d.logger.Error("failed to compute dashboard stats", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		d.logger.Error("failed to encode response", "error", err)
	}
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	history, err := d.History(r.Context(), ownerID)
	if err != nil {
		d.logger.Error("failed to load task history", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		d.logger.Error("failed to encode response", "error", err)
	}
}

// ExportHistoryCSV writes the same rows as GetRecentTasks as a CSV download.
func (d *Dashboard) ExportHistoryCSV(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	history, err := d.History(r.Context(), ownerID)
	if err != nil {
		d.logger.Error("failed to load task history", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=task_history_%s.csv", d.now().Format("20060102")))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Task ID", "Kind", "Status", "Started At", "Completed At", "Duration (ms)", "Error Code", "Failure Reason"})
	for _, h := range history {
		completed := ""
		if h.CompletedAt != nil {
			completed = h.CompletedAt.Format(time.RFC3339)
		}
		duration := ""
		if h.DurationMs != nil {
			duration = strconv.FormatInt(*h.DurationMs, 10)
		}

		_ = cw.Write([]string{
			h.TaskID,
			h.Kind,
			h.Status,
			h.StartedAt.Format(time.RFC3339),
			completed,
			duration,
			h.ErrorCode,
			h.FailureReason,
		})
	}
	cw.Flush()

	if err := cw.Error(); err != nil {
		d.logger.Error("failed to write csv export", "owner_id", ownerID, "error", err)
	}
}
