package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/finboard/internal/metrics"
	"github.com/nadmax/finboard/internal/task"
)

type activeCounter interface {
	ActiveCounts(ctx context.Context) (map[task.Kind]int, error)
}

type depthReader interface {
	Depth(ctx context.Context) (int, error)
}

func startMetricsCollector(ctx context.Context, tasks activeCounter, q depthReader, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		updateTaskMetrics(ctx, tasks, q, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateTaskMetrics(ctx context.Context, tasks activeCounter, q depthReader, logger *slog.Logger) {
	counts, err := tasks.ActiveCounts(ctx)
	if err != nil {
		logger.Warn("failed to count active tasks for metrics", "error", err)
	} else {
		metrics.UpdateActiveTasks(counts)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		logger.Warn("failed to read queue depth for metrics", "error", err)
		return
	}
	metrics.UpdateQueueDepth(depth)
}
