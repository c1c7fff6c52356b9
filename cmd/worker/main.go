package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nadmax/finboard/internal/app"
	"github.com/nadmax/finboard/internal/config"
	"github.com/nadmax/finboard/internal/platform/logger"
	"github.com/nadmax/finboard/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a config.yaml file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.Setup(cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close application", "error", err)
		}
	}()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	// In-flight jobs finish after a signal; Stop ends each poll loop.
	runCtx := context.WithoutCancel(ctx)

	workers := make([]*worker.Worker, cfg.Worker.Concurrency)
	var wg sync.WaitGroup
	for i := range workers {
		w := worker.NewWorker(fmt.Sprintf("%s-%d", workerID, i), a.Queue, a.Manager, a.Registry, a.Executor, log)
		w.SetPollInterval(cfg.Worker.PollInterval)
		workers[i] = w

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(runCtx)
		}()
	}

	log.Info("workers started", "worker_id", workerID, "concurrency", cfg.Worker.Concurrency)

	<-ctx.Done()
	log.Info("shutting down workers")

	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()

	return nil
}
