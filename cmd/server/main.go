package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/finboard/internal/api"
	"github.com/nadmax/finboard/internal/app"
	"github.com/nadmax/finboard/internal/config"
	"github.com/nadmax/finboard/internal/platform/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config.yaml file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
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

	handler := api.NewAPI(api.Deps{
		Tasks:          a.Manager,
		Dispatcher:     a.Registry,
		Runner:         a.Executor,
		Upload:         a.Operations.UploadPDF,
		Plans:          a.Plans,
		Dashboard:      a.Dashboard,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         log.With("component", "api"),
	})

	go startMetricsCollector(ctx, a.Manager, a.Queue, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down server", "error", err)
	}

	// Uploads run detached from their requests; let them record an outcome.
	a.Executor.Wait()

	return nil
}
