// Package api exposes the task lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/nadmax/finboard/internal/dashboard"
	"github.com/nadmax/finboard/internal/httputil"
	"github.com/nadmax/finboard/internal/lifecycle"
	"github.com/nadmax/finboard/internal/middleware"
	"github.com/nadmax/finboard/internal/notify"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/repository/redisstore"
	"github.com/nadmax/finboard/internal/task"
	"github.com/nadmax/finboard/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActorHeader           = "X-Actor"
	defaultActor          = "user"
	defaultMaxUploadBytes = 10 << 20
)

// TaskManager is the lifecycle surface the handlers drive. *lifecycle.Manager
// satisfies it.
type TaskManager interface {
	Create(ctx context.Context, kind task.Kind, ownerID string, parameters map[string]any) (*task.Task, error)
	Get(ctx context.Context, taskID string) (*task.Task, error)
	ListActive(ctx context.Context, ownerID string) ([]*task.Task, error)
	MarkFailed(ctx context.Context, taskID string, failure task.Failure) error
	TryCancel(ctx context.Context, taskID, actor string) (*task.Task, error)
	TryRetry(ctx context.Context, taskID string, dispatcher lifecycle.Redispatcher) (*task.Task, error)
}

// Dispatcher queues runs of registered kinds. *worker.Registry satisfies it.
type Dispatcher interface {
	lifecycle.Redispatcher
	Dispatch(ctx context.Context, t *task.Task) error
}

// Runner starts detached runs. *worker.Executor satisfies it.
type Runner interface {
	Go(t *task.Task, op worker.Operation, onPermanentFailure worker.Fallback)
}

type PlanReader interface {
	GetPlan(ctx context.Context, ownerID string) ([]byte, error)
}

// UploadOperation builds the run for one uploaded document.
type UploadOperation func(document []byte, mimeType string) worker.Operation

type Deps struct {
	Tasks          TaskManager
	Dispatcher     Dispatcher
	Runner         Runner
	Upload         UploadOperation
	Plans          PlanReader
	Dashboard      *dashboard.Dashboard
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type API struct {
	tasks          TaskManager
	dispatcher     Dispatcher
	runner         Runner
	upload         UploadOperation
	plans          PlanReader
	dashboard      *dashboard.Dashboard
	maxUploadBytes int64
	validator      *validator.Validate
	logger         *slog.Logger
	router         chi.Router
}

type CreateTaskRequest struct {
	Kind       string         `json:"kind" validate:"required,oneof=generate-insight generate-action-plan"`
	OwnerID    string         `json:"owner_id" validate:"required,max=128"`
	Parameters map[string]any `json:"parameters"`
	NotifyTo   string         `json:"notify_email" validate:"omitempty,email"`
}

func NewAPI(deps Deps) *API {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}

	api := &API{
		tasks:          deps.Tasks,
		dispatcher:     deps.Dispatcher,
		runner:         deps.Runner,
		upload:         deps.Upload,
		plans:          deps.Plans,
		dashboard:      deps.Dashboard,
		maxUploadBytes: deps.MaxUploadBytes,
		validator:      validator.New(),
		logger:         deps.Logger,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.MetricsMiddleware)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", a.createTask)
		r.Get("/tasks", a.listActiveTasks)
		r.Get("/tasks/{id}", a.getTask)
		r.Post("/tasks/{id}/cancel", a.cancelTask)
		r.Post("/tasks/{id}/retry", a.retryTask)
		r.Post("/uploads", a.uploadDocument)
		r.Get("/action-plans/{owner}", a.getActionPlan)

		if a.dashboard != nil {
			r.Get("/dashboard/stats", a.dashboard.GetStats)
			r.Get("/dashboard/history", a.dashboard.GetRecentTasks)
			r.Get("/dashboard/history.csv", a.dashboard.ExportHistoryCSV)
		}
	})

	a.router = r
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		a.logger.Error("failed to write health check response", "error", err)
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", "error", err)
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.validator.Struct(req); err != nil {
		httputil.WriteJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	params := req.Parameters
	if req.NotifyTo != "" {
		if params == nil {
			params = make(map[string]any)
		}
		params[notify.EmailParam] = req.NotifyTo
	}

	t, err := a.tasks.Create(r.Context(), task.Kind(req.Kind), req.OwnerID, params)
	if err != nil {
		a.logger.Error("failed to create task", "kind", req.Kind, "owner_id", req.OwnerID, "error", err)
		httputil.WriteJSONError(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	if err := a.dispatcher.Dispatch(r.Context(), t); err != nil {
		a.logger.Error("failed to dispatch task", "task_id", t.ID, "kind", t.Kind, "error", err)
		failErr := a.tasks.MarkFailed(r.Context(), t.ID, task.Failure{
			Message:     "failed to dispatch: " + err.Error(),
			Recoverable: true,
			Code:        "dispatch_failed",
		})
		if failErr != nil {
			a.logger.Error("failed to record dispatch failure", "task_id", t.ID, "error", failErr)
		}
		httputil.WriteJSONError(w, "failed to queue task", http.StatusServiceUnavailable)
		return
	}

	a.respondJSON(w, http.StatusAccepted, t)
}

func (a *API) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if err := r.ParseMultipartForm(a.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSONError(w, "upload exceeds the size limit", http.StatusRequestEntityTooLarge)
			return
		}
		httputil.WriteJSONError(w, "invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	ownerID := r.FormValue("owner_id")
	if ownerID == "" {
		httputil.WriteJSONError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteJSONError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	document, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteJSONError(w, "failed to read upload", http.StatusBadRequest)
		return
	}
	if http.DetectContentType(document) != "application/pdf" {
		httputil.WriteJSONError(w, "only PDF documents are supported", http.StatusUnsupportedMediaType)
		return
	}

	params := map[string]any{"filename": header.Filename}
	if email := r.FormValue("notify_email"); email != "" {
		if err := a.validator.Var(email, "email"); err != nil {
			httputil.WriteJSONError(w, "invalid notify_email", http.StatusBadRequest)
			return
		}
		params[notify.EmailParam] = email
	}

	t, err := a.tasks.Create(r.Context(), task.KindUploadPDF, ownerID, params)
	if err != nil {
		a.logger.Error("failed to create upload task", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	a.runner.Go(t, a.upload(document, "application/pdf"), nil)

	a.respondJSON(w, http.StatusAccepted, t)
}

func (a *API) listActiveTasks(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		httputil.WriteJSONError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	tasks, err := a.tasks.ListActive(r.Context(), ownerID)
	if err != nil {
		a.logger.Error("failed to list active tasks", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}

	a.respondJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeTaskError(w, err, "failed to load task")
		return
	}

	a.respondJSON(w, http.StatusOK, t)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		actor = defaultActor
	}

	t, err := a.tasks.TryCancel(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		a.writeTaskError(w, err, "failed to cancel task")
		return
	}

	a.respondJSON(w, http.StatusOK, t)
}

func (a *API) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.TryRetry(r.Context(), chi.URLParam(r, "id"), a.dispatcher)
	if err != nil {
		a.writeTaskError(w, err, "failed to retry task")
		return
	}

	a.respondJSON(w, http.StatusAccepted, t)
}

func (a *API) getActionPlan(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner")

	plan, err := a.plans.GetPlan(r.Context(), ownerID)
	if errors.Is(err, redisstore.ErrPlanNotFound) {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to load action plan", "owner_id", ownerID, "error", err)
		httputil.WriteJSONError(w, "failed to load action plan", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(plan); err != nil {
		a.logger.Error("failed to write action plan", "owner_id", ownerID, "error", err)
	}
}

func (a *API) writeTaskError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrTaskNotFound):
		httputil.WriteJSONError(w, repository.ErrTaskNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrWrongState):
		httputil.WriteJSONError(w, lifecycle.ErrWrongState.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrNoRetryHandler):
		httputil.WriteJSONError(w, lifecycle.ErrNoRetryHandler.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrDispatchFailed):
		a.logger.Error(fallback, "error", err)
		httputil.WriteJSONError(w, "task queue unavailable", http.StatusServiceUnavailable)
	default:
		a.logger.Error(fallback, "error", err)
		httputil.WriteJSONError(w, fallback, http.StatusInternalServerError)
	}
}

func (a *API) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
