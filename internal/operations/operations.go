// Package operations implements the work behind each task kind.
package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nadmax/finboard/internal/cache"
	"github.com/nadmax/finboard/internal/task"
	"github.com/nadmax/finboard/internal/worker"
)

const (
	QuestionParam = "question"
	HorizonParam  = "horizon"
	FilenameParam = "filename"
)

var (
	ErrNilGenerator     = errors.New("generator cannot be nil")
	ErrNilPlanStore     = errors.New("plan store cannot be nil")
	ErrMissingParameter = errors.New("validation failed: missing parameter")
	ErrEmptyPlan        = errors.New("validation failed: action plan has no steps")
)

// Generator is the AI surface the operations need. *gemini.Client satisfies it.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
	ExtractJSON(ctx context.Context, prompt string, document []byte, mimeType string, out any) error
}

type PlanStore interface {
	SavePlan(ctx context.Context, ownerID string, plan []byte) error
}

type Insight struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type Step struct {
	Action   string `json:"action"`
	Priority string `json:"priority"`
}

type ActionPlan struct {
	Title       string    `json:"title"`
	Steps       []Step    `json:"steps"`
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
}

type Operations struct {
	ai       Generator
	plans    PlanStore
	insights *cache.Cache[[]Insight]
	now      func() time.Time
	logger   *slog.Logger
}

func New(ai Generator, plans PlanStore, insights *cache.Cache[[]Insight], logger *slog.Logger) (*Operations, error) {
	if ai == nil {
		return nil, ErrNilGenerator
	}
	if plans == nil {
		return nil, ErrNilPlanStore
	}
	if insights == nil {
		insights = cache.New[[]Insight](0, cache.WithName[[]Insight]("insights"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Operations{
		ai:       ai,
		plans:    plans,
		insights: insights,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Register installs the queued, retryable kinds. upload-pdf is not
// registered: its input only lives in the request that started it.
func (o *Operations) Register(r *worker.Registry) {
	r.RegisterHandler(task.KindGenerateInsight, o.GenerateInsight, nil)
	r.RegisterHandler(task.KindGenerateActionPlan, o.GenerateActionPlan, o.SaveDefaultPlan)
}

func (o *Operations) GenerateInsight(ctx context.Context, t *task.Task) (worker.Result, error) {
	question := strings.TrimSpace(t.StringParam(QuestionParam))
	if question == "" {
		return worker.Result{}, fmt.Errorf("%w: %s", ErrMissingParameter, QuestionParam)
	}

	key := insightKey(t.OwnerID, question)
	insights, err := o.insights.GetOrLoad(ctx, key, 0, func(ctx context.Context) ([]Insight, error) {
		var reply struct {
			Insights []Insight `json:"insights"`
		}
		if err := o.ai.GenerateJSON(ctx, insightPrompt(question), &reply); err != nil {
			return nil, fmt.Errorf("failed to generate insight: %w", err)
		}
		return reply.Insights, nil
	})
	if err != nil {
		return worker.Result{}, err
	}

	return worker.Result{
		Summary:     fmt.Sprintf("%d insights generated", len(insights)),
		RedirectURL: "/insights",
	}, nil
}

func (o *Operations) GenerateActionPlan(ctx context.Context, t *task.Task) (worker.Result, error) {
	var plan ActionPlan
	if err := o.ai.GenerateJSON(ctx, actionPlanPrompt(t.StringParam(HorizonParam)), &plan); err != nil {
		return worker.Result{}, fmt.Errorf("failed to generate action plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return worker.Result{}, ErrEmptyPlan
	}

	plan.Source = "ai"
	plan.GeneratedAt = o.now()
	if err := o.savePlan(ctx, t.OwnerID, &plan); err != nil {
		return worker.Result{}, err
	}

	return worker.Result{
		Summary:     fmt.Sprintf("%d steps planned", len(plan.Steps)),
		RedirectURL: "/action-plan",
	}, nil
}

// SaveDefaultPlan stores a generic plan when generation failed for good, so
// the owner still has something to look at.
func (o *Operations) SaveDefaultPlan(ctx context.Context, t *task.Task, cause error) {
	plan := defaultPlan(o.now())
	if err := o.savePlan(ctx, t.OwnerID, &plan); err != nil {
		o.logger.Error("failed to save default action plan",
			"task_id", t.ID,
			"owner_id", t.OwnerID,
			"error", err,
			"cause", cause)
		return
	}

	o.logger.Info("saved default action plan", "task_id", t.ID, "owner_id", t.OwnerID, "cause", cause)
}

// UploadPDF returns the operation for one uploaded statement. The document is
// captured by the closure and never persisted.
func (o *Operations) UploadPDF(document []byte, mimeType string) worker.Operation {
	return func(ctx context.Context, t *task.Task) (worker.Result, error) {
		var extracted struct {
			Positions []Position `json:"positions"`
		}
		if err := o.ai.ExtractJSON(ctx, extractionPrompt, document, mimeType, &extracted); err != nil {
			return worker.Result{}, fmt.Errorf("failed to extract positions: %w", err)
		}

		o.logger.Info("extracted positions",
			"task_id", t.ID,
			"filename", t.StringParam(FilenameParam),
			"count", len(extracted.Positions))

		return worker.Result{
			Summary:     fmt.Sprintf("%d positions extracted", len(extracted.Positions)),
			RedirectURL: "/dashboard",
		}, nil
	}
}

func (o *Operations) savePlan(ctx context.Context, ownerID string, plan *ActionPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal action plan: %w", err)
	}

	return o.plans.SavePlan(ctx, ownerID, data)
}

func insightKey(ownerID, question string) string {
	return "insight:" + ownerID + ":" + strings.ToLower(question)
}
