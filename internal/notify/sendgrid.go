package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nadmax/finboard/internal/classify"
	"github.com/nadmax/finboard/internal/config"
	"github.com/nadmax/finboard/internal/metrics"
	"github.com/nadmax/finboard/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailParam is the task parameter holding the address to notify.
const EmailParam = "notify_email"

type emailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridNotifier struct {
	client emailSender
	from   *mail.Email
	logger *slog.Logger
}

func NewSendGridNotifier(cfg config.NotifyConfig, logger *slog.Logger) (*SendGridNotifier, error) {
	if cfg.SendGridAPIKey == "" {
		return nil, errors.New("sendgrid API key is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("sender address is required")
	}

	return newSendGridNotifier(sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg.FromName, cfg.FromAddress, logger), nil
}

func newSendGridNotifier(client emailSender, fromName, fromAddress string, logger *slog.Logger) *SendGridNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &SendGridNotifier{
		client: client,
		from:   mail.NewEmail(fromName, fromAddress),
		logger: logger,
	}
}

// Notify emails the address stored in the task's notify_email parameter.
// Tasks without one, or that are not terminal, are skipped.
func (n *SendGridNotifier) Notify(ctx context.Context, t *task.Task) error {
	if !t.IsTerminal() {
		return nil
	}

	to := t.StringParam(EmailParam)
	if to == "" {
		metrics.RecordNotification("skipped")
		return nil
	}

	subject, body := renderMessage(t)
	email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, body)

	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		metrics.RecordNotification("error")
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		metrics.RecordNotification("error")
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	metrics.RecordNotification("sent")
	n.logger.Info("task notification sent", "task_id", t.ID, "status", t.Status, "response_status", response.StatusCode)
	return nil
}

func renderMessage(t *task.Task) (string, string) {
	label := strings.ReplaceAll(t.Kind.String(), "-", " ")

	switch t.Status {
	case task.StatusCompleted:
		body := fmt.Sprintf("Your %s task finished.", label)
		if t.ResultSummary != "" {
			body += "\n\n" + t.ResultSummary
		}
		return fmt.Sprintf("Your %s is ready", label), body
	case task.StatusFailed:
		body := fmt.Sprintf("Your %s task failed: %s\n\n%s", label, t.Error, classify.UserMessage(classify.ParseClass(t.ErrorCode)))
		if t.ErrorRecoverable {
			body += "\n\nYou can retry it from the dashboard."
		}
		return fmt.Sprintf("Your %s failed", label), body
	default:
		return fmt.Sprintf("Your %s was cancelled", label), fmt.Sprintf("Your %s task was cancelled.", label)
	}
}
