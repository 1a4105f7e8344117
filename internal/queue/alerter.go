package queue

import (
	"context"
	"strconv"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/logger"
)

// Alerter is told about jobs that exhausted their retries
type Alerter interface {
	DeadLettered(ctx context.Context, job *models.Job, cause error)
}

// LogAlerter raises dead-letter alerts as error-level log lines
type LogAlerter struct{}

// DeadLettered implements Alerter
func (LogAlerter) DeadLettered(_ context.Context, job *models.Job, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	logger.ErrorWithFields("🚨 Job dead-lettered", map[string]interface{}{
		"job_id":          job.ID,
		"job_type":        job.Type,
		"queue":           job.Queue,
		"attempts":        job.Attempts,
		"idempotency_key": job.Key(),
		"error":           msg,
	})
}

// DeadLetterTemplate is the notification template of dead-letter alerts
const DeadLetterTemplate = "job_dead_lettered"

// Sender delivers templated email. adapters.NotificationAdapter satisfies it.
type Sender interface {
	Send(ctx context.Context, template, recipient string, data map[string]string) error
}

// EmailAlerter logs like LogAlerter and also mails the alert to an operator
// address. Send errors are logged and otherwise ignored.
type EmailAlerter struct {
	Sender    Sender
	Recipient string
}

// DeadLettered implements Alerter
func (a EmailAlerter) DeadLettered(ctx context.Context, job *models.Job, cause error) {
	LogAlerter{}.DeadLettered(ctx, job, cause)
	if a.Sender == nil || a.Recipient == "" {
		return
	}
	data := map[string]string{
		"job_id":   job.ID.String(),
		"job_type": string(job.Type),
		"queue":    job.Queue,
		"attempts": strconv.Itoa(job.Attempts),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	if err := a.Sender.Send(ctx, DeadLetterTemplate, a.Recipient, data); err != nil {
		logger.Warnf("Failed to send dead-letter alert for job %s: %v", job.ID, err)
	}
}
