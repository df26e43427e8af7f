package model

// Webhook log statuses. Every delivery gets a webhook_logs row, including
// the ones the gate rejects or skips.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusError     = "error"
)

// NewJob carries everything needed to persist a sync job.
type NewJob struct {
	ShopID      int64
	QueueName   string
	Type        string
	Payload     string
	Priority    int
	MaxAttempts int
}
