package domain

import (
	"encoding/json"
	"time"
)

// Job represents a persisted sync job. Rows are created by the webhook
// service, claimed by the dispatcher (pending -> processing) and finished
// by a sync worker (processing -> completed|pending|failed).
type Job struct {
	ID          string     `db:"id"`
	ShopID      *int64     `db:"shop_id"`
	QueueName   string     `db:"queue_name"`
	Type        string     `db:"type"`
	Payload     string     `db:"payload"` // JSON document
	Priority    int        `db:"priority"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	Error       *string    `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// JobMessage is the broker envelope. Only the job id travels through
// RabbitMQ; the payload is re-read from the database by the worker.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// OrderSyncPayload is the payload shape for order-sync jobs.
type OrderSyncPayload struct {
	ShopifyOrderID string          `json:"shopifyOrderId"`
	Shop           string          `json:"shop"`
	OrderData      json.RawMessage `json:"orderData"`
}

// Shop is a store installation known to the platform.
type Shop struct {
	ID     int64  `db:"id"`
	Domain string `db:"domain"`
	Active bool   `db:"active"`
}
