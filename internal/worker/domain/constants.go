package domain

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job type constants for the order-sync queue
const (
	JobTypeOrderCreated   = "order.created"
	JobTypeOrderUpdated   = "order.updated"
	JobTypeOrderCancelled = "order.cancelled"
)

// QueueOrderSync is the queue processed by the sync workers
const QueueOrderSync = "order-sync"
