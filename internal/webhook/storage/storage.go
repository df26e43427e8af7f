package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shopsync/crm-sync/internal/webhook/model"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// Storage handles all database operations for the webhook service
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetOrCreateShop returns the shop for a store domain, creating it on the
// first webhook. An inactive shop that starts sending webhooks again is
// reactivated.
func (s *Storage) GetOrCreateShop(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	query := `
		INSERT INTO shops (domain, active)
		VALUES ($1, true)
		ON CONFLICT (domain) DO UPDATE SET active = true
		RETURNING id, domain, active
	`

	var shop domain.Shop
	err := s.db.GetContext(ctx, &shop, query, shopDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create shop: %w", err)
	}

	return &shop, nil
}

// CreateWebhookLog records a received webhook and returns the log id
func (s *Storage) CreateWebhookLog(ctx context.Context, shopID int64, topic, shopifyID, payload string) (int64, error) {
	query := `
		INSERT INTO webhook_logs (shop_id, topic, shopify_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, query, shopID, topic, shopifyID, payload, model.WebhookStatusReceived).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook log: %w", err)
	}

	return id, nil
}

// MarkWebhookProcessed closes a webhook log successfully
func (s *Storage) MarkWebhookProcessed(ctx context.Context, logID int64) error {
	query := `
		UPDATE webhook_logs
		SET status = $1, processed_at = NOW()
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, model.WebhookStatusProcessed, logID); err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

// MarkWebhookError closes a webhook log with an error message
func (s *Storage) MarkWebhookError(ctx context.Context, logID int64, errorMsg string) error {
	query := `
		UPDATE webhook_logs
		SET status = $1, error = $2, processed_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, model.WebhookStatusError, errorMsg, logID); err != nil {
		return fmt.Errorf("failed to mark webhook error: %w", err)
	}
	return nil
}

// HasSuccessfulDealSync reports whether the order was ever synced to the
// CRM as a deal. Order updates arriving before the first sync finished are
// skipped on the strength of this check.
func (s *Storage) HasSuccessfulDealSync(ctx context.Context, shopID int64, shopifyOrderID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_logs
			WHERE shop_id = $1
			  AND kind = $2
			  AND status = $3
			  AND external_id = $4
			  AND internal_id <> ''
		)
	`

	var exists bool
	err := s.db.GetContext(ctx, &exists, query, shopID, "DEAL", "SUCCESS", shopifyOrderID)
	if err != nil {
		return false, fmt.Errorf("failed to check deal sync history: %w", err)
	}

	return exists, nil
}

// HasCredential reports whether the shop has an active CRM credential
func (s *Storage) HasCredential(ctx context.Context, shopID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM integration_credentials
			WHERE shop_id = $1 AND active = true
		)
	`

	var exists bool
	err := s.db.GetContext(ctx, &exists, query, shopID)
	if err != nil {
		return false, fmt.Errorf("failed to check credentials: %w", err)
	}

	return exists, nil
}

// UpsertOrder stores the latest raw order payload for a shopify order
func (s *Storage) UpsertOrder(ctx context.Context, shopID int64, orderID, orderNumber, body string) error {
	query := `
		INSERT INTO orders (order_id, order_number, shop_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (order_id) DO UPDATE SET body = $4, updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, orderID, orderNumber, shopID, body); err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

// CreateJob persists a pending sync job and returns its id. The dispatcher
// picks it up on its next poll.
func (s *Storage) CreateJob(ctx context.Context, job model.NewJob) (string, error) {
	query := `
		INSERT INTO jobs (id, shop_id, queue_name, type, payload, priority, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NOW())
		RETURNING id
	`

	id := uuid.NewString()
	var created string
	err := s.db.QueryRowContext(ctx, query,
		id, job.ShopID, job.QueueName, job.Type, job.Payload,
		job.Priority, domain.JobStatusPending, job.MaxAttempts).Scan(&created)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", created),
		slog.String("type", job.Type),
		slog.Int("priority", job.Priority),
	)

	return created, nil
}
