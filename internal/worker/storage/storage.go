package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shopsync/crm-sync/internal/crm"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// Storage handles all database operations for the worker daemon
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

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT id, shop_id, queue_name, type, payload, priority, status,
		       attempts, max_attempts, error, created_at, started_at, processed_at
		FROM jobs
		WHERE id = $1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// PendingJobs returns up to limit pending jobs for a queue, most urgent
// first. Within a priority level older jobs go first.
func (s *Storage) PendingJobs(ctx context.Context, queueName string, limit int) ([]domain.Job, error) {
	query := `
		SELECT id, shop_id, queue_name, type, payload, priority, status,
		       attempts, max_attempts, error, created_at, started_at, processed_at
		FROM jobs
		WHERE queue_name = $1 AND status = $2
		ORDER BY priority ASC, created_at ASC
		LIMIT $3
	`

	jobs := []domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, query, queueName, domain.JobStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	return jobs, nil
}

// MarkProcessing claims a pending job using optimistic locking. Returns
// domain.ErrJobNotFound if the job is gone or already claimed.
func (s *Storage) MarkProcessing(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    started_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING id
	`

	var claimed string
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusProcessing, jobID, domain.JobStatusPending).Scan(&claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	return nil
}

// MarkPending returns a job to the pending pool, keeping its attempt count
func (s *Storage) MarkPending(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, started_at = NULL
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, jobID); err != nil {
		return fmt.Errorf("failed to mark job pending: %w", err)
	}
	return nil
}

// MarkCompleted finishes a job successfully
func (s *Storage) MarkCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, error = NULL, processed_at = NOW()
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, jobID); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	s.logger.Info("Job completed", slog.String("job_id", jobID))
	return nil
}

// MarkRetry sends a failed job back to pending so the dispatcher picks it
// up again. The error message is kept for inspection.
func (s *Storage) MarkRetry(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1, error = $2, started_at = NULL
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, errorMsg, jobID); err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}

	s.logger.Warn("Job returned for retry",
		slog.String("job_id", jobID),
		slog.String("error", errorMsg),
	)
	return nil
}

// MarkFailed finishes a job terminally
func (s *Storage) MarkFailed(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1, error = $2, processed_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMsg, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Error("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("error", errorMsg),
	)
	return nil
}

// RequeueStuck re-pends processing jobs whose claim is older than the
// threshold. These are jobs orphaned by a crash between claim and ack.
func (s *Storage) RequeueStuck(ctx context.Context, queueName string, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE jobs
		SET status = $1, started_at = NULL
		WHERE queue_name = $2
		  AND status = $3
		  AND started_at < NOW() - ($4 * INTERVAL '1 second')
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending, queueName, domain.JobStatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// GetShopByID retrieves a shop by its ID
func (s *Storage) GetShopByID(ctx context.Context, shopID int64) (*domain.Shop, error) {
	query := `SELECT id, domain, active FROM shops WHERE id = $1`

	var shop domain.Shop
	err := s.db.GetContext(ctx, &shop, query, shopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrShopNotFound
		}
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}

	return &shop, nil
}

// GetShopByDomain retrieves a shop by its store domain
func (s *Storage) GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	query := `SELECT id, domain, active FROM shops WHERE domain = $1`

	var shop domain.Shop
	err := s.db.GetContext(ctx, &shop, query, shopDomain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrShopNotFound
		}
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}

	return &shop, nil
}

// GetCredential returns the shop's active CRM API token
func (s *Storage) GetCredential(ctx context.Context, shopID int64) (string, error) {
	query := `
		SELECT api_token
		FROM integration_credentials
		WHERE shop_id = $1 AND active = true
		ORDER BY created_at DESC
		LIMIT 1
	`

	var token string
	err := s.db.GetContext(ctx, &token, query, shopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrCredentialsNotFound
		}
		return "", fmt.Errorf("failed to get credential: %w", err)
	}

	return token, nil
}

// RecordSync appends one sync audit entry
func (s *Storage) RecordSync(ctx context.Context, record crm.SyncRecord) error {
	query := `
		INSERT INTO sync_logs (shop_id, kind, status, external_id, internal_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ShopID, record.Kind, record.Status,
		record.ExternalID, record.InternalID, record.Message, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record sync log: %w", err)
	}

	return nil
}

// DefaultPipeline loads the shop's pipeline configuration and its stage
// mappings. A shop with no configuration gets (nil, nil, nil) and deals
// land on the CRM's default pipeline.
func (s *Storage) DefaultPipeline(ctx context.Context, shopID int64) (*crm.Pipeline, []crm.StageMapping, error) {
	query := `
		SELECT id, shop_id, crm_pipeline_id, name
		FROM pipeline_configs
		WHERE shop_id = $1 AND is_default = true
		LIMIT 1
	`

	var pipeline crm.Pipeline
	err := s.db.GetContext(ctx, &pipeline, query, shopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get pipeline config: %w", err)
	}

	stagesQuery := `
		SELECT pipeline_id, financial_status, crm_stage_id
		FROM stage_mappings
		WHERE pipeline_id = $1
	`

	stages := []crm.StageMapping{}
	if err := s.db.SelectContext(ctx, &stages, stagesQuery, pipeline.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to get stage mappings: %w", err)
	}

	return &pipeline, stages, nil
}
