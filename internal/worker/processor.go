package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopsync/crm-sync/internal/crm"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// JobStore is the storage surface the processor needs.
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkRetry(ctx context.Context, jobID, errorMsg string) error
	MarkFailed(ctx context.Context, jobID, errorMsg string) error
	GetShopByID(ctx context.Context, shopID int64) (*domain.Shop, error)
	GetShopByDomain(ctx context.Context, shopDomain string) (*domain.Shop, error)
	GetCredential(ctx context.Context, shopID int64) (string, error)
}

// OrderSyncer runs the CRM sync for one order.
type OrderSyncer interface {
	SyncOrder(ctx context.Context, shopID int64, order *crm.Order) (*crm.Result, error)
}

// SyncerFactory builds a syncer from a shop's CRM credential.
type SyncerFactory func(apiToken string) OrderSyncer

// Outcome tells the consume loop how a delivery was resolved.
type Outcome int

const (
	// OutcomeDropped means the delivery was stale or referenced an
	// unknown job; nothing was written.
	OutcomeDropped Outcome = iota
	// OutcomeCompleted means the sync succeeded.
	OutcomeCompleted
	// OutcomeFailed means the sync failed and the job was settled back to
	// pending or to failed.
	OutcomeFailed
	// OutcomeUnsettled means the job's database state could not be
	// written; the reconciler will recover the row.
	OutcomeUnsettled
)

// Processor executes one sync job end to end: load the row, resolve the
// shop and its credential, run the CRM sync and settle the job's final
// status. The database row is the source of truth; the broker message is
// only a wakeup.
type Processor struct {
	store     JobStore
	newSyncer SyncerFactory
	logger    *slog.Logger
}

// NewProcessor creates a processor
func NewProcessor(store JobStore, newSyncer SyncerFactory, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		newSyncer: newSyncer,
		logger:    logger,
	}
}

// Process handles one delivery. The error carries the failure cause for
// OutcomeFailed and OutcomeUnsettled; the outcome decides what happens to
// the delivery.
func (p *Processor) Process(ctx context.Context, jobID string) (Outcome, error) {
	job, err := p.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			p.logger.Warn("Dropping delivery for unknown job", slog.String("job_id", jobID))
			return OutcomeDropped, nil
		}
		return OutcomeUnsettled, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	// The dispatcher claims jobs before publishing. Anything else means
	// this delivery is stale: the reconciler re-pended the job or another
	// worker already finished it.
	if job.Status != domain.JobStatusProcessing {
		p.logger.Warn("Dropping stale delivery",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return OutcomeDropped, nil
	}

	if err := p.run(ctx, job); err != nil {
		if serr := p.settleFailure(ctx, job, err); serr != nil {
			return OutcomeUnsettled, fmt.Errorf("failed to settle job %s after %v: %w", jobID, err, serr)
		}
		return OutcomeFailed, err
	}

	if err := p.store.MarkCompleted(ctx, jobID); err != nil {
		return OutcomeUnsettled, fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return OutcomeCompleted, nil
}

func (p *Processor) run(ctx context.Context, job *domain.Job) error {
	var payload domain.OrderSyncPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	shop, err := p.resolveShop(ctx, job, payload)
	if err != nil {
		return err
	}
	if !shop.Active {
		return fmt.Errorf("%w: shop %s is not active", domain.ErrShopNotFound, shop.Domain)
	}

	apiToken, err := p.store.GetCredential(ctx, shop.ID)
	if err != nil {
		return err
	}

	order, err := crm.ParseOrder(payload.OrderData)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	p.logger.Info("Syncing order",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("shop", shop.Domain),
		slog.String("shopify_order_id", payload.ShopifyOrderID),
		slog.Int("attempt", job.Attempts),
	)

	syncer := p.newSyncer(apiToken)
	if _, err := syncer.SyncOrder(ctx, shop.ID, order); err != nil {
		return err
	}
	return nil
}

func (p *Processor) resolveShop(ctx context.Context, job *domain.Job, payload domain.OrderSyncPayload) (*domain.Shop, error) {
	if job.ShopID != nil {
		return p.store.GetShopByID(ctx, *job.ShopID)
	}
	if payload.Shop == "" {
		return nil, fmt.Errorf("%w: job carries no shop reference", domain.ErrShopNotFound)
	}
	return p.store.GetShopByDomain(ctx, payload.Shop)
}

// settleFailure decides between retry and terminal failure. Permanent
// errors and exhausted attempt budgets fail the job; everything else goes
// back to pending for the dispatcher.
func (p *Processor) settleFailure(ctx context.Context, job *domain.Job, cause error) error {
	if isPermanent(cause) {
		return p.store.MarkFailed(ctx, job.ID, cause.Error())
	}

	if job.Attempts >= job.MaxAttempts {
		msg := fmt.Sprintf("%s: %v", domain.ErrAttemptsExhausted, cause)
		return p.store.MarkFailed(ctx, job.ID, msg)
	}

	return p.store.MarkRetry(ctx, job.ID, cause.Error())
}

// isPermanent reports whether retrying the job can ever succeed.
func isPermanent(err error) bool {
	// an explicit retryable wrapper overrides any sentinel underneath
	if domain.IsRetryable(err) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrShopNotFound) ||
		errors.Is(err, domain.ErrCredentialsNotFound) {
		return true
	}

	var apiErr *crm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Permanent()
	}

	// Network failures, 5xx responses and anything unclassified are worth
	// another attempt.
	return false
}
