package crm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Sync kinds recorded per phase
const (
	SyncKindCustomer = "CUSTOMER"
	SyncKindProduct  = "PRODUCT"
	SyncKindDeal     = "DEAL"
	SyncKindOrder    = "ORDER"
)

// Sync outcome statuses
const (
	SyncStatusSuccess = "SUCCESS"
	SyncStatusError   = "ERROR"
)

// SyncRecord is one audit entry for a sync phase.
type SyncRecord struct {
	ShopID     int64     `db:"shop_id"`
	Kind       string    `db:"kind"`
	Status     string    `db:"status"`
	ExternalID string    `db:"external_id"`
	InternalID string    `db:"internal_id"`
	Message    string    `db:"message"`
	CreatedAt  time.Time `db:"created_at"`
}

// Pipeline is a shop's deal pipeline configuration.
type Pipeline struct {
	ID            int64  `db:"id"`
	ShopID        int64  `db:"shop_id"`
	CRMPipelineID int64  `db:"crm_pipeline_id"`
	Name          string `db:"name"`
}

// StageMapping maps an order financial status to a CRM pipeline stage.
type StageMapping struct {
	PipelineID      int64  `db:"pipeline_id"`
	FinancialStatus string `db:"financial_status"`
	CRMStageID      int64  `db:"crm_stage_id"`
}

// AuditStore persists sync outcomes and pipeline configuration. Implemented
// by the worker storage layer.
type AuditStore interface {
	RecordSync(ctx context.Context, record SyncRecord) error
	DefaultPipeline(ctx context.Context, shopID int64) (*Pipeline, []StageMapping, error)
}

// Result carries the CRM ids produced by a full order sync.
type Result struct {
	ContactID  int64
	ProductIDs []int64
	DealID     int64
}

// Syncer runs the three-phase order sync against one shop's CRM account:
// contact, then products, then deal. Each phase is idempotent, so a retried
// job converges on the same CRM records instead of duplicating them.
type Syncer struct {
	client *Client
	store  AuditStore
	logger *slog.Logger
}

// NewSyncer creates a syncer bound to one shop's CRM client
func NewSyncer(client *Client, store AuditStore, logger *slog.Logger) *Syncer {
	return &Syncer{
		client: client,
		store:  store,
		logger: logger,
	}
}

func (s *Syncer) record(ctx context.Context, shopID int64, kind, status, externalID, internalID, message string) {
	err := s.store.RecordSync(ctx, SyncRecord{
		ShopID:     shopID,
		Kind:       kind,
		Status:     status,
		ExternalID: externalID,
		InternalID: internalID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		// Audit failure must not fail the sync itself
		s.logger.Error("Failed to record sync log",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// SyncOrder performs the full contact -> products -> deal sync for one
// order. A failure in any phase aborts the remaining phases; everything
// already synced stays synced and is found again on retry.
func (s *Syncer) SyncOrder(ctx context.Context, shopID int64, order *Order) (*Result, error) {
	orderID := strconv.FormatInt(order.ID, 10)

	contactID, err := s.syncContact(ctx, shopID, order)
	if err != nil {
		return nil, err
	}

	productIDs, err := s.syncProducts(ctx, shopID, order)
	if err != nil {
		return nil, err
	}

	dealID, err := s.syncDeal(ctx, shopID, order, contactID, productIDs)
	if err != nil {
		return nil, err
	}

	s.record(ctx, shopID, SyncKindOrder, SyncStatusSuccess, orderID, strconv.FormatInt(dealID, 10), "")

	s.logger.Info("Order synced to CRM",
		slog.String("shopify_order_id", orderID),
		slog.Int64("contact_id", contactID),
		slog.Int64("deal_id", dealID),
	)

	return &Result{
		ContactID:  contactID,
		ProductIDs: productIDs,
		DealID:     dealID,
	}, nil
}

func (s *Syncer) syncContact(ctx context.Context, shopID int64, order *Order) (int64, error) {
	externalID := ""
	if order.Customer != nil {
		externalID = strconv.FormatInt(order.Customer.ID, 10)
	}

	contact := ContactFromOrder(order)
	contactID, err := s.client.SyncContact(ctx, externalID, contact)
	if err != nil {
		s.record(ctx, shopID, SyncKindCustomer, SyncStatusError, externalID, "", err.Error())
		return 0, fmt.Errorf("contact sync failed: %w", err)
	}

	s.record(ctx, shopID, SyncKindCustomer, SyncStatusSuccess, externalID, strconv.FormatInt(contactID, 10), "")
	return contactID, nil
}

func (s *Syncer) syncProducts(ctx context.Context, shopID int64, order *Order) ([]int64, error) {
	productIDs := make([]int64, 0, len(order.LineItems))

	for _, item := range order.LineItems {
		externalID := strconv.FormatInt(item.ProductID, 10)

		product := ProductFromLineItem(item)
		productID, err := s.client.SyncProduct(ctx, externalID, product)
		if err != nil {
			s.record(ctx, shopID, SyncKindProduct, SyncStatusError, externalID, "", err.Error())
			return nil, fmt.Errorf("product sync failed for line item %q: %w", item.SKU, err)
		}

		s.record(ctx, shopID, SyncKindProduct, SyncStatusSuccess, externalID, strconv.FormatInt(productID, 10), "")
		productIDs = append(productIDs, productID)
	}

	return productIDs, nil
}

func (s *Syncer) syncDeal(ctx context.Context, shopID int64, order *Order, contactID int64, productIDs []int64) (int64, error) {
	orderID := strconv.FormatInt(order.ID, 10)

	ownerID := int64(0)
	if info, err := s.client.GetAccountInfo(ctx); err != nil {
		s.logger.Warn("Failed to resolve CRM account owner, deal will be unowned",
			slog.String("error", err.Error()),
		)
	} else {
		ownerID = info.UserID
	}

	items := DealItems(order.LineItems, productIDs)
	deal := DealFromOrder(order, contactID, items, ownerID)

	if pipeline, stages, err := s.store.DefaultPipeline(ctx, shopID); err != nil {
		s.logger.Warn("Failed to load pipeline config, deal will use CRM defaults",
			slog.String("error", err.Error()),
		)
	} else if pipeline != nil {
		deal.Pipeline = s.client.PipelineURL(pipeline.CRMPipelineID)
		for _, stage := range stages {
			if stage.FinancialStatus == order.FinancialStatus {
				deal.PipelineStage = s.client.StageURL(stage.CRMStageID)
				break
			}
		}
	}

	dealID, err := s.client.SyncDeal(ctx, orderID, deal)
	if err != nil {
		s.record(ctx, shopID, SyncKindDeal, SyncStatusError, orderID, "", err.Error())
		return 0, fmt.Errorf("deal sync failed: %w", err)
	}

	s.record(ctx, shopID, SyncKindDeal, SyncStatusSuccess, orderID, strconv.FormatInt(dealID, 10), "")
	return dealID, nil
}
