package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shopsync/crm-sync/internal/webhook/model"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// Shopify webhook headers
const (
	HeaderShopDomain = "X-Shopify-Shop-Domain"
	HeaderHmac       = "X-Shopify-Hmac-Sha256"
	HeaderTopic      = "X-Shopify-Topic"
)

// Job priorities per topic. Lower is more urgent: a cancellation must win
// over the creation it races against.
const (
	PriorityCancelled = 1
	PriorityUpdated   = 2
	PriorityCreated   = 3
)

// Store is the storage surface the webhook handlers need.
type Store interface {
	GetOrCreateShop(ctx context.Context, shopDomain string) (*domain.Shop, error)
	CreateWebhookLog(ctx context.Context, shopID int64, topic, shopifyID, payload string) (int64, error)
	MarkWebhookProcessed(ctx context.Context, logID int64) error
	MarkWebhookError(ctx context.Context, logID int64, errorMsg string) error
	HasSuccessfulDealSync(ctx context.Context, shopID int64, shopifyOrderID string) (bool, error)
	HasCredential(ctx context.Context, shopID int64) (bool, error)
	UpsertOrder(ctx context.Context, shopID int64, orderID, orderNumber, body string) error
	CreateJob(ctx context.Context, job model.NewJob) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       Store
	Secret      string
	MaxAttempts int
}

// OrderWebhookHandler ingests order webhooks and turns them into persisted
// sync jobs.
type OrderWebhookHandler struct {
	logger      *slog.Logger
	store       Store
	secret      string
	maxAttempts int
}

// NewOrderWebhookHandler creates a new OrderWebhookHandler instance
func NewOrderWebhookHandler(deps *Dependencies) *OrderWebhookHandler {
	return &OrderWebhookHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		secret:      deps.Secret,
		maxAttempts: deps.MaxAttempts,
	}
}

// OrdersCreated handles POST /webhooks/orders/created
func (h *OrderWebhookHandler) OrdersCreated(c *gin.Context) {
	h.handle(c, "orders/create", domain.JobTypeOrderCreated, PriorityCreated, false)
}

// OrdersUpdated handles POST /webhooks/orders/updated
func (h *OrderWebhookHandler) OrdersUpdated(c *gin.Context) {
	h.handle(c, "orders/updated", domain.JobTypeOrderUpdated, PriorityUpdated, true)
}

// OrdersCancelled handles POST /webhooks/orders/cancelled
func (h *OrderWebhookHandler) OrdersCancelled(c *gin.Context) {
	h.handle(c, "orders/cancelled", domain.JobTypeOrderCancelled, PriorityCancelled, false)
}

type orderEnvelope struct {
	ID          int64 `json:"id"`
	OrderNumber int64 `json:"order_number"`
}

// handle runs the shared ingestion gate: register the shop and the
// webhook log, verify the signature, gate updates on prior sync history,
// and persist the job. Rejections and business-level skips answer 200 so
// the platform does not redeliver them; the webhook log keeps the
// evidence.
func (h *OrderWebhookHandler) handle(c *gin.Context, topic, jobType string, priority int, requirePriorSync bool) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	shopDomain := c.GetHeader(HeaderShopDomain)
	if shopDomain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop domain header"})
		return
	}

	var order orderEnvelope
	if err := json.Unmarshal(body, &order); err != nil || order.ID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed order payload"})
		return
	}
	orderID := strconv.FormatInt(order.ID, 10)
	orderNumber := strconv.FormatInt(order.OrderNumber, 10)

	h.logger.Info("Webhook received",
		slog.String("topic", topic),
		slog.String("shop", shopDomain),
		slog.String("order_id", orderID),
		slog.String("order_number", orderNumber),
	)

	shop, err := h.store.GetOrCreateShop(ctx, shopDomain)
	if err != nil {
		h.logger.Error("Failed to resolve shop", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// the log entry is written before the signature verdict so forged
	// requests leave a trace too
	logID, err := h.store.CreateWebhookLog(ctx, shop.ID, topic, orderID, string(body))
	if err != nil {
		h.logger.Error("Failed to create webhook log", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if !ValidSignature(h.secret, body, c.GetHeader(HeaderHmac)) {
		h.logger.Warn("Webhook signature rejected",
			slog.String("topic", topic),
			slog.String("shop", shopDomain),
		)
		if err := h.store.MarkWebhookError(ctx, logID, "invalid hmac signature"); err != nil {
			h.logger.Error("Failed to update webhook log", slog.String("error", err.Error()))
		}
		// 200 on purpose, a 4xx would make the platform retry a request
		// that can never become valid
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": "invalid signature"})
		return
	}

	if requirePriorSync {
		synced, err := h.store.HasSuccessfulDealSync(ctx, shop.ID, orderID)
		if err != nil {
			h.fail(c, logID, err)
			return
		}
		if !synced {
			// the create webhook is still in flight for this order; its
			// job will sync the latest state anyway
			h.logger.Info("Skipping update for order with no prior sync",
				slog.String("order_id", orderID),
			)
			h.skip(c, logID, "no prior sync")
			return
		}
	}

	if err := h.store.UpsertOrder(ctx, shop.ID, orderID, orderNumber, string(body)); err != nil {
		h.fail(c, logID, err)
		return
	}

	hasCred, err := h.store.HasCredential(ctx, shop.ID)
	if err != nil {
		h.fail(c, logID, err)
		return
	}
	if !hasCred {
		h.logger.Warn("Shop has no CRM credentials, webhook not queued",
			slog.String("shop", shopDomain),
		)
		if err := h.store.MarkWebhookError(ctx, logID, "no CRM credentials configured"); err != nil {
			h.logger.Error("Failed to update webhook log", slog.String("error", err.Error()))
		}
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "no credentials"})
		return
	}

	payload, err := json.Marshal(domain.OrderSyncPayload{
		ShopifyOrderID: orderID,
		Shop:           shopDomain,
		OrderData:      body,
	})
	if err != nil {
		h.fail(c, logID, err)
		return
	}

	jobID, err := h.store.CreateJob(ctx, model.NewJob{
		ShopID:      shop.ID,
		QueueName:   domain.QueueOrderSync,
		Type:        jobType,
		Payload:     string(payload),
		Priority:    priority,
		MaxAttempts: h.maxAttempts,
	})
	if err != nil {
		h.fail(c, logID, err)
		return
	}

	if err := h.store.MarkWebhookProcessed(ctx, logID); err != nil {
		h.logger.Error("Failed to update webhook log", slog.String("error", err.Error()))
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued", "job_id": jobID})
}

func (h *OrderWebhookHandler) skip(c *gin.Context, logID int64, reason string) {
	if err := h.store.MarkWebhookProcessed(c.Request.Context(), logID); err != nil {
		h.logger.Error("Failed to update webhook log", slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": reason})
}

func (h *OrderWebhookHandler) fail(c *gin.Context, logID int64, cause error) {
	h.logger.Error("Webhook processing failed", slog.String("error", cause.Error()))
	if err := h.store.MarkWebhookError(c.Request.Context(), logID, cause.Error()); err != nil {
		h.logger.Error("Failed to update webhook log", slog.String("error", err.Error()))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
