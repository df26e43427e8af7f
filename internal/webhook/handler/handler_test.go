package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopsync/crm-sync/internal/webhook/model"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

const testSecret = "shpss_test_secret"

type fakeStore struct {
	shops        map[string]*domain.Shop
	nextLogID    int64
	logs         map[int64]string // id -> status
	logErrors    map[int64]string
	dealSynced   map[string]bool
	credentialed map[int64]bool
	orders       map[string]string
	jobs         []model.NewJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		shops:        make(map[string]*domain.Shop),
		logs:         make(map[int64]string),
		logErrors:    make(map[int64]string),
		dealSynced:   make(map[string]bool),
		credentialed: make(map[int64]bool),
		orders:       make(map[string]string),
	}
}

func (f *fakeStore) GetOrCreateShop(_ context.Context, shopDomain string) (*domain.Shop, error) {
	if shop, ok := f.shops[shopDomain]; ok {
		shop.Active = true
		return shop, nil
	}
	shop := &domain.Shop{ID: int64(len(f.shops) + 1), Domain: shopDomain, Active: true}
	f.shops[shopDomain] = shop
	return shop, nil
}

func (f *fakeStore) CreateWebhookLog(_ context.Context, _ int64, _, _, _ string) (int64, error) {
	f.nextLogID++
	f.logs[f.nextLogID] = model.WebhookStatusReceived
	return f.nextLogID, nil
}

func (f *fakeStore) MarkWebhookProcessed(_ context.Context, logID int64) error {
	f.logs[logID] = model.WebhookStatusProcessed
	return nil
}

func (f *fakeStore) MarkWebhookError(_ context.Context, logID int64, errorMsg string) error {
	f.logs[logID] = model.WebhookStatusError
	f.logErrors[logID] = errorMsg
	return nil
}

func (f *fakeStore) HasSuccessfulDealSync(_ context.Context, _ int64, shopifyOrderID string) (bool, error) {
	return f.dealSynced[shopifyOrderID], nil
}

func (f *fakeStore) HasCredential(_ context.Context, shopID int64) (bool, error) {
	return f.credentialed[shopID], nil
}

func (f *fakeStore) UpsertOrder(_ context.Context, _ int64, orderID, _, body string) error {
	f.orders[orderID] = body
	return nil
}

func (f *fakeStore) CreateJob(_ context.Context, job model.NewJob) (string, error) {
	f.jobs = append(f.jobs, job)
	return "job-1", nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestRouter(store *fakeStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewOrderWebhookHandler(&Dependencies{
		Logger:      slog.New(slog.DiscardHandler),
		Store:       store,
		Secret:      testSecret,
		MaxAttempts: 3,
	})

	r := gin.New()
	r.POST("/webhooks/orders/created", h.OrdersCreated)
	r.POST("/webhooks/orders/updated", h.OrdersUpdated)
	r.POST("/webhooks/orders/cancelled", h.OrdersCancelled)
	return r
}

func postWebhook(r *gin.Engine, path string, body []byte, signature, shop string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(HeaderHmac, signature)
	}
	if shop != "" {
		req.Header.Set(HeaderShopDomain, shop)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var orderBody = []byte(`{"id": 9001, "order_number": 77, "total_price": "10.00"}`)

func TestOrdersCreated_QueuesJob(t *testing.T) {
	store := newFakeStore()
	store.credentialed[1] = true
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/created", orderBody, sign(testSecret, orderBody), "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, domain.JobTypeOrderCreated, job.Type)
	assert.Equal(t, PriorityCreated, job.Priority)
	assert.Equal(t, domain.QueueOrderSync, job.QueueName)
	assert.Equal(t, 3, job.MaxAttempts)

	var payload domain.OrderSyncPayload
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	assert.Equal(t, "9001", payload.ShopifyOrderID)
	assert.Equal(t, "demo.myshopify.com", payload.Shop)

	assert.Equal(t, model.WebhookStatusProcessed, store.logs[1])
	assert.Contains(t, store.orders, "9001")
}

func TestOrdersCancelled_HighestPriority(t *testing.T) {
	store := newFakeStore()
	store.credentialed[1] = true
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/cancelled", orderBody, sign(testSecret, orderBody), "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, store.jobs, 1)
	assert.Equal(t, domain.JobTypeOrderCancelled, store.jobs[0].Type)
	assert.Equal(t, PriorityCancelled, store.jobs[0].Priority)
}

func TestOrdersUpdated_SkippedWithoutPriorSync(t *testing.T) {
	store := newFakeStore()
	store.credentialed[1] = true
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/updated", orderBody, sign(testSecret, orderBody), "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "skipped")

	assert.Empty(t, store.jobs)
	assert.Equal(t, model.WebhookStatusProcessed, store.logs[1])
}

func TestOrdersUpdated_QueuedWithPriorSync(t *testing.T) {
	store := newFakeStore()
	store.credentialed[1] = true
	store.dealSynced["9001"] = true
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/updated", orderBody, sign(testSecret, orderBody), "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, store.jobs, 1)
	assert.Equal(t, domain.JobTypeOrderUpdated, store.jobs[0].Type)
	assert.Equal(t, PriorityUpdated, store.jobs[0].Priority)
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	tests := []struct {
		name      string
		signature string
	}{
		{name: "missing signature", signature: ""},
		{name: "wrong signature", signature: sign("other-secret", orderBody)},
		{name: "not base64", signature: "%%%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			r := newTestRouter(store)

			w := postWebhook(r, "/webhooks/orders/created", orderBody, tt.signature, "demo.myshopify.com")

			// rejected but answered 200 so the platform does not retry,
			// with the forged request kept in the webhook log
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "rejected")
			assert.Empty(t, store.jobs)
			assert.Equal(t, model.WebhookStatusError, store.logs[1])
			assert.Contains(t, store.logErrors[1], "invalid hmac signature")
		})
	}
}

func TestWebhook_MissingShopDomain(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/created", orderBody, sign(testSecret, orderBody), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store)

	body := []byte(`{"not_an_order": true}`)
	w := postWebhook(r, "/webhooks/orders/created", body, sign(testSecret, body), "demo.myshopify.com")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_NoCredentialsSkips(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store)

	w := postWebhook(r, "/webhooks/orders/created", orderBody, sign(testSecret, orderBody), "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no credentials")

	assert.Empty(t, store.jobs)
	assert.Equal(t, model.WebhookStatusError, store.logs[1])
	assert.Contains(t, store.logErrors[1], "no CRM credentials")
}

func TestValidSignature(t *testing.T) {
	body := []byte("payload")

	assert.True(t, ValidSignature("secret", body, sign("secret", body)))
	assert.False(t, ValidSignature("secret", body, sign("wrong", body)))
	assert.False(t, ValidSignature("secret", body, ""))
	assert.False(t, ValidSignature("", body, sign("secret", body)))
}
