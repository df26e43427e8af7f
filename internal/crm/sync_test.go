package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCRM is an in-memory stand-in for the CRM API. It implements the
// search, create and update endpoints the syncer touches.
type fakeCRM struct {
	mu       sync.Mutex
	nextID   int64
	contacts map[int64]Contact
	products map[int64]Product
	deals    map[int64]Deal

	// last PUT body per resource, for payload assertions
	lastProductUpdate map[string]any
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		nextID:   100,
		contacts: make(map[int64]Contact),
		products: make(map[int64]Product),
		deals:    make(map[int64]Deal),
	}
}

func (f *fakeCRM) allocID() int64 {
	f.nextID++
	return f.nextID
}

func customFieldValue(fields []CustomField, name string) string {
	for _, cf := range fields {
		if cf.Field == name {
			return cf.Value
		}
	}
	return ""
}

func (f *fakeCRM) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AccountInfo{UserID: 42, Name: "Owner", Email: "owner@example.com"})
	})

	mux.HandleFunc("GET /contacts/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var results []Contact
		shopifyID := r.URL.Query().Get("custom_fields__shopify_customer_id")
		email := r.URL.Query().Get("email")
		for _, c := range f.contacts {
			if shopifyID != "" && customFieldValue(c.CustomFields, "shopify_customer_id") == shopifyID {
				results = append(results, c)
			} else if shopifyID == "" && email != "" && c.Email == email {
				results = append(results, c)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})

	mux.HandleFunc("POST /contacts/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var c Contact
		json.NewDecoder(r.Body).Decode(&c)
		c.ID = f.allocID()
		f.contacts[c.ID] = c
		json.NewEncoder(w).Encode(c)
	})

	mux.HandleFunc("PUT /contacts/{id}/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if _, ok := f.contacts[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var c Contact
		json.NewDecoder(r.Body).Decode(&c)
		c.ID = id
		f.contacts[id] = c
		json.NewEncoder(w).Encode(c)
	})

	mux.HandleFunc("GET /products/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var results []Product
		shopifyID := r.URL.Query().Get("custom_fields__shopify_product_id")
		sku := r.URL.Query().Get("sku")
		for _, p := range f.products {
			if shopifyID != "" && customFieldValue(p.CustomFields, "shopify_product_id") == shopifyID {
				results = append(results, p)
			} else if shopifyID == "" && sku != "" && p.SKU == sku {
				results = append(results, p)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})

	mux.HandleFunc("POST /products/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var p Product
		json.NewDecoder(r.Body).Decode(&p)
		p.ID = f.allocID()
		f.products[p.ID] = p
		json.NewEncoder(w).Encode(p)
	})

	mux.HandleFunc("PUT /products/{id}/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		existing, ok := f.products[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		f.lastProductUpdate = raw

		var p Product
		data, _ := json.Marshal(raw)
		json.Unmarshal(data, &p)
		p.ID = id
		if p.SKU == "" {
			p.SKU = existing.SKU
		}
		f.products[id] = p
		json.NewEncoder(w).Encode(p)
	})

	mux.HandleFunc("GET /deals/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var results []Deal
		query := r.URL.Query().Get("query")
		for _, d := range f.deals {
			if query != "" && customFieldValue(d.CustomFields, "shopify_order_id") == query {
				results = append(results, d)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})

	mux.HandleFunc("POST /deals/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var d Deal
		json.NewDecoder(r.Body).Decode(&d)
		d.ID = f.allocID()
		f.deals[d.ID] = d
		json.NewEncoder(w).Encode(d)
	})

	mux.HandleFunc("PUT /deals/{id}/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if _, ok := f.deals[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var d Deal
		json.NewDecoder(r.Body).Decode(&d)
		d.ID = id
		f.deals[id] = d
		json.NewEncoder(w).Encode(d)
	})

	return mux
}

// memoryAuditStore collects sync records in memory.
type memoryAuditStore struct {
	mu       sync.Mutex
	records  []SyncRecord
	pipeline *Pipeline
	stages   []StageMapping
}

func (m *memoryAuditStore) RecordSync(_ context.Context, record SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryAuditStore) DefaultPipeline(_ context.Context, _ int64) (*Pipeline, []StageMapping, error) {
	return m.pipeline, m.stages, nil
}

func (m *memoryAuditStore) recordsOf(kind, status string) []SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SyncRecord
	for _, r := range m.records {
		if r.Kind == kind && r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func testOrder() *Order {
	return &Order{
		ID:              820982911946154508,
		OrderNumber:     1001,
		Currency:        "EUR",
		TotalPrice:      "149.90",
		TotalTax:        "26.02",
		TotalDiscounts:  "10.00",
		FinancialStatus: "paid",
		Customer: &Customer{
			ID:        5738291,
			FirstName: "Ana",
			LastName:  "García",
			Email:     "ana@example.com",
		},
		BillingAddress: &Address{
			Address1: "Calle Mayor 1",
			City:     "Madrid",
			Zip:      "28013",
			Country:  "Spain",
		},
		LineItems: []LineItem{
			{ProductID: 632910392, VariantID: 808950810, SKU: "IPOD-342", Title: "iPod Nano", Price: "74.95", Quantity: 2},
		},
	}
}

func newTestSyncer(t *testing.T, fake *fakeCRM, store AuditStore) *Syncer {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := NewClient(Config{
		APIToken: "test-token",
		BaseURL:  server.URL,
	}, slog.New(slog.DiscardHandler))

	return NewSyncer(client, store, slog.New(slog.DiscardHandler))
}

func TestSyncer_SyncOrder_CreatesAllRecords(t *testing.T) {
	fake := newFakeCRM()
	store := &memoryAuditStore{}
	syncer := newTestSyncer(t, fake, store)

	result, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	assert.NotZero(t, result.ContactID)
	assert.Len(t, result.ProductIDs, 1)
	assert.NotZero(t, result.DealID)

	assert.Len(t, fake.contacts, 1)
	assert.Len(t, fake.products, 1)
	assert.Len(t, fake.deals, 1)

	deal := fake.deals[result.DealID]
	assert.Equal(t, result.ContactID, deal.ContactID)
	assert.Equal(t, int64(42), deal.Owner)
	assert.InDelta(t, 149.90, deal.Amount, 0.001)
	require.Len(t, deal.Items, 1)
	assert.Equal(t, result.ProductIDs[0], deal.Items[0].ProductID)
	assert.Equal(t, 2, deal.Items[0].Quantity)

	assert.Len(t, store.recordsOf(SyncKindCustomer, SyncStatusSuccess), 1)
	assert.Len(t, store.recordsOf(SyncKindProduct, SyncStatusSuccess), 1)
	assert.Len(t, store.recordsOf(SyncKindDeal, SyncStatusSuccess), 1)
	assert.Len(t, store.recordsOf(SyncKindOrder, SyncStatusSuccess), 1)
}

func TestSyncer_SyncOrder_Idempotent(t *testing.T) {
	fake := newFakeCRM()
	store := &memoryAuditStore{}
	syncer := newTestSyncer(t, fake, store)

	first, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	second, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	assert.Equal(t, first.ContactID, second.ContactID)
	assert.Equal(t, first.ProductIDs, second.ProductIDs)
	assert.Equal(t, first.DealID, second.DealID)

	assert.Len(t, fake.contacts, 1)
	assert.Len(t, fake.products, 1)
	assert.Len(t, fake.deals, 1)
}

func TestSyncer_SyncOrder_OmitsSKUOnProductUpdate(t *testing.T) {
	fake := newFakeCRM()
	store := &memoryAuditStore{}
	syncer := newTestSyncer(t, fake, store)

	_, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	_, err = syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	require.NotNil(t, fake.lastProductUpdate)
	_, hasSKU := fake.lastProductUpdate["sku"]
	assert.False(t, hasSKU, "sku must not be sent on product updates")
}

func TestSyncer_SyncOrder_AttachesPipelineStage(t *testing.T) {
	fake := newFakeCRM()
	store := &memoryAuditStore{
		pipeline: &Pipeline{ID: 1, ShopID: 1, CRMPipelineID: 77, Name: "Sales"},
		stages: []StageMapping{
			{PipelineID: 1, FinancialStatus: "pending", CRMStageID: 500},
			{PipelineID: 1, FinancialStatus: "paid", CRMStageID: 501},
		},
	}
	syncer := newTestSyncer(t, fake, store)

	result, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	deal := fake.deals[result.DealID]
	assert.True(t, strings.HasSuffix(deal.Pipeline, "/deals/pipelines/77/"), "pipeline url: %s", deal.Pipeline)
	assert.True(t, strings.HasSuffix(deal.PipelineStage, "/deals/pipelines/stages/501/"), "stage url: %s", deal.PipelineStage)
}

func TestSyncer_SyncOrder_ContactFallsBackToEmail(t *testing.T) {
	fake := newFakeCRM()
	store := &memoryAuditStore{}
	syncer := newTestSyncer(t, fake, store)

	// Pre-existing contact with a matching email but no shopify id
	existing := Contact{Email: "ana@example.com", FirstName: "Ana"}
	existing.ID = fake.allocID()
	fake.contacts[existing.ID] = existing

	result, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.NoError(t, err)

	assert.Equal(t, existing.ID, result.ContactID)
	assert.Len(t, fake.contacts, 1)
}

func TestSyncer_SyncOrder_RecordsErrorAndAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail":"boom"}`)
	}))
	defer server.Close()

	store := &memoryAuditStore{}
	client := NewClient(Config{APIToken: "t", BaseURL: server.URL}, slog.New(slog.DiscardHandler))
	syncer := NewSyncer(client, store, slog.New(slog.DiscardHandler))

	_, err := syncer.SyncOrder(context.Background(), 1, testOrder())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Permanent())

	assert.Len(t, store.recordsOf(SyncKindCustomer, SyncStatusError), 1)
	assert.Empty(t, store.recordsOf(SyncKindProduct, SyncStatusError))
	assert.Empty(t, store.recordsOf(SyncKindOrder, SyncStatusSuccess))
}

func TestAPIError_Permanent(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: 400, permanent: true},
		{name: "unauthorized", status: 401, permanent: true},
		{name: "not found", status: 404, permanent: true},
		{name: "rate limited", status: 429, permanent: true},
		{name: "server error", status: 500, permanent: false},
		{name: "bad gateway", status: 502, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &APIError{StatusCode: tt.status}
			assert.Equal(t, tt.permanent, err.Permanent())
		})
	}
}
