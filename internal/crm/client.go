package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL is the production CRM API endpoint
const DefaultBaseURL = "https://api.clientify.net/v1"

// Config holds CRM client configuration
type Config struct {
	APIToken   string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a thin HTTP client for the CRM's contacts, products and deals
// endpoints. One client is built per shop, from that shop's credential.
type Client struct {
	apiToken   string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new CRM client
func NewClient(config Config, logger *slog.Logger) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		apiToken:   config.APIToken,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// APIError is a non-2xx response from the CRM.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api error: %d - %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request is pointless (4xx).
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (c *Client) request(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read crm response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode crm response: %w", err)
		}
	}

	return nil
}

// CustomField is a CRM custom field entry.
type CustomField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Contact is a CRM contact record.
type Contact struct {
	ID           int64         `json:"id,omitempty"`
	FirstName    string        `json:"first_name"`
	LastName     string        `json:"last_name"`
	Email        string        `json:"email"`
	Phone        string        `json:"phone,omitempty"`
	Mobile       string        `json:"mobile,omitempty"`
	Address      string        `json:"address,omitempty"`
	Address2     string        `json:"address_2,omitempty"`
	City         string        `json:"city,omitempty"`
	State        string        `json:"state,omitempty"`
	PostalCode   string        `json:"postal_code,omitempty"`
	Country      string        `json:"country,omitempty"`
	TaxID        string        `json:"taxpayer_identification_number,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
}

// Product is a CRM product record.
type Product struct {
	ID           int64         `json:"id,omitempty"`
	SKU          string        `json:"sku,omitempty"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Price        float64       `json:"price"`
	Owner        int64         `json:"owner,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
}

// DealItem links a product to a deal with quantity and unit price.
type DealItem struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Deal is a CRM opportunity record.
type Deal struct {
	ID            int64         `json:"id,omitempty"`
	Name          string        `json:"name"`
	ContactID     int64         `json:"contact_id"`
	Owner         int64         `json:"owner,omitempty"`
	Amount        float64       `json:"amount,omitempty"`
	Currency      string        `json:"currency,omitempty"`
	Description   string        `json:"description,omitempty"`
	Items         []DealItem    `json:"items,omitempty"`
	Pipeline      string        `json:"pipeline,omitempty"`
	PipelineStage string        `json:"pipeline_stage,omitempty"`
	CustomFields  []CustomField `json:"custom_fields,omitempty"`
}

// AccountInfo is the authenticated CRM account.
type AccountInfo struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

type listResponse[T any] struct {
	Results []T `json:"results"`
}

// first returns the first search result or nil. Every lookup in the sync
// algorithm is first-result-wins.
func first[T any](list listResponse[T]) *T {
	if len(list.Results) == 0 {
		return nil
	}
	return &list.Results[0]
}

// GetAccountInfo fetches the authenticated account, used for deal ownership.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.request(ctx, http.MethodGet, "/me", nil, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch account info: %w", err)
	}
	return &info, nil
}

func (c *Client) findContactByShopifyID(ctx context.Context, shopifyID string) (*Contact, error) {
	var list listResponse[Contact]
	path := "/contacts/?custom_fields__shopify_customer_id=" + url.QueryEscape(shopifyID)
	if err := c.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to search contact by shopify id: %w", err)
	}
	return first(list), nil
}

func (c *Client) findContactByEmail(ctx context.Context, email string) (*Contact, error) {
	var list listResponse[Contact]
	path := "/contacts/?email=" + url.QueryEscape(email)
	if err := c.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to search contact by email: %w", err)
	}
	return first(list), nil
}

// SyncContact finds the contact by the shopify customer id custom field,
// falling back to email, then updates it in place or creates a new one.
// Returns the CRM contact id either way.
func (c *Client) SyncContact(ctx context.Context, shopifyCustomerID string, contact Contact) (int64, error) {
	var existing *Contact
	var err error

	if shopifyCustomerID != "" {
		existing, err = c.findContactByShopifyID(ctx, shopifyCustomerID)
		if err != nil {
			return 0, err
		}
	}

	if existing == nil && contact.Email != "" {
		existing, err = c.findContactByEmail(ctx, contact.Email)
		if err != nil {
			return 0, err
		}
	}

	if existing != nil {
		c.logger.Debug("Contact found in CRM, updating",
			slog.Int64("contact_id", existing.ID),
		)
		if err := c.request(ctx, http.MethodPut, fmt.Sprintf("/contacts/%d/", existing.ID), contact, nil); err != nil {
			return 0, fmt.Errorf("failed to update contact %d: %w", existing.ID, err)
		}
		return existing.ID, nil
	}

	var created Contact
	if err := c.request(ctx, http.MethodPost, "/contacts/", contact, &created); err != nil {
		return 0, fmt.Errorf("failed to create contact: %w", err)
	}
	c.logger.Debug("Contact created in CRM", slog.Int64("contact_id", created.ID))
	return created.ID, nil
}

func (c *Client) findProductByShopifyID(ctx context.Context, shopifyID string) (*Product, error) {
	var list listResponse[Product]
	path := "/products/?custom_fields__shopify_product_id=" + url.QueryEscape(shopifyID)
	if err := c.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to search product by shopify id: %w", err)
	}
	return first(list), nil
}

func (c *Client) findProductBySKU(ctx context.Context, sku string) (*Product, error) {
	var list listResponse[Product]
	path := "/products/?sku=" + url.QueryEscape(sku)
	if err := c.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to search product by sku: %w", err)
	}
	return first(list), nil
}

// SyncProduct finds the product by the shopify product id custom field,
// falling back to SKU, then updates or creates it. SKU is an immutable
// natural key, so it is omitted from update payloads.
func (c *Client) SyncProduct(ctx context.Context, shopifyProductID string, product Product) (int64, error) {
	var existing *Product
	var err error

	if shopifyProductID != "" {
		existing, err = c.findProductByShopifyID(ctx, shopifyProductID)
		if err != nil {
			return 0, err
		}
	}

	if existing == nil && product.SKU != "" {
		existing, err = c.findProductBySKU(ctx, product.SKU)
		if err != nil {
			return 0, err
		}
	}

	if existing != nil {
		c.logger.Debug("Product found in CRM, updating",
			slog.Int64("product_id", existing.ID),
		)
		update := product
		update.SKU = ""
		if err := c.request(ctx, http.MethodPut, fmt.Sprintf("/products/%d/", existing.ID), update, nil); err != nil {
			return 0, fmt.Errorf("failed to update product %d: %w", existing.ID, err)
		}
		return existing.ID, nil
	}

	var created Product
	if err := c.request(ctx, http.MethodPost, "/products/", product, &created); err != nil {
		return 0, fmt.Errorf("failed to create product: %w", err)
	}
	c.logger.Debug("Product created in CRM", slog.Int64("product_id", created.ID))
	return created.ID, nil
}

func (c *Client) findDealByShopifyOrderID(ctx context.Context, shopifyOrderID string) (*Deal, error) {
	if shopifyOrderID == "" {
		return nil, nil
	}
	// Best-effort free-text match; the order id is embedded in the deal's
	// custom fields and name, and the first hit wins.
	var list listResponse[Deal]
	path := "/deals/?query=" + url.QueryEscape(shopifyOrderID)
	if err := c.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to search deal by shopify order id: %w", err)
	}
	return first(list), nil
}

// SyncDeal finds the deal correlated to the shopify order id, then updates
// or creates it.
func (c *Client) SyncDeal(ctx context.Context, shopifyOrderID string, deal Deal) (int64, error) {
	existing, err := c.findDealByShopifyOrderID(ctx, shopifyOrderID)
	if err != nil {
		return 0, err
	}

	if existing != nil {
		c.logger.Debug("Deal found in CRM, updating",
			slog.Int64("deal_id", existing.ID),
		)
		if err := c.request(ctx, http.MethodPut, fmt.Sprintf("/deals/%d/", existing.ID), deal, nil); err != nil {
			return 0, fmt.Errorf("failed to update deal %d: %w", existing.ID, err)
		}
		return existing.ID, nil
	}

	var created Deal
	if err := c.request(ctx, http.MethodPost, "/deals/", deal, &created); err != nil {
		return 0, fmt.Errorf("failed to create deal: %w", err)
	}
	c.logger.Debug("Deal created in CRM", slog.Int64("deal_id", created.ID))
	return created.ID, nil
}

// PipelineURL builds the API reference for a deal pipeline.
func (c *Client) PipelineURL(pipelineID int64) string {
	return fmt.Sprintf("%s/deals/pipelines/%d/", c.baseURL, pipelineID)
}

// StageURL builds the API reference for a pipeline stage.
func (c *Client) StageURL(stageID int64) string {
	return fmt.Sprintf("%s/deals/pipelines/stages/%d/", c.baseURL, stageID)
}
