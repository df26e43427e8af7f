package crm

import (
	"encoding/json"
	"fmt"
)

// Order is the subset of a Shopify order payload the sync engine reads.
type Order struct {
	ID                int64      `json:"id"`
	OrderNumber       int64      `json:"order_number"`
	Currency          string     `json:"currency"`
	TotalPrice        string     `json:"total_price"`
	TotalTax          string     `json:"total_tax"`
	TotalDiscounts    string     `json:"total_discounts"`
	FinancialStatus   string     `json:"financial_status"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	Customer          *Customer  `json:"customer"`
	BillingAddress    *Address   `json:"billing_address"`
	ShippingAddress   *Address   `json:"shipping_address"`
	LineItems         []LineItem `json:"line_items"`
	TotalShipping     *PriceSet  `json:"total_shipping_price_set"`
}

// Customer is the buyer attached to an order.
type Customer struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Address is a billing or shipping address.
type Address struct {
	Address1    string `json:"address1"`
	Address2    string `json:"address2"`
	City        string `json:"city"`
	Province    string `json:"province"`
	Zip         string `json:"zip"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Company     string `json:"company"`
	Phone       string `json:"phone"`
}

// LineItem is one purchased item on an order.
type LineItem struct {
	ProductID    int64  `json:"product_id"`
	VariantID    int64  `json:"variant_id"`
	SKU          string `json:"sku"`
	Title        string `json:"title"`
	VariantTitle string `json:"variant_title"`
	Price        string `json:"price"`
	Quantity     int    `json:"quantity"`
}

// PriceSet carries a shop-currency amount.
type PriceSet struct {
	ShopMoney struct {
		Amount string `json:"amount"`
	} `json:"shop_money"`
}

// ParseOrder decodes a raw Shopify order payload.
func ParseOrder(data []byte) (*Order, error) {
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order payload: %w", err)
	}
	return &order, nil
}
