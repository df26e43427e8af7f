package crm

import (
	"fmt"
	"strconv"
)

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ContactFromOrder maps the order's customer and billing address to a CRM
// contact. Billing address wins over shipping when both are present.
func ContactFromOrder(order *Order) Contact {
	contact := Contact{}

	if order.Customer != nil {
		contact.FirstName = order.Customer.FirstName
		contact.LastName = order.Customer.LastName
		contact.Email = order.Customer.Email
		contact.Phone = order.Customer.Phone
		contact.CustomFields = []CustomField{
			{Field: "shopify_customer_id", Value: strconv.FormatInt(order.Customer.ID, 10)},
		}
	}

	addr := order.BillingAddress
	if addr == nil {
		addr = order.ShippingAddress
	}
	if addr != nil {
		contact.Address = addr.Address1
		contact.Address2 = addr.Address2
		contact.City = addr.City
		contact.State = addr.Province
		contact.PostalCode = addr.Zip
		contact.Country = addr.Country
		if contact.Phone == "" {
			contact.Phone = addr.Phone
		}
	}

	return contact
}

// ProductFromLineItem maps one purchased line item to a CRM product.
func ProductFromLineItem(item LineItem) Product {
	name := item.Title
	if item.VariantTitle != "" && item.VariantTitle != "Default Title" {
		name = fmt.Sprintf("%s - %s", item.Title, item.VariantTitle)
	}

	return Product{
		SKU:   item.SKU,
		Name:  name,
		Price: parseAmount(item.Price),
		CustomFields: []CustomField{
			{Field: "shopify_product_id", Value: strconv.FormatInt(item.ProductID, 10)},
			{Field: "shopify_variant_id", Value: strconv.FormatInt(item.VariantID, 10)},
			{Field: "shopify_sku", Value: item.SKU},
		},
	}
}

// DealFromOrder maps the order to a CRM deal tied to the synced contact.
func DealFromOrder(order *Order, contactID int64, items []DealItem, ownerID int64) Deal {
	shipping := ""
	if order.TotalShipping != nil {
		shipping = order.TotalShipping.ShopMoney.Amount
	}

	return Deal{
		Name:      fmt.Sprintf("Order #%d", order.OrderNumber),
		ContactID: contactID,
		Owner:     ownerID,
		Amount:    parseAmount(order.TotalPrice),
		Currency:  order.Currency,
		Items:     items,
		CustomFields: []CustomField{
			{Field: "shopify_order_id", Value: strconv.FormatInt(order.ID, 10)},
			{Field: "shopify_order_number", Value: strconv.FormatInt(order.OrderNumber, 10)},
			{Field: "shopify_financial_status", Value: order.FinancialStatus},
			{Field: "shopify_fulfillment_status", Value: order.FulfillmentStatus},
			{Field: "shopify_total_tax", Value: order.TotalTax},
			{Field: "shopify_total_discounts", Value: order.TotalDiscounts},
			{Field: "shopify_total_shipping", Value: shipping},
		},
	}
}

// DealItems pairs the order's line items with the CRM product ids they were
// synced to. The two slices are index-aligned.
func DealItems(lineItems []LineItem, productIDs []int64) []DealItem {
	items := make([]DealItem, 0, len(lineItems))
	for i, li := range lineItems {
		if i >= len(productIDs) {
			break
		}
		items = append(items, DealItem{
			ProductID: productIDs[i],
			Quantity:  li.Quantity,
			Price:     parseAmount(li.Price),
		})
	}
	return items
}
