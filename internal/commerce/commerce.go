// Package commerce integrates with the merchant's e-commerce platform.
//
// It exposes the product catalog and order creation behind the Connector
// interface so the order flow never depends on a concrete platform. Prices
// are carried as integer halalas to avoid floating-point money.
package commerce

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// Product is one catalog entry of a merchant's store.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	SKU   string `json:"sku,omitempty"`
	Price int64  `json:"price"` // halalas
	Stock int    `json:"stock"`
}

// LineItem is a product with a requested quantity.
type LineItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// Subtotal returns the line total in halalas.
func (l LineItem) Subtotal() int64 {
	return l.Product.Price * int64(l.Quantity)
}

// OrderRequest describes an order to be committed to the platform.
// IdempotencyKey makes retried commits safe against duplicate orders.
type OrderRequest struct {
	MerchantID     int64      `json:"merchant_id"`
	CustomerName   string     `json:"customer_name"`
	CustomerPhone  string     `json:"customer_phone"`
	Address        string     `json:"address,omitempty"`
	City           string     `json:"city,omitempty"`
	Items          []LineItem `json:"items"`
	Notes          string     `json:"notes,omitempty"`
	DiscountCode   string     `json:"discount_code,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// Total returns the order total in halalas.
func (r OrderRequest) Total() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Subtotal()
	}
	return total
}

// OrderResult is the platform's answer to a committed order.
type OrderResult struct {
	OrderID    string `json:"order_id"`
	OrderCode  string `json:"order_code"`
	PaymentURL string `json:"payment_url,omitempty"`
	Total      int64  `json:"total"`
}

// Connector abstracts the commerce platform behind catalog and order
// operations.
type Connector interface {
	// ListProducts returns the merchant's current catalog.
	ListProducts(ctx context.Context, merchantID int64) ([]Product, error)
	// CreateOrder commits an order and returns the platform's order code
	// and payment link.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// ParsePrice converts a platform decimal price string (riyals) to halalas.
func ParsePrice(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return int64(math.Round(f * 100)), nil
}

// FormatPrice renders halalas as a riyal amount, e.g. 4550 -> "45.50".
func FormatPrice(halalas int64) string {
	return fmt.Sprintf("%d.%02d", halalas/100, halalas%100)
}
